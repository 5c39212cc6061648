package engine

import (
	"context"

	"github.com/0xLigety/fo-dicom/errors"
	"github.com/0xLigety/fo-dicom/types"
)

// SOPClassNotSupportedStatus is returned to the peer, without closing
// the association, when a streaming or N-service handler reports a
// NegotiationError (e.g. a C-MOVE sub-operation target SOP class wasn't
// itself negotiated). PS 3.7 Annex C status codes reuse 0x0122 for this
// across services.
const SOPClassNotSupportedStatus uint16 = 0x0122

// dispatchIncomingRequest runs the Handlers callback matching req's
// command field, outside Conn's lock, and turns its result into a
// queued response. It runs in its own goroutine per readLoop so a slow
// handler never stalls PDU reception for the rest of the association.
func (c *Conn) dispatchIncomingRequest(ctx context.Context, req *Request, pcID byte) {
	msg := req.Message

	switch msg.CommandField {
	case types.CCancelRQ:
		if c.handlers.OnCCancel != nil {
			c.handlers.OnCCancel(c, msg.MessageIDBeingRespondedTo)
		} else {
			c.log.Debugf("dropping C-CANCEL for message %d, no cancel handler registered", msg.MessageIDBeingRespondedTo)
		}
	case types.CEchoRQ:
		c.handleUnary(ctx, req, pcID, c.handlers.OnCEcho)
	case types.CStoreRQ:
		c.handleCStore(ctx, req, pcID)
	case types.CFindRQ:
		c.handleStreaming(ctx, req, pcID, c.handlers.OnCFind)
	case types.CMoveRQ:
		c.handleMoveLike(ctx, req, pcID, c.handlers.OnCMove)
	case types.CGetRQ:
		c.handleMoveLike(ctx, req, pcID, c.handlers.OnCGet)
	case types.NActionRQ:
		c.handleUnary(ctx, req, pcID, c.handlers.OnNAction)
	case types.NEventReportRQ:
		c.handleUnary(ctx, req, pcID, c.handlers.OnNEventReport)
	case types.NGetRQ:
		c.handleUnary(ctx, req, pcID, c.handlers.OnNGet)
	case types.NSetRQ:
		c.handleUnary(ctx, req, pcID, c.handlers.OnNSet)
	case types.NCreateRQ:
		c.handleUnary(ctx, req, pcID, c.handlers.OnNCreate)
	case types.NDeleteRQ:
		c.handleUnary(ctx, req, pcID, c.handlers.OnNDelete)
	default:
		c.replyError(pcID, msg, errors.NewUnimplementedRoleError(msg.CommandField, "SCP"))
	}
}

func (c *Conn) handleUnary(ctx context.Context, req *Request, pcID byte, handler func(context.Context, *Request) (uint16, error)) {
	if handler == nil {
		c.replyError(pcID, req.Message, errors.NewUnimplementedRoleError(req.Message.CommandField, "SCP"))
		return
	}
	status, err := handler(ctx, req)
	if err != nil {
		c.replyError(pcID, req.Message, err)
		return
	}
	c.replyFinal(pcID, req.Message, status)
}

// handleCStore is handleUnary plus spool cleanup: a handler that never
// reads req.File still leaves a temp file on disk unless this path
// removes it once the handler has run.
func (c *Conn) handleCStore(ctx context.Context, req *Request, pcID byte) {
	handler := c.handlers.OnCStore
	var status uint16
	var err error
	if handler == nil {
		err = errors.NewUnimplementedRoleError(req.Message.CommandField, "SCP")
	} else {
		status, err = handler(ctx, req)
	}
	if req.Spool != nil {
		if removeErr := req.Spool.Remove(); removeErr != nil {
			c.log.WithError(removeErr).Warn("failed to remove C-STORE spool file")
		}
	}
	if err != nil {
		c.replyError(pcID, req.Message, err)
		return
	}
	c.replyFinal(pcID, req.Message, status)
}

func (c *Conn) handleStreaming(ctx context.Context, req *Request, pcID byte, handler func(context.Context, *Request, Responder) error) {
	if handler == nil {
		c.replyError(pcID, req.Message, errors.NewUnimplementedRoleError(req.Message.CommandField, "SCP"))
		return
	}
	r := &responder{c: c, pcID: pcID, req: req.Message}
	if err := handler(ctx, req, r); err != nil {
		c.replyError(pcID, req.Message, err)
		return
	}
	c.replyFinal(pcID, req.Message, types.StatusSuccess)
}

// handleMoveLike is handleStreaming's counterpart for C-MOVE/C-GET: the
// handler returns its final sub-operation counts alongside the error, so
// the closing response carries them the same way every pending response
// sent through Responder.SendProgress did.
func (c *Conn) handleMoveLike(ctx context.Context, req *Request, pcID byte, handler func(context.Context, *Request, Responder) (SubOperationCounts, error)) {
	if handler == nil {
		c.replyError(pcID, req.Message, errors.NewUnimplementedRoleError(req.Message.CommandField, "SCP"))
		return
	}
	r := &responder{c: c, pcID: pcID, req: req.Message}
	counts, err := handler(ctx, req, r)
	if err != nil {
		c.replyError(pcID, req.Message, err)
		return
	}
	resp := progressMessage(req.Message, types.StatusSuccess, counts)
	if err := c.enqueueMessage(pcID, resp, nil); err != nil {
		c.log.WithError(err).Warn("failed to queue DIMSE response")
	}
}

func (c *Conn) replyFinal(pcID byte, req *types.Message, status uint16) {
	resp := &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		Status:                    status,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
	}
	if err := c.enqueueMessage(pcID, resp, nil); err != nil {
		c.log.WithError(err).Warn("failed to queue DIMSE response")
	}
}

// replyError classifies a handler error into a DIMSE outcome: an
// UnimplementedRoleError aborts the association (the peer asked for a
// role this side never registered a handler for), a NegotiationError
// gets a synthetic SOPClassNotSupported response without closing
// anything, and anything else becomes a generic Failure status.
func (c *Conn) replyError(pcID byte, req *types.Message, err error) {
	switch err.(type) {
	case *errors.UnimplementedRoleError:
		c.log.WithError(err).Warn("unimplemented role requested, aborting association")
		c.Abort(byte(errors.RejectSourceServiceProvider), 0x02)
	case *errors.NegotiationError:
		c.log.WithError(err).Warn("negotiation error, responding without closing")
		c.replyFinal(pcID, req, SOPClassNotSupportedStatus)
	default:
		c.log.WithError(err).Warn("handler returned error")
		c.replyFinal(pcID, req, types.StatusFailure)
	}
}
