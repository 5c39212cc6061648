package engine

import (
	"context"

	"github.com/0xLigety/fo-dicom/assoc"
	"github.com/0xLigety/fo-dicom/errors"
	"github.com/0xLigety/fo-dicom/types"
)

// SendRequest issues a DIMSE request over the presentation context whose
// abstract syntax matches msg.AffectedSOPClassUID, assigning msg a fresh
// MessageID. It blocks until a free slot opens in the connection's
// in-flight-operations semaphore, then returns a ResponseStream the
// caller drains for one or more responses.
func (c *Conn) SendRequest(ctx context.Context, msg *types.Message, dataset []byte) (*ResponseStream, error) {
	if err := c.acquireAsyncSlot(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if !c.isConnected {
		c.mu.Unlock()
		c.releaseAsyncSlot()
		return nil, errors.ErrConnectionClosed
	}
	a := c.assocState
	c.nextMsgID++
	msg.MessageID = c.nextMsgID
	c.mu.Unlock()

	pc, ok := assoc.FindAcceptablePC(a, msg.AffectedSOPClassUID, msg)
	if !ok {
		c.releaseAsyncSlot()
		c.log.Warnf("no accepted presentation context for %s, synthesizing SOPClassNotSupported", msg.AffectedSOPClassUID)
		return c.synthesizeNegotiationFailure(msg), nil
	}

	ch := make(chan *Request, 4)
	c.mu.Lock()
	c.pending[msg.MessageID] = &pendingRequest{ch: ch}
	c.mu.Unlock()

	if err := c.enqueueMessage(pc.ID, msg, dataset); err != nil {
		c.mu.Lock()
		delete(c.pending, msg.MessageID)
		c.mu.Unlock()
		c.releaseAsyncSlot()
		return nil, err
	}

	return &ResponseStream{ch: ch}, nil
}

// synthesizeNegotiationFailure builds a ResponseStream delivering a
// single synthetic response with SOPClassNotSupportedStatus, as though
// the peer itself had rejected req: no association-level abstract
// syntax was negotiated for it, so nothing is sent over the wire and
// the association stays open. req.MessageID must already be assigned.
func (c *Conn) synthesizeNegotiationFailure(req *types.Message) *ResponseStream {
	resp := &types.Message{
		CommandField:              types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo: req.MessageID,
		Status:                    SOPClassNotSupportedStatus,
		AffectedSOPClassUID:       req.AffectedSOPClassUID,
		AffectedSOPInstanceUID:    req.AffectedSOPInstanceUID,
	}
	ch := make(chan *Request, 1)
	ch <- &Request{Conn: c, Message: resp}
	close(ch)
	return &ResponseStream{ch: ch}
}

// acquireAsyncSlot blocks until a free slot opens in the connection's
// in-flight-operations semaphore, unless MaxAsyncOpsInvoked was
// configured as 0 (unbounded), in which case it returns immediately.
func (c *Conn) acquireAsyncSlot(ctx context.Context) error {
	if c.asyncSem == nil {
		return nil
	}
	select {
	case c.asyncSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.ErrConnectionClosed
	}
}

func (c *Conn) releaseAsyncSlot() {
	if c.asyncSem == nil {
		return
	}
	<-c.asyncSem
}

// SendCancel enqueues a C-CANCEL-RQ referencing messageID, the MessageID
// of a pending C-FIND/C-MOVE/C-GET this side issued earlier. Unlike
// SendRequest, C-CANCEL has no response: the SCP either stops emitting
// Pending responses for that operation or it doesn't.
func (c *Conn) SendCancel(abstractSyntax string, messageID uint16) error {
	c.mu.Lock()
	a := c.assocState
	c.mu.Unlock()

	msg := &types.Message{
		CommandField:              types.CCancelRQ,
		MessageIDBeingRespondedTo: messageID,
		CommandDataSetType:        0x0101,
	}

	pc, ok := assoc.FindAcceptablePC(a, abstractSyntax, msg)
	if !ok {
		return errors.NewNegotiationError("no accepted presentation context for " + abstractSyntax)
	}

	return c.enqueueMessage(pc.ID, msg, nil)
}
