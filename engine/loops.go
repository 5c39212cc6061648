package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/0xLigety/fo-dicom/dicom"
	"github.com/0xLigety/fo-dicom/dimse"
	"github.com/0xLigety/fo-dicom/errors"
	"github.com/0xLigety/fo-dicom/pdu"
	"github.com/0xLigety/fo-dicom/pdv"
	"github.com/0xLigety/fo-dicom/reassemble"
	"github.com/0xLigety/fo-dicom/types"
)

// readLoop is send_next_pdu's counterpart on the receive side: it reads
// and dispatches one PDU at a time, handing completed DIMSE exchanges
// off to a fresh goroutine per message (role upcalls must not block the
// single reader, or a slow SCP handler would stall the whole wire).
func (c *Conn) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		raw, err := pdu.ReadPDU(c.netConn)
		if err != nil {
			if err == io.EOF {
				c.closeConnection(nil)
				return
			}
			c.handleFatal(err)
			return
		}
		if err := c.dispatchPDU(ctx, raw); err != nil {
			c.handleFatal(err)
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (c *Conn) dispatchPDU(ctx context.Context, raw pdu.RawPDU) error {
	switch raw.Type {
	case pdu.TypePDataTF:
		return c.handlePDataTF(ctx, raw.Data)

	case pdu.TypeReleaseRQ:
		if err := c.writeRaw(pdu.TypeReleaseRP, pdu.EncodeReleaseRP()); err != nil {
			return err
		}
		c.mu.Lock()
		c.state = StateReleasing
		c.mu.Unlock()
		if c.handlers.OnAssociationReleased != nil {
			c.handlers.OnAssociationReleased(c)
		}
		c.closeConnection(nil)
		return nil

	case pdu.TypeReleaseRP:
		if c.releaseDone != nil {
			close(c.releaseDone)
		}
		if c.handlers.OnAssociationReleased != nil {
			c.handlers.OnAssociationReleased(c)
		}
		c.closeConnection(nil)
		return nil

	case pdu.TypeAbort:
		a, err := pdu.DecodeAbort(raw.Data)
		if err != nil {
			return err
		}
		if c.handlers.OnAssociationAborted != nil {
			c.handlers.OnAssociationAborted(c, a.Source, a.Reason)
		}
		c.closeConnection(errors.NewAbortError(a.Source, a.Reason))
		return nil

	case pdu.TypeAssociateRQ, pdu.TypeAssociateAC, pdu.TypeAssociateRJ:
		return errors.NewProtocolError("association PDU received outside negotiation phase")

	case 0xFF:
		// Reserved PDU type (PS 3.8 Table 9-1 leaves 0xff undefined).
		// Logged and dropped rather than treated as a protocol error, so
		// a future PDU type doesn't take an otherwise-healthy
		// association down.
		c.log.Debug("ignoring reserved PDU type 0xff")
		return nil

	default:
		c.log.Debugf("ignoring unrecognized PDU type 0x%02x", raw.Type)
		return nil
	}
}

func (c *Conn) handlePDataTF(ctx context.Context, data []byte) error {
	pdataTF, err := pdu.DecodePDataTF(data)
	if err != nil {
		return err
	}

	for _, p := range pdataTF.PDVs {
		c.mu.Lock()
		transferSyntax := ""
		source := reassemble.SourceInfo{CallingAETitle: c.callingAETitle}
		if c.assocState != nil {
			if pc, ok := c.assocState.PresentationCtxs[p.PresentationContextID]; ok {
				transferSyntax = pc.TransferSyntax
			}
			source.ImplClassUID = c.assocState.ImplClassUID
			source.ImplVersionName = c.assocState.ImplVersionName
		}
		if c.cfg.LogDataPDUs {
			c.log.WithField("pc", p.PresentationContextID).Debug("received PDV")
		}
		c.mu.Unlock()

		result, done, err := c.reassembler.AddPDV(p, transferSyntax, source)
		if err != nil {
			var decodeErr *errors.DecodeError
			if asDecodeError(err, &decodeErr) {
				// A malformed DIMSE command set is reported and the
				// exchange is dropped without tearing down the whole
				// association; only a wire-level protocol violation
				// warrants an abort.
				c.log.WithError(decodeErr).Warn("dropping undecodable DIMSE exchange")
				continue
			}
			return err
		}
		if !done {
			continue
		}
		c.dispatchResult(ctx, result, p.PresentationContextID, transferSyntax)
	}
	return nil
}

func asDecodeError(err error, target **errors.DecodeError) bool {
	de, ok := err.(*errors.DecodeError)
	if ok {
		*target = de
	}
	return ok
}

func (c *Conn) dispatchResult(ctx context.Context, result *reassemble.Result, pcID byte, transferSyntaxUID string) {
	req := &Request{Conn: c, Message: result.Message, Dataset: result.Dataset, Spool: result.Spool, File: result.File, TransferSyntaxUID: transferSyntaxUID}
	if req.Message.IsRequest() {
		go c.dispatchIncomingRequest(ctx, req, pcID)
		return
	}
	c.routeResponse(req)
}

// routeResponse matches an incoming response against the pending table
// by MessageIDBeingRespondedTo, removing the entry only once the
// response's status is no longer Pending: a C-FIND/C-MOVE/C-GET
// operation stays tracked across every intermediate Pending response,
// not just its first.
func (c *Conn) routeResponse(req *Request) {
	id := req.Message.MessageIDBeingRespondedTo
	final := req.Message.Status != types.StatusPending

	c.mu.Lock()
	p, ok := c.pending[id]
	if ok && final {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warnf("response to unknown message ID %d (command 0x%04x)", id, req.Message.CommandField)
		return
	}
	p.ch <- req
	if final {
		close(p.ch)
		c.releaseAsyncSlot()
	}
}

// writerLoop is the sole writer of raw bytes onto the socket: every PDU,
// whether a DIMSE fragment queued through sendPDU or a direct
// association/release/abort write, passes through here or through a
// direct WriteRaw call made before the loops start or during teardown.
func (c *Conn) writerLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for len(c.pduQueue) == 0 && c.isConnected {
			c.pduCond.Wait()
		}
		if len(c.pduQueue) == 0 && !c.isConnected {
			c.mu.Unlock()
			return
		}
		next := c.pduQueue[0]
		c.pduQueue = c.pduQueue[1:]
		c.writing = true
		c.pduCond.Broadcast()
		c.mu.Unlock()

		c.writeMu.Lock()
		_, err := c.netConn.Write(next)
		c.writeMu.Unlock()

		c.mu.Lock()
		c.writing = false
		c.pduCond.Broadcast()
		c.mu.Unlock()

		if err != nil {
			c.handleFatal(errors.NewNetworkError("write", err))
			return
		}
	}
}

// senderLoop drains msg_queue, turning each queued command/dataset pair
// into PDV-framed PDUs pushed through sendPDU (which itself blocks once
// pdu_queue reaches MaximumPDUsInQueue, the backpressure path).
func (c *Conn) senderLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for len(c.msgQueue) == 0 && c.isConnected {
			c.msgCond.Wait()
		}
		if len(c.msgQueue) == 0 && !c.isConnected {
			c.mu.Unlock()
			return
		}
		m := c.msgQueue[0]
		c.msgQueue = c.msgQueue[1:]
		c.sending = true
		c.mu.Unlock()

		err := c.writeMessage(m)

		c.mu.Lock()
		c.sending = false
		c.mu.Unlock()

		if err != nil {
			c.handleFatal(err)
			return
		}
	}
}

func (c *Conn) writeMessage(m *outboundMessage) error {
	if m.dataset == nil {
		m.msg.CommandDataSetType = 0x0101
	} else {
		m.msg.CommandDataSetType = 0x0000
	}

	dataset := m.dataset
	if len(dataset) > 0 {
		prepared, err := c.prepareOutboundDataset(m)
		if err != nil {
			return err
		}
		dataset = prepared
	}

	cmdBytes, err := dimse.EncodeCommand(m.msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	maxPDU := c.peerMaxPDU
	c.mu.Unlock()

	sink := &pduSink{c: c}

	stream := pdv.NewStream(sink, m.pcID, maxPDU, c.cfg.MaxCommandBuffer)
	if err := stream.SetIsCommand(true); err != nil {
		return err
	}
	if _, err := stream.Write(cmdBytes); err != nil {
		return err
	}
	if err := stream.Flush(true); err != nil {
		return err
	}

	if len(dataset) == 0 {
		return stream.FlushPDU()
	}

	stream.SetBufferSize(c.cfg.MaxDataBuffer)
	if err := stream.SetIsCommand(false); err != nil {
		return err
	}
	if _, err := stream.Write(dataset); err != nil {
		return err
	}
	if err := stream.Flush(true); err != nil {
		return err
	}
	return stream.FlushPDU()
}

// prepareOutboundDataset strips retired group-length elements (PS 3.5
// §7.2, every (gggg,0000) other than the command/file-meta groups) from
// m.dataset and, if its transfer syntax differs from the one negotiated
// for m.pcID, transcodes it through c.codec. If m.msg carries no
// transfer syntax of its own, the dataset is assumed to already match
// the accepted context and is passed through unchanged.
func (c *Conn) prepareOutboundDataset(m *outboundMessage) ([]byte, error) {
	sourceTS := m.msg.TransferSyntaxUID
	if sourceTS == "" {
		return m.dataset, nil
	}

	targetTS := c.acceptedTransferSyntax(m.pcID)
	if targetTS == "" {
		targetTS = sourceTS
	}

	ds, err := c.codec.Decode(m.dataset, sourceTS)
	if err != nil {
		return nil, fmt.Errorf("engine: decoding outbound dataset: %w", err)
	}
	stripGroupLengths(ds)

	out, err := c.codec.Encode(ds, targetTS)
	if err != nil {
		return nil, fmt.Errorf("engine: transcoding outbound dataset to %s: %w", targetTS, err)
	}
	return out, nil
}

func (c *Conn) acceptedTransferSyntax(pcID byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assocState == nil {
		return ""
	}
	if pc, ok := c.assocState.PresentationCtxs[pcID]; ok {
		return pc.TransferSyntax
	}
	return ""
}

func stripGroupLengths(ds *dicom.Dataset) {
	for tag := range ds.Elements {
		if tag.Element == 0x0000 {
			delete(ds.Elements, tag)
		}
	}
}

// pduSink adapts Conn's blocking, backpressured sendPDU to the
// io.Writer pdv.Stream writes fully-framed P-DATA-TF PDUs to.
type pduSink struct{ c *Conn }

func (s *pduSink) Write(p []byte) (int, error) {
	if err := s.c.sendPDU(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// sendPDU queues a fully-framed PDU for writerLoop, blocking while
// pduQueue has already reached MaximumPDUsInQueue. This is the
// write-side backpressure that keeps a slow peer from growing this
// side's queue without bound.
func (c *Conn) sendPDU(framed []byte) error {
	c.mu.Lock()
	for c.isConnected && len(c.pduQueue) >= c.cfg.MaximumPDUsInQueue {
		c.pduCond.Wait()
	}
	if !c.isConnected {
		c.mu.Unlock()
		return errors.ErrConnectionClosed
	}
	c.pduQueue = append(c.pduQueue, framed)
	c.pduCond.Signal()
	c.mu.Unlock()
	return nil
}

// enqueueMessage is send_response/part of send_request: it appends to
// msg_queue and wakes the sender goroutine.
func (c *Conn) enqueueMessage(pcID byte, msg *types.Message, dataset []byte) error {
	c.mu.Lock()
	if !c.isConnected {
		c.mu.Unlock()
		return errors.ErrConnectionClosed
	}
	c.msgQueue = append(c.msgQueue, &outboundMessage{pcID: pcID, msg: msg, dataset: dataset})
	c.msgCond.Signal()
	c.mu.Unlock()
	return nil
}

func (c *Conn) handleFatal(err error) {
	switch err.(type) {
	case *errors.UnimplementedRoleError:
		c.log.WithError(err).Warn("unimplemented role requested, aborting association")
		c.Abort(byte(errors.RejectSourceServiceProvider), 0x02)
	case *errors.ProtocolError:
		c.log.WithError(err).Warn("protocol error, aborting association")
		c.Abort(byte(errors.RejectSourceServiceProvider), 0x01)
	default:
		c.log.WithError(err).Warn("closing connection")
		c.closeConnection(err)
	}
}
