// Package engine drives one DICOM upper-layer association end to end:
// PDU framing, association negotiation, the send/receive queues with
// backpressure and flow control, and DIMSE request/response routing
// (PS 3.8 §9, PS 3.7 §9-10). It is the one package that wires together
// pdu, assoc, pdv, reassemble, policy and config into a runnable
// connection; everything above it (package services, package client)
// only ever sees a *Conn and a Handlers capability struct.
package engine

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/0xLigety/fo-dicom/assoc"
	"github.com/0xLigety/fo-dicom/config"
	"github.com/0xLigety/fo-dicom/dicom"
	"github.com/0xLigety/fo-dicom/dicomlog"
	"github.com/0xLigety/fo-dicom/errors"
	"github.com/0xLigety/fo-dicom/pdu"
	"github.com/0xLigety/fo-dicom/reassemble"

	"github.com/sirupsen/logrus"
)

const (
	implementationClassUID   = "1.2.826.0.1.3680043.2.1143.107.104.103.115.2.0.1"
	implementationVersionName = "FODICOM_ENGINE_1"
)

// Conn drives one negotiated DICOM upper-layer association. A single
// mutex (mu) guards the state shared between the reader, writer and
// sender goroutines: the two outbound queues, the pending-response
// table, and the writing/sending/isConnected flags. Role upcalls
// (Handlers fields) always run outside that lock.
type Conn struct {
	netConn net.Conn
	isSCP   bool

	callingAETitle  string
	calledAETitle   string
	implClassUID    string
	implVersionName string
	localMaxPDU     uint32
	proposals       []pdu.PresentationContextProposal

	// localMaxOpsInvoked and localMaxOpsPerformed are this side's own
	// Asynchronous Operations Window limits, advertised to the peer
	// during negotiation. 0 means unlimited.
	localMaxOpsInvoked   uint16
	localMaxOpsPerformed uint16

	policy   assoc.AbstractSyntaxPolicy
	handlers Handlers
	cfg      config.Options
	codec    dicom.DatasetCodec
	sinks    reassemble.CStoreSinkProvider
	log      *logrus.Entry

	reassembler *reassemble.Reassembler

	// writeMu serializes every actual write to netConn: the writer
	// goroutine's queued PDUs and the direct out-of-band writes
	// (negotiation, release, abort) all go through writeRaw/writerLoop's
	// write so two goroutines never interleave bytes on the same
	// socket.
	writeMu sync.Mutex

	mu          sync.Mutex
	pduCond     *sync.Cond
	msgCond     *sync.Cond
	state       State
	assocState  *assoc.Association
	peerMaxPDU  uint32
	isConnected bool
	writing     bool
	sending     bool
	pduQueue    [][]byte
	msgQueue    []*outboundMessage
	pending     map[uint16]*pendingRequest
	nextMsgID   uint16

	asyncSem chan struct{}

	releaseDone chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Options bundles the construction-time dependencies shared by
// NewServerConn and NewClientConn.
type Options struct {
	Config       config.Options
	Codec        dicom.DatasetCodec
	SinkProvider reassemble.CStoreSinkProvider
	Logger       *logrus.Entry
	// MaxAsyncOpsInvoked bounds how many requests this side may have
	// outstanding (awaiting a final response) at once. 0 means
	// unbounded: SendRequest never blocks waiting for a free slot. This
	// value is also advertised to the peer in the Asynchronous
	// Operations Window user-information sub-item (PS 3.8 Annex
	// D.3.3.3), though it is enforced only locally, never against what
	// the peer reports.
	MaxAsyncOpsInvoked int
	// MaxAsyncOpsPerformed is advertised alongside MaxAsyncOpsInvoked:
	// the number of operations this side is willing to have the peer
	// invoke against it concurrently. 0 means unbounded. Unused by
	// Conn itself today (nothing invokes operations back on an
	// established association's acceptor side), but still negotiated
	// since PS 3.8 requires both halves of the sub-item.
	MaxAsyncOpsPerformed int
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = dicom.DefaultCodec{}
	}
	if o.SinkProvider == nil {
		o.SinkProvider = &reassemble.TempFileSinkProvider{Codec: o.Codec}
	}
	if o.Config.MaximumPDUsInQueue == 0 {
		o.Config = config.Default()
	}
	if o.Logger == nil {
		o.Logger = dicomlog.WithConnID(nil, "conn")
	}
	return o
}

func newConn(netConn net.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		netConn:              netConn,
		implClassUID:         implementationClassUID,
		implVersionName:      implementationVersionName,
		localMaxPDU:          uint32(opts.Config.MaxDataBuffer),
		localMaxOpsInvoked:   uint16(opts.MaxAsyncOpsInvoked),
		localMaxOpsPerformed: uint16(opts.MaxAsyncOpsPerformed),
		cfg:                  opts.Config,
		codec:                opts.Codec,
		sinks:                opts.SinkProvider,
		log:                  opts.Logger,
		pending:              make(map[uint16]*pendingRequest),
		done:                 make(chan struct{}),
	}
	if opts.MaxAsyncOpsInvoked > 0 {
		c.asyncSem = make(chan struct{}, opts.MaxAsyncOpsInvoked)
	}
	c.pduCond = sync.NewCond(&c.mu)
	c.msgCond = sync.NewCond(&c.mu)
	c.reassembler = reassemble.NewReassembler(c.codec, c.sinks)
	return c
}

// NewServerConn builds a Conn that will play the SCP role in the
// association negotiation: it waits for the peer's A-ASSOCIATE-RQ and
// answers with an A-ASSOCIATE-AC or -RJ per policy.
func NewServerConn(netConn net.Conn, calledAETitle string, policy assoc.AbstractSyntaxPolicy, handlers Handlers, opts Options) *Conn {
	c := newConn(netConn, opts)
	c.isSCP = true
	c.calledAETitle = calledAETitle
	c.policy = policy
	c.handlers = handlers
	return c
}

// NewClientConn builds a Conn that will play the SCU role: Run sends an
// A-ASSOCIATE-RQ proposing proposals and waits for the peer's answer.
func NewClientConn(netConn net.Conn, callingAETitle, calledAETitle string, proposals []pdu.PresentationContextProposal, handlers Handlers, opts Options) *Conn {
	c := newConn(netConn, opts)
	c.callingAETitle = callingAETitle
	c.calledAETitle = calledAETitle
	c.proposals = proposals
	c.handlers = handlers
	c.releaseDone = make(chan struct{})
	return c
}

// writeRaw is the single point every byte written to netConn passes
// through: the writer goroutine's queued PDUs (writerLoop) and these
// direct out-of-band writes (negotiation, release, abort) share writeMu
// so they never interleave on the wire.
func (c *Conn) writeRaw(pduType byte, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return pdu.WriteRaw(c.netConn, pduType, body)
}

// Association returns the negotiated association, or nil before Run has
// completed negotiation.
func (c *Conn) Association() *assoc.Association {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assocState
}

// State returns the connection's current position in the state machine.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run performs association negotiation and then drives the connection
// until it closes, spawning the reader, writer and sender as goroutines
// under a sync.WaitGroup so Run can block until all three have exited
// before returning. It returns the error that ended the connection, or
// nil on a clean release.
func (c *Conn) Run(ctx context.Context) error {
	c.mu.Lock()
	c.isConnected = true
	c.state = StateNegotiating
	c.mu.Unlock()

	var err error
	if c.isSCP {
		err = c.negotiateServer()
	} else {
		err = c.negotiateClient()
	}
	if err != nil {
		c.closeConnection(err)
		return err
	}

	c.mu.Lock()
	c.state = StateAssociated
	c.mu.Unlock()

	if c.handlers.OnAssociationEstablished != nil {
		c.handlers.OnAssociationEstablished(c)
	}

	c.wg.Add(3)
	go c.readLoop(ctx)
	go c.writerLoop()
	go c.senderLoop()

	go func() {
		<-ctx.Done()
		c.closeConnection(ctx.Err())
	}()

	c.wg.Wait()
	return c.closeErr
}

func (c *Conn) negotiateServer() error {
	raw, err := pdu.ReadPDU(c.netConn)
	if err != nil {
		return err
	}
	if raw.Type != pdu.TypeAssociateRQ {
		c.sendAbort(byte(errors.RejectSourceServiceProvider), 0x02)
		return errors.NewProtocolError("expected A-ASSOCIATE-RQ as first PDU")
	}
	rq, err := pdu.DecodeAssociateRQ(raw.Data)
	if err != nil {
		return err
	}

	negotiated := assoc.AcceptPresentationContexts(rq, c.policy)
	c.mu.Lock()
	c.assocState = negotiated
	c.peerMaxPDU = rq.MaxPDULength
	c.callingAETitle = rq.CallingAETitle
	c.mu.Unlock()

	accepted := false
	for _, pc := range negotiated.PresentationCtxs {
		if pc.Accepted() {
			accepted = true
			break
		}
	}
	if !accepted {
		rj := &pdu.AssociateRJ{
			Result: pdu.RejectResultPermanent,
			Source: byte(errors.RejectSourceServiceUser),
			Reason: byte(errors.RejectReasonNoReasonGiven),
		}
		if err := c.writeRaw(pdu.TypeAssociateRJ, rj.Encode()); err != nil {
			return err
		}
		return errors.NewNegotiationError("no presentation context was acceptable")
	}

	ac := negotiated.ToAssociateAC(c.localMaxPDU, c.implClassUID, c.implVersionName, c.localMaxOpsInvoked, c.localMaxOpsPerformed)
	return c.writeRaw(pdu.TypeAssociateAC, ac.Encode())
}

func (c *Conn) negotiateClient() error {
	rq := &pdu.AssociateRQ{
		CalledAETitle:    c.calledAETitle,
		CallingAETitle:   c.callingAETitle,
		PresentationCtxs: c.proposals,
		MaxPDULength:     c.localMaxPDU,
		ImplClassUID:     c.implClassUID,
		ImplVersionName:  c.implVersionName,
		MaxOpsInvoked:    c.localMaxOpsInvoked,
		MaxOpsPerformed:  c.localMaxOpsPerformed,
	}
	if err := c.writeRaw(pdu.TypeAssociateRQ, rq.Encode()); err != nil {
		return err
	}

	raw, err := pdu.ReadPDU(c.netConn)
	if err != nil {
		return err
	}
	switch raw.Type {
	case pdu.TypeAssociateAC:
		ac, err := pdu.DecodeAssociateAC(raw.Data)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.assocState = assoc.FromAssociateAC(rq, ac)
		c.peerMaxPDU = ac.MaxPDULength
		c.mu.Unlock()
		return nil
	case pdu.TypeAssociateRJ:
		rj, err := pdu.DecodeAssociateRJ(raw.Data)
		if err != nil {
			return err
		}
		return errors.NewAssociationError(
			errors.AssociationRejectSource(rj.Source),
			errors.AssociationRejectReason(rj.Reason),
			"peer rejected association")
	default:
		return errors.NewProtocolError(fmt.Sprintf("unexpected PDU type 0x%02x during negotiation", raw.Type))
	}
}

// Release performs an orderly A-RELEASE exchange (PS 3.8 §9.3.6-9.3.7):
// the SCU sends A-RELEASE-RQ and blocks until the peer's A-RELEASE-RP
// arrives, decoded by readLoop, which signals releaseDone.
func (c *Conn) Release() error {
	c.mu.Lock()
	c.state = StateReleasing
	c.mu.Unlock()
	if err := c.writeRaw(pdu.TypeReleaseRQ, pdu.EncodeReleaseRQ()); err != nil {
		return err
	}
	<-c.releaseDone
	return nil
}

// Abort sends an A-ABORT and tears the connection down immediately.
func (c *Conn) Abort(source, reason byte) {
	c.sendAbort(source, reason)
	c.closeConnection(errors.NewAbortError(source, reason))
}

func (c *Conn) sendAbort(source, reason byte) {
	a := &pdu.Abort{Source: source, Reason: reason}
	_ = c.writeRaw(pdu.TypeAbort, a.Encode())
}

// Done returns a channel closed once the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) closeConnection(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.isConnected = false
		c.state = StateClosed
		if c.closeErr == nil {
			c.closeErr = cause
		}
		pending := c.pending
		c.pending = nil
		c.pduCond.Broadcast()
		c.msgCond.Broadcast()
		c.mu.Unlock()

		for _, p := range pending {
			close(p.ch)
		}
		if c.releaseDone != nil {
			select {
			case <-c.releaseDone:
			default:
				close(c.releaseDone)
			}
		}
		close(c.done)
		c.netConn.Close()
	})
}
