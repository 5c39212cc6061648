package engine

import "context"

// SubOperationCounts carries the four sub-operation counters PS 3.7
// attaches to every C-MOVE/C-GET pending and final response, tracking
// how many of the matched instances have been transferred, failed, or
// warned about, and how many remain.
type SubOperationCounts struct {
	Remaining uint16
	Completed uint16
	Failed    uint16
	Warning   uint16
}

// Responder lets a multi-response DIMSE handler (C-FIND, C-MOVE, C-GET)
// emit intermediate Pending responses before its final return value
// becomes the C-xxx-RSP status, since PS 3.7 has these operations stream
// one response per match or sub-operation rather than answer in one shot.
type Responder interface {
	// SendPending enqueues one intermediate response carrying status
	// (ordinarily types.StatusPending) and an optional dataset (e.g. one
	// C-FIND identifier match).
	SendPending(status uint16, dataset []byte) error

	// SendProgress enqueues one intermediate C-MOVE/C-GET response
	// carrying status (ordinarily types.StatusPending) and the current
	// sub-operation counters, with no dataset.
	SendProgress(status uint16, counts SubOperationCounts) error
}

// Handlers is the capability struct a Conn's owner populates with
// whichever roles it plays. Every field is optional; a command field
// that arrives with its corresponding callback nil is treated as an
// UnimplementedRoleError, which aborts the association (see replyError)
// rather than panicking on a nil call, so a Conn can be built as a pure SCU, a pure SCP, or both at once
// simply by which fields are set.
type Handlers struct {
	// OnAssociationEstablished, OnAssociationReleased and
	// OnAssociationAborted are lifecycle upcalls, fired once negotiation
	// completes and once the association ends, respectively. They run
	// outside Conn's internal lock, same as the DIMSE handlers below.
	OnAssociationEstablished func(c *Conn)
	OnAssociationReleased    func(c *Conn)
	OnAssociationAborted     func(c *Conn, source, reason byte)

	// OnCEcho and OnCStore are unary SCP operations: one request, one
	// response, no intermediate events.
	OnCEcho  func(ctx context.Context, req *Request) (status uint16, err error)
	OnCStore func(ctx context.Context, req *Request) (status uint16, err error)

	// OnCFind is the streaming query SCP operation: it reports every
	// match through Responder.SendPending before returning; the returned
	// error only determines the final status.
	OnCFind func(ctx context.Context, req *Request, resp Responder) error

	// OnCMove and OnCGet are the streaming retrieve SCP operations. Each
	// reports progress through Responder.SendProgress as sub-operations
	// complete, and returns the final sub-operation counts alongside the
	// error that determines the final status.
	OnCMove func(ctx context.Context, req *Request, resp Responder) (SubOperationCounts, error)
	OnCGet  func(ctx context.Context, req *Request, resp Responder) (SubOperationCounts, error)

	// OnCCancel notifies a streaming SCP handler that the SCU asked it to
	// stop sending Pending responses for messageID. There's no response
	// PDU for C-CANCEL, so a nil callback just drops the notification.
	OnCCancel func(c *Conn, messageID uint16)

	// N-service SCP operations (PS 3.7 §10).
	OnNAction      func(ctx context.Context, req *Request) (status uint16, err error)
	OnNEventReport func(ctx context.Context, req *Request) (status uint16, err error)
	OnNGet         func(ctx context.Context, req *Request) (status uint16, err error)
	OnNSet         func(ctx context.Context, req *Request) (status uint16, err error)
	OnNCreate      func(ctx context.Context, req *Request) (status uint16, err error)
	OnNDelete      func(ctx context.Context, req *Request) (status uint16, err error)
}
