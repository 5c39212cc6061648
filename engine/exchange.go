package engine

import (
	"github.com/0xLigety/fo-dicom/dicom"
	"github.com/0xLigety/fo-dicom/reassemble"
	"github.com/0xLigety/fo-dicom/types"
)

// Request is one fully reassembled DIMSE exchange handed up from package
// reassemble: a decoded command plus its dataset, in whichever form the
// Reassembler produced it.
type Request struct {
	// Conn is the association this request arrived on. A C-GET handler
	// uses it to issue C-STORE sub-operation requests on the same
	// association (PS 3.7 C.4.3.1); most handlers never need it.
	Conn    *Conn
	Message *types.Message
	// Dataset holds an in-memory reassembled dataset (queries, N-service
	// attribute lists). Nil when the command carried no dataset, or when
	// the dataset was spooled to disk instead (see Spool/File).
	Dataset []byte
	// Spool and File are set instead of Dataset for a C-STORE-RQ whose
	// payload was routed to a CStoreSinkProvider sink. The handler may
	// read File.Dataset until it returns; the engine then removes the
	// spool file itself (see handleCStore), so handlers do not call
	// Spool.Remove().
	Spool *reassemble.SpoolFile
	File  *dicom.File
	// TransferSyntaxUID is the transfer syntax negotiated for the
	// presentation context this request arrived on, needed to decode
	// Dataset (Spool/File already carry their own, via dicom.File).
	TransferSyntaxUID string
}

// outboundMessage is one command (plus optional dataset) queued for
// send_next_message to serialize onto the wire. pcID is the presentation
// context it was negotiated to travel on.
type outboundMessage struct {
	pcID    byte
	msg     *types.Message
	dataset []byte
}

// pendingRequest is what Conn.pending tracks while awaiting one or more
// responses to a request this side issued via SendRequest.
type pendingRequest struct {
	ch chan *Request
}

// ResponseStream is returned by Conn.SendRequest. Next blocks until the
// next response arrives (there may be several for C-FIND/C-MOVE/C-GET,
// each with status Pending, followed by one final non-Pending status) or
// the association closes.
type ResponseStream struct {
	ch <-chan *Request
}

// Next returns the next response, or ok=false once the stream is
// exhausted (the final, non-Pending response has already been
// delivered, or the connection closed before one arrived).
func (r *ResponseStream) Next() (*Request, bool) {
	req, ok := <-r.ch
	return req, ok
}

// responder implements Responder for one incoming streaming request.
type responder struct {
	c    *Conn
	pcID byte
	req  *types.Message
}

func (r *responder) SendPending(status uint16, dataset []byte) error {
	resp := &types.Message{
		CommandField:              types.ResponseCommandFor(r.req.CommandField),
		MessageIDBeingRespondedTo: r.req.MessageID,
		Status:                    status,
		AffectedSOPClassUID:       r.req.AffectedSOPClassUID,
	}
	return r.c.enqueueMessage(r.pcID, resp, dataset)
}

func (r *responder) SendProgress(status uint16, counts SubOperationCounts) error {
	resp := progressMessage(r.req, status, counts)
	return r.c.enqueueMessage(r.pcID, resp, nil)
}

// progressMessage builds a C-MOVE-RSP/C-GET-RSP carrying the
// sub-operation counters, shared by SendProgress (pending, via
// Responder) and handleMoveLike (the final response).
func progressMessage(req *types.Message, status uint16, counts SubOperationCounts) *types.Message {
	return &types.Message{
		CommandField:                   types.ResponseCommandFor(req.CommandField),
		MessageIDBeingRespondedTo:      req.MessageID,
		Status:                         status,
		AffectedSOPClassUID:            req.AffectedSOPClassUID,
		NumberOfRemainingSuboperations: &counts.Remaining,
		NumberOfCompletedSuboperations: &counts.Completed,
		NumberOfFailedSuboperations:    &counts.Failed,
		NumberOfWarningSuboperations:   &counts.Warning,
	}
}
