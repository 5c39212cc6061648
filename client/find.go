package client

import (
	"context"

	"github.com/0xLigety/fo-dicom/engine"
	"github.com/0xLigety/fo-dicom/types"
)

// FindResult is one C-FIND-RSP carrying a Pending status: Identifier is
// the matching dataset, still encoded in the association's negotiated
// transfer syntax.
type FindResult struct {
	Identifier []byte
	Status     uint16
}

// SendCFind issues a C-FIND-RQ against abstractSyntax (ordinarily one of
// the Query/Retrieve Find SOP classes) with identifier as the request
// dataset, and collects every Pending match until the final response
// arrives. It blocks until the operation completes; a caller wanting to
// cancel mid-query should use SendCFindAsync instead.
func (a *Association) SendCFind(ctx context.Context, abstractSyntax string, identifier []byte) ([]FindResult, uint16, error) {
	stream, messageID, err := a.SendCFindAsync(ctx, abstractSyntax, identifier)
	if err != nil {
		return nil, 0, err
	}
	_ = messageID

	var results []FindResult
	for {
		resp, ok := stream.Next()
		if !ok {
			return results, types.StatusFailure, nil
		}
		if resp.Message.Status == types.StatusPending {
			results = append(results, FindResult{Identifier: resp.Dataset, Status: resp.Message.Status})
			continue
		}
		return results, resp.Message.Status, nil
	}
}

// SendCFindAsync issues the C-FIND-RQ and returns immediately with the
// response stream and assigned MessageID, letting the caller read
// Pending matches as they arrive and issue SendCCancel against messageID.
func (a *Association) SendCFindAsync(ctx context.Context, abstractSyntax string, identifier []byte) (stream *engine.ResponseStream, messageID uint16, err error) {
	msg := &types.Message{
		CommandField:        types.CFindRQ,
		AffectedSOPClassUID: abstractSyntax,
		Priority:            0x0002,
	}

	s, err := a.conn.SendRequest(ctx, msg, identifier)
	if err != nil {
		return nil, 0, err
	}
	return s, msg.MessageID, nil
}
