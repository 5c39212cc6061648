package client

import (
	"context"
	"fmt"

	"github.com/0xLigety/fo-dicom/types"
)

// SendCGet issues a C-GET-RQ asking the peer to push the instances
// matching identifier back as C-STORE-RQs on THIS SAME association (PS
// 3.7 C.4.3.1). Config.OnCStore must be set at Connect time for those
// pushed sub-operations to be accepted; SendCGet itself only drains the
// C-GET-RSP progress stream.
func (a *Association) SendCGet(ctx context.Context, abstractSyntax string, identifier []byte) (*MoveResult, error) {
	msg := &types.Message{
		CommandField:        types.CGetRQ,
		AffectedSOPClassUID: abstractSyntax,
		Priority:            0x0002,
	}

	stream, err := a.conn.SendRequest(ctx, msg, identifier)
	if err != nil {
		return nil, err
	}

	var last *MoveResult
	for {
		resp, ok := stream.Next()
		if !ok {
			if last != nil {
				return last, nil
			}
			return nil, fmt.Errorf("association closed before C-GET response arrived")
		}
		last = &MoveResult{Status: resp.Message.Status, Counts: countsFrom(resp.Message)}
		if resp.Message.Status != types.StatusPending {
			return last, nil
		}
	}
}
