package client

import (
	"context"
	"fmt"

	"github.com/0xLigety/fo-dicom/engine"
	"github.com/0xLigety/fo-dicom/types"
)

// MoveResult is the outcome of a C-MOVE operation: the final status plus
// the sub-operation counters the SCP reported on its last response.
type MoveResult struct {
	Status uint16
	Counts engine.SubOperationCounts
}

// SendCMove issues a C-MOVE-RQ asking the peer to transfer the instances
// matching identifier to destinationAE, draining every Pending progress
// response until the final one arrives. The instances themselves travel
// over a SEPARATE association the peer opens to destinationAE (unlike
// C-GET, whose sub-operations share this association).
func (a *Association) SendCMove(ctx context.Context, abstractSyntax, destinationAE string, identifier []byte) (*MoveResult, error) {
	msg := &types.Message{
		CommandField:        types.CMoveRQ,
		AffectedSOPClassUID: abstractSyntax,
		Priority:            0x0002,
		MoveDestination:     destinationAE,
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
			return nil, fmt.Errorf("association closed before C-MOVE response arrived")
		}
		last = &MoveResult{Status: resp.Message.Status, Counts: countsFrom(resp.Message)}
		if resp.Message.Status != types.StatusPending {
			return last, nil
		}
	}
}

func countsFrom(m *types.Message) engine.SubOperationCounts {
	var c engine.SubOperationCounts
	if m.NumberOfRemainingSuboperations != nil {
		c.Remaining = *m.NumberOfRemainingSuboperations
	}
	if m.NumberOfCompletedSuboperations != nil {
		c.Completed = *m.NumberOfCompletedSuboperations
	}
	if m.NumberOfFailedSuboperations != nil {
		c.Failed = *m.NumberOfFailedSuboperations
	}
	if m.NumberOfWarningSuboperations != nil {
		c.Warning = *m.NumberOfWarningSuboperations
	}
	return c
}
