package client

import (
	"context"
	"fmt"

	"github.com/0xLigety/fo-dicom/types"
)

// SendCEcho issues a C-ECHO-RQ against the Verification SOP class and
// waits for its single response: the association-level keepalive used to
// confirm a peer is reachable before attempting real work (PS 3.7 §9.1.5).
func (a *Association) SendCEcho(ctx context.Context) (status uint16, err error) {
	msg := &types.Message{
		CommandField:        types.CEchoRQ,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  0x0101,
	}

	stream, err := a.conn.SendRequest(ctx, msg, nil)
	if err != nil {
		return 0, err
	}

	resp, ok := stream.Next()
	if !ok {
		return 0, fmt.Errorf("association closed before C-ECHO response arrived")
	}
	return resp.Message.Status, nil
}
