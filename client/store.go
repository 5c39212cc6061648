package client

import (
	"context"
	"fmt"

	"github.com/0xLigety/fo-dicom/types"
)

// SendCStore issues a C-STORE-RQ for one SOP instance and waits for the
// single C-STORE-RSP. dataset must already be encoded in
// transferSyntaxUID; that UID is carried on the outgoing message so the
// connection can pick the presentation context whose negotiated transfer
// syntax matches it instead of transcoding on the way out.
func (a *Association) SendCStore(ctx context.Context, sopClassUID, sopInstanceUID, transferSyntaxUID string, dataset []byte) (status uint16, err error) {
	msg := &types.Message{
		CommandField:           types.CStoreRQ,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		Priority:               0x0002,
		TransferSyntaxUID:      transferSyntaxUID,
	}

	stream, err := a.conn.SendRequest(ctx, msg, dataset)
	if err != nil {
		return 0, err
	}

	resp, ok := stream.Next()
	if !ok {
		return 0, fmt.Errorf("association closed before C-STORE response arrived")
	}
	return resp.Message.Status, nil
}
