package dicom

import "fmt"

// DatasetCodec externalizes dataset encode/decode so the engine never
// depends on a concrete wire-format implementation. DefaultCodec below
// is sufficient for every transfer syntax this module negotiates by
// default (Implicit/Explicit VR Little Endian); a deployment that needs
// compressed transfer syntaxes plugs in a fuller codec (for example one
// backed by github.com/suyashkumar/dicom) without touching package
// engine or package reassemble.
type DatasetCodec interface {
	Encode(ds *Dataset, transferSyntaxUID string) ([]byte, error)
	Decode(data []byte, transferSyntaxUID string) (*Dataset, error)
}

// DefaultCodec implements DatasetCodec over ParseDatasetWithTransferSyntax
// and EncodeDatasetWithTransferSyntax.
type DefaultCodec struct{}

// Encode implements DatasetCodec.
func (DefaultCodec) Encode(ds *Dataset, transferSyntaxUID string) ([]byte, error) {
	if ds == nil {
		return nil, nil
	}
	return EncodeDatasetWithTransferSyntax(ds, transferSyntaxUID)
}

// Decode implements DatasetCodec.
func (DefaultCodec) Decode(data []byte, transferSyntaxUID string) (*Dataset, error) {
	ds, err := ParseDatasetWithTransferSyntax(data, transferSyntaxUID)
	if err != nil {
		return nil, fmt.Errorf("dicom: decoding dataset (transfer syntax %s): %w", transferSyntaxUID, err)
	}
	return ds, nil
}

// File pairs a decoded dataset with the SOP class/instance UIDs and
// transfer syntax it was received under, the unit reassemble.Reassembler
// hands up to a C-STORE handler once a spooled instance is finalized.
type File struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Dataset           *Dataset
}
