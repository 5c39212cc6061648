// Package reassemble implements the receive side of PDV fragmentation:
// accumulating a stream of PDVs belonging to one DIMSE exchange back
// into a decoded command and its accompanying dataset (if any). Large
// C-STORE datasets are spooled straight to disk through a
// CStoreSinkProvider instead of being held in memory.
package reassemble

import (
	"fmt"
	"io"
	"os"

	"github.com/0xLigety/fo-dicom/dicom"
	"github.com/0xLigety/fo-dicom/dimse"
	"github.com/0xLigety/fo-dicom/errors"
	"github.com/0xLigety/fo-dicom/pdu"
	"github.com/0xLigety/fo-dicom/types"
)

// Sink is where reassembled C-STORE dataset bytes are written as they
// arrive, instead of accumulating in memory.
type Sink interface {
	io.Writer
}

// SourceInfo carries the identity of the association a C-STORE instance
// is arriving over, so a sink provider can record provenance alongside
// the instance itself (e.g. in synthesized File Meta Information).
type SourceInfo struct {
	// CallingAETitle is the AE title of the association's requestor,
	// written as Source Application Entity Title (0002,0016).
	CallingAETitle string
	// ImplClassUID and ImplVersionName are the peer's implementation
	// identifiers from association negotiation (PS 3.8 §9.3.2.3),
	// written as Implementation Class UID (0002,0012) and
	// Implementation Version Name (0002,0013).
	ImplClassUID    string
	ImplVersionName string
}

// CStoreSinkProvider creates a Sink for one incoming C-STORE instance.
// TempFileSinkProvider is the default implementation; a deployment that
// wants to stream straight into object storage implements this
// interface instead.
type CStoreSinkProvider interface {
	NewSink(sopClassUID, sopInstanceUID, transferSyntaxUID string, source SourceInfo) (Sink, error)
}

// SpoolFile is the on-disk temp file backing a spooled C-STORE instance.
// It's a distinct type from the sink handle that wrote it: the sink
// handle's job ends at Close, but the spool file itself outlives that
// handle until the caller (the engine's upcall dispatch) has finished
// reading it through Finalize's returned dataset and removes it.
type SpoolFile struct {
	Path string
}

// Remove deletes the spool file. Callers are responsible for calling
// this once they're done with the finalized dicom.File.
func (s *SpoolFile) Remove() error {
	if s == nil {
		return nil
	}
	return os.Remove(s.Path)
}

type tempFileSink struct {
	file              *os.File
	spool             *SpoolFile
	sopClassUID       string
	sopInstanceUID    string
	transferSyntaxUID string
	codec             dicom.DatasetCodec
}

func (s *tempFileSink) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// Finalize closes the spool file, reopens and decodes it through codec,
// and returns the spool file (for the caller to remove once done) plus
// the decoded dicom.File.
func (s *tempFileSink) Finalize() (*SpoolFile, *dicom.File, error) {
	if err := s.file.Close(); err != nil {
		return s.spool, nil, fmt.Errorf("reassemble: closing spool file: %w", err)
	}
	raw, err := os.ReadFile(s.spool.Path)
	if err != nil {
		return s.spool, nil, fmt.Errorf("reassemble: reading spool file: %w", err)
	}
	datasetBytes, err := dicom.StripPart10Header(raw)
	if err != nil {
		return s.spool, nil, fmt.Errorf("reassemble: stripping spool part10 header: %w", err)
	}
	ds, err := s.codec.Decode(datasetBytes, s.transferSyntaxUID)
	if err != nil {
		return s.spool, nil, err
	}
	return s.spool, &dicom.File{
		SOPClassUID:       s.sopClassUID,
		SOPInstanceUID:    s.sopInstanceUID,
		TransferSyntaxUID: s.transferSyntaxUID,
		Dataset:           ds,
	}, nil
}

// TempFileSinkProvider is the default CStoreSinkProvider: it spools each
// instance to a temp file under Dir (os.TempDir() if empty), seeded with
// a synthesized Part 10 header so the spool file is independently
// readable as a standalone DICOM file even if finalize never runs.
type TempFileSinkProvider struct {
	Dir   string
	Codec dicom.DatasetCodec
}

// NewSink implements CStoreSinkProvider.
func (p *TempFileSinkProvider) NewSink(sopClassUID, sopInstanceUID, transferSyntaxUID string, source SourceInfo) (Sink, error) {
	codec := p.Codec
	if codec == nil {
		codec = dicom.DefaultCodec{}
	}
	f, err := os.CreateTemp(p.Dir, "dicom-cstore-*.dcm")
	if err != nil {
		return nil, fmt.Errorf("reassemble: creating spool file: %w", err)
	}
	header := dicom.WritePart10Header(sopClassUID, sopInstanceUID, transferSyntaxUID, source.CallingAETitle, source.ImplClassUID, source.ImplVersionName)
	if _, err := f.Write(header); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("reassemble: writing spool file meta: %w", err)
	}
	return &tempFileSink{
		file:              f,
		spool:             &SpoolFile{Path: f.Name()},
		sopClassUID:       sopClassUID,
		sopInstanceUID:    sopInstanceUID,
		transferSyntaxUID: transferSyntaxUID,
		codec:             codec,
	}, nil
}

// spoolFinalizer is satisfied by tempFileSink; it lets Reassembler call
// Finalize without importing the concrete type.
type spoolFinalizer interface {
	Finalize() (*SpoolFile, *dicom.File, error)
}

// Result is what AddPDV returns once a complete DIMSE message (command
// plus, if any, its dataset) has been reassembled.
type Result struct {
	Message *types.Message
	// Dataset holds small, in-memory-reassembled dataset bytes (queries,
	// N-service attribute lists). Nil when the dataset was spooled.
	Dataset []byte
	// Spool and File are set instead of Dataset when the command was a
	// C-STORE-RQ whose dataset was routed to a CStoreSinkProvider sink.
	Spool *SpoolFile
	File  *dicom.File
}

// Reassembler accumulates PDVs for one DIMSE exchange at a time. It is
// not safe for concurrent use — the engine's single reader goroutine
// drives it serially per association.
type Reassembler struct {
	codec        dicom.DatasetCodec
	sinkProvider CStoreSinkProvider

	commandBuf  []byte
	commandDone bool
	msg         *types.Message

	dataBuf  []byte
	sink     Sink
	dataDone bool
}

// NewReassembler builds a Reassembler. sinkProvider may be nil, in which
// case every dataset (including C-STORE payloads) is reassembled in
// memory.
func NewReassembler(codec dicom.DatasetCodec, sinkProvider CStoreSinkProvider) *Reassembler {
	if codec == nil {
		codec = dicom.DefaultCodec{}
	}
	return &Reassembler{codec: codec, sinkProvider: sinkProvider}
}

// AddPDV feeds one PDV into the reassembler. transferSyntaxUID is the
// transfer syntax negotiated for the PDV's presentation context, and
// source identifies the association the PDV arrived over; both are
// needed once the command is decoded and a dataset sink has to be
// opened. It returns (nil, false, nil) until the full message (and any
// dataset) has arrived, at which point it returns the completed
// Result, resets internal state for the next message, and returns
// done=true.
func (r *Reassembler) AddPDV(p pdu.PDV, transferSyntaxUID string, source SourceInfo) (*Result, bool, error) {
	if p.IsCommand {
		r.commandBuf = append(r.commandBuf, p.Data...)
		if !p.IsLast {
			return nil, false, nil
		}
		if r.commandDone {
			return nil, false, errors.NewProtocolError("received second command PDV with last-fragment bit set")
		}
		r.commandDone = true
		msg, err := dimse.DecodeCommand(r.commandBuf)
		if err != nil {
			return nil, false, errors.NewDecodeError("DIMSE command set", err)
		}
		r.msg = msg
		if !msg.HasDataset() {
			return r.complete()
		}
		return nil, false, nil
	}

	// Dataset fragment. Lazily decide memory-vs-spool once the command
	// (and thus the SOP class/instance) is known.
	if r.msg != nil && r.msg.CommandField == types.CStoreRQ && r.sinkProvider != nil {
		if r.sink == nil {
			sink, err := r.sinkProvider.NewSink(r.msg.AffectedSOPClassUID, r.msg.AffectedSOPInstanceUID, transferSyntaxUID, source)
			if err != nil {
				return nil, false, fmt.Errorf("reassemble: opening C-STORE sink: %w", err)
			}
			r.sink = sink
		}
		if _, err := r.sink.Write(p.Data); err != nil {
			return nil, false, fmt.Errorf("reassemble: writing to C-STORE sink: %w", err)
		}
	} else {
		r.dataBuf = append(r.dataBuf, p.Data...)
	}

	if !p.IsLast {
		return nil, false, nil
	}
	r.dataDone = true
	if r.commandDone {
		return r.complete()
	}
	return nil, false, nil
}

func (r *Reassembler) complete() (*Result, bool, error) {
	result := &Result{Message: r.msg}

	if finalizer, ok := r.sink.(spoolFinalizer); ok {
		spool, file, err := finalizer.Finalize()
		if err != nil {
			r.reset()
			return nil, false, err
		}
		result.Spool = spool
		result.File = file
	} else if r.dataBuf != nil {
		result.Dataset = r.dataBuf
	}

	r.reset()
	return result, true, nil
}

func (r *Reassembler) reset() {
	r.commandBuf = nil
	r.commandDone = false
	r.msg = nil
	r.dataBuf = nil
	r.sink = nil
	r.dataDone = false
}
