// Package pdv implements the write side of PDV fragmentation: a Stream
// that accepts an unbounded byte stream (a DIMSE command set or dataset)
// and slices it into PDV fragments no larger than the negotiated max PDU
// length allows, packing consecutive PDVs — command and dataset alike —
// into the same P-DATA-TF PDU until adding another would overflow it.
package pdv

import (
	"io"
	"sync"

	"github.com/0xLigety/fo-dicom/pdu"
)

// pduHeaderSize is the 6-byte PDU header (type, reserved, length) every
// P-DATA-TF carries in front of its PDV items.
const pduHeaderSize = 6

// pdvHeaderSize is the length-prefix plus context-ID/control-header
// prefix (4+2 bytes) every PDV item carries in front of its payload.
const pdvHeaderSize = 6

// pduOverhead is the combined PDU and PDV header overhead a single
// fragment occupying its own PDU carries.
const pduOverhead = pduHeaderSize + pdvHeaderSize

// Stream is a write-only sink that frames everything written to it into
// PDV fragments for one presentation context, accumulating successive
// PDVs into a single P-DATA-TF PDU and flushing that PDU to sink once it
// is full. It is not safe for concurrent use by multiple goroutines —
// the caller (engine.Conn's writer goroutine) is the sole writer,
// matching the single-writer invariant of the connection it serves.
type Stream struct {
	mu           sync.Mutex
	sink         io.Writer
	ctxID        byte
	maxPDULength uint32
	maxFragment  int
	maxPDUBody   int
	isCommand    bool
	buf          []byte
	pduBuf       []byte
}

// NewStream builds a Stream flushing to sink under presentation context
// ctxID. maxPDULength is the peer's negotiated maximum PDU length (0
// means unbounded); modeBufferSize is the local mode's own buffer cap
// (MaxCommandBuffer or MaxDataBuffer). The fragment size used is
// min(pdu_max, mode_buffer), where pdu_max is maxPDULength less the
// PDU and PDV header overhead, falling back to modeBufferSize alone when
// maxPDULength is 0.
func NewStream(sink io.Writer, ctxID byte, maxPDULength uint32, modeBufferSize int) *Stream {
	s := &Stream{
		sink:         sink,
		ctxID:        ctxID,
		maxPDULength: maxPDULength,
	}
	s.setBufferSizeLocked(modeBufferSize)
	return s
}

// SetBufferSize recomputes the fragment size for a new mode's buffer
// cap, keeping the same maxPDULength. Callers switch this when moving
// from writing the command set to writing the dataset, since the two
// modes may configure different buffer caps.
func (s *Stream) SetBufferSize(modeBufferSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setBufferSizeLocked(modeBufferSize)
}

func (s *Stream) setBufferSizeLocked(modeBufferSize int) {
	s.maxFragment = fragmentSize(s.maxPDULength, modeBufferSize)
	if s.maxPDULength > pduHeaderSize {
		s.maxPDUBody = int(s.maxPDULength) - pduHeaderSize
	} else {
		s.maxPDUBody = 0
	}
}

func fragmentSize(maxPDULength uint32, modeBufferSize int) int {
	if maxPDULength == 0 {
		return modeBufferSize
	}
	pduMax := int(maxPDULength) - pduOverhead
	if pduMax <= 0 {
		pduMax = modeBufferSize
	}
	if modeBufferSize > 0 && modeBufferSize < pduMax {
		return modeBufferSize
	}
	return pduMax
}

// SetIsCommand marks subsequent writes (and the next Flush) as carrying
// command-set bytes rather than dataset bytes. Callers switch this
// between writing the command set and writing the dataset on the same
// Stream. If bytes are already buffered under the old mode, they are
// flushed as a non-last PDV of that mode before the switch, so a
// caller that forgets to Flush explicitly before changing modes still
// gets a correctly tagged PDV rather than data silently relabeled.
func (s *Stream) SetIsCommand(isCommand bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isCommand == isCommand {
		return nil
	}
	if len(s.buf) > 0 {
		if err := s.flushLocked(false); err != nil {
			return err
		}
	}
	s.isCommand = isCommand
	return nil
}

// Write implements io.Writer, buffering p and flushing each complete
// fragment as a non-last PDV once more bytes arrive behind it. It never
// flushes the final fragment, full or partial — call Flush(true) to emit
// it as the last-fragment PDV.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(p)
	for len(p) > 0 {
		space := s.maxFragment - len(s.buf)
		if space <= 0 {
			if err := s.flushLocked(false); err != nil {
				return total - len(p), err
			}
			space = s.maxFragment
		}
		n := space
		if n > len(p) {
			n = len(p)
		}
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
	}
	return total, nil
}

// Flush emits whatever is currently buffered as one more PDV fragment,
// marking it the last fragment of this command/dataset stream when
// last is true (even if the buffer is empty — DICOM requires an
// explicit last-fragment PDV, not an implicit one on stream close).
// The PDV is appended to the in-flight PDU rather than written to sink
// immediately; call FlushPDU to emit it.
func (s *Stream) Flush(last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(last)
}

func (s *Stream) flushLocked(last bool) error {
	fragment := pdu.PDV{
		PresentationContextID: s.ctxID,
		IsCommand:             s.isCommand,
		IsLast:                last,
		Data:                  s.buf,
	}
	encoded := pdu.EncodePDV(fragment)
	s.buf = s.buf[:0]
	return s.appendPDVLocked(encoded)
}

// appendPDVLocked adds an already-encoded PDV to the in-flight PDU
// body, flushing that PDU to sink first if the new PDV would push it
// past maxPDUBody. A bounded PDU therefore carries as many PDVs as fit
// — command and dataset alike — rather than one PDV per PDU.
func (s *Stream) appendPDVLocked(encoded []byte) error {
	if s.maxPDUBody > 0 && len(s.pduBuf) > 0 && len(s.pduBuf)+len(encoded) > s.maxPDUBody {
		if err := s.flushPDULocked(); err != nil {
			return err
		}
	}
	s.pduBuf = append(s.pduBuf, encoded...)
	return nil
}

// FlushPDU writes whatever PDVs are currently accumulated as one
// P-DATA-TF PDU to sink. Callers call this once they have no more PDVs
// to offer for the in-flight PDU — typically after the dataset's last
// fragment, or after the command's last fragment when there is no
// dataset to follow.
func (s *Stream) FlushPDU() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushPDULocked()
}

func (s *Stream) flushPDULocked() error {
	if len(s.pduBuf) == 0 {
		return nil
	}
	if err := pdu.WriteRaw(s.sink, pdu.TypePDataTF, s.pduBuf); err != nil {
		return err
	}
	s.pduBuf = s.pduBuf[:0]
	return nil
}
