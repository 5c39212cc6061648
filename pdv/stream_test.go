package pdv

import (
	"bytes"
	"testing"

	"github.com/0xLigety/fo-dicom/pdu"
)

func readFragments(t *testing.T, r *bytes.Reader) []pdu.PDV {
	t.Helper()
	var out []pdu.PDV
	for r.Len() > 0 {
		raw, err := pdu.ReadPDU(r)
		if err != nil {
			t.Fatalf("ReadPDU: %v", err)
		}
		pdata, err := pdu.DecodePDataTF(raw.Data)
		if err != nil {
			t.Fatalf("DecodePDataTF: %v", err)
		}
		out = append(out, pdata.PDVs...)
	}
	return out
}

func TestStreamFlushesOnOverflow(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf, 1, 0, 4) // force a tiny 4-byte fragment size

	if _, err := s.Write([]byte("abcdefgh")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Flush(true); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.FlushPDU(); err != nil {
		t.Fatalf("FlushPDU: %v", err)
	}

	frags := readFragments(t, bytes.NewReader(buf.Bytes()))
	if len(frags) != 2 {
		t.Fatalf("got %d fragments, want 2", len(frags))
	}
	if string(frags[0].Data) != "abcd" || frags[0].IsLast {
		t.Errorf("fragment 0 = %+v", frags[0])
	}
	if string(frags[1].Data) != "efgh" || !frags[1].IsLast {
		t.Errorf("fragment 1 = %+v", frags[1])
	}
}

func TestStreamIsCommandFlag(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf, 1, 0, 64)
	if err := s.SetIsCommand(true); err != nil {
		t.Fatalf("SetIsCommand: %v", err)
	}
	if _, err := s.Write([]byte("cmd")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Flush(true); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := s.FlushPDU(); err != nil {
		t.Fatalf("FlushPDU: %v", err)
	}

	frags := readFragments(t, bytes.NewReader(buf.Bytes()))
	if len(frags) != 1 || !frags[0].IsCommand {
		t.Fatalf("expected single command fragment, got %+v", frags)
	}
}

func TestStreamPacksCommandAndDatasetIntoSamePDU(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf, 1, 0, 64)
	if err := s.SetIsCommand(true); err != nil {
		t.Fatalf("SetIsCommand(true): %v", err)
	}
	if _, err := s.Write([]byte("cmd")); err != nil {
		t.Fatalf("Write command: %v", err)
	}
	if err := s.Flush(true); err != nil {
		t.Fatalf("Flush command: %v", err)
	}
	if err := s.SetIsCommand(false); err != nil {
		t.Fatalf("SetIsCommand(false): %v", err)
	}
	if _, err := s.Write([]byte("dataset")); err != nil {
		t.Fatalf("Write dataset: %v", err)
	}
	if err := s.Flush(true); err != nil {
		t.Fatalf("Flush dataset: %v", err)
	}
	if err := s.FlushPDU(); err != nil {
		t.Fatalf("FlushPDU: %v", err)
	}

	var pdus []pdu.RawPDU
	r := bytes.NewReader(buf.Bytes())
	for r.Len() > 0 {
		raw, err := pdu.ReadPDU(r)
		if err != nil {
			t.Fatalf("ReadPDU: %v", err)
		}
		pdus = append(pdus, raw)
	}
	if len(pdus) != 1 {
		t.Fatalf("got %d PDUs, want 1 (command and dataset packed together)", len(pdus))
	}

	pdata, err := pdu.DecodePDataTF(pdus[0].Data)
	if err != nil {
		t.Fatalf("DecodePDataTF: %v", err)
	}
	if len(pdata.PDVs) != 2 {
		t.Fatalf("got %d PDVs, want 2", len(pdata.PDVs))
	}
	if !pdata.PDVs[0].IsCommand || string(pdata.PDVs[0].Data) != "cmd" {
		t.Errorf("PDV 0 = %+v, want command fragment \"cmd\"", pdata.PDVs[0])
	}
	if pdata.PDVs[1].IsCommand || string(pdata.PDVs[1].Data) != "dataset" {
		t.Errorf("PDV 1 = %+v, want dataset fragment \"dataset\"", pdata.PDVs[1])
	}
}

func TestStreamSetIsCommandFlushesBufferedBytes(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf, 1, 0, 64)
	if err := s.SetIsCommand(true); err != nil {
		t.Fatalf("SetIsCommand(true): %v", err)
	}
	if _, err := s.Write([]byte("partial")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Switch modes without an explicit Flush first: SetIsCommand must
	// flush the buffered command bytes as a non-last command PDV.
	if err := s.SetIsCommand(false); err != nil {
		t.Fatalf("SetIsCommand(false): %v", err)
	}
	if err := s.FlushPDU(); err != nil {
		t.Fatalf("FlushPDU: %v", err)
	}

	frags := readFragments(t, bytes.NewReader(buf.Bytes()))
	if len(frags) != 1 {
		t.Fatalf("got %d fragments, want 1", len(frags))
	}
	if !frags[0].IsCommand || frags[0].IsLast || string(frags[0].Data) != "partial" {
		t.Errorf("fragment = %+v, want non-last command fragment \"partial\"", frags[0])
	}
}

func TestFragmentSizeSizing(t *testing.T) {
	tests := []struct {
		name           string
		maxPDULength   uint32
		modeBufferSize int
		want           int
	}{
		{"unbounded PDU falls back to mode buffer", 0, 1000, 1000},
		{"pdu max smaller than buffer wins", 100, 1000, 100 - pduOverhead},
		{"buffer smaller than pdu max wins", 100000, 500, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fragmentSize(tt.maxPDULength, tt.modeBufferSize); got != tt.want {
				t.Errorf("fragmentSize(%d, %d) = %d, want %d", tt.maxPDULength, tt.modeBufferSize, got, tt.want)
			}
		})
	}
}
