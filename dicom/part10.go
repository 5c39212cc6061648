package dicom

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
)

// StripPart10Header removes the DICOM Part 10 preamble and File Meta Information
// to extract just the dataset.
//
// DICOM Part 10 files contain:
//   - 128 byte preamble
//   - 4 byte "DICM" prefix
//   - File Meta Information elements (group 0x0002)
//   - Dataset (the actual DICOM data)
//
// This function is useful when you need to send a DICOM dataset via DIMSE
// operations (like C-STORE), which expect only the dataset without the
// Part 10 wrapper.
//
// Parameters:
//   - data: The complete DICOM Part 10 file data
//
// Returns:
//   - Dataset bytes (without preamble and file meta information)
//   - Error if the data is not a valid DICOM Part 10 file
//
// Example:
//
//	fileData, _ := os.ReadFile("image.dcm")
//	datasetOnly, err := dicom.StripPart10Header(fileData)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// Now datasetOnly can be sent via C-STORE
func StripPart10Header(data []byte) ([]byte, error) {
	if len(data) < 132 {
		return nil, fmt.Errorf("data too short to be DICOM Part 10 (need at least 132 bytes, got %d)", len(data))
	}

	// Check for DICM prefix at offset 128
	if string(data[128:132]) != "DICM" {
		return nil, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset 128)")
	}

	// Skip preamble (128) + DICM (4) = start at offset 132
	offset := 132

	var transferSyntaxUID string

	// Skip all group 0x0002 elements (File Meta Information)
	for offset+8 <= len(data) {
		group := uint16(data[offset]) | (uint16(data[offset+1]) << 8)
		element := uint16(data[offset+2]) | (uint16(data[offset+3]) << 8)

		// If we've passed group 0x0002, we're at the dataset
		if group != 0x0002 {
			break
		}

		// Read VR (2 bytes)
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int

		// Some VRs use different length encoding
		if vr == "OB" || vr == "OW" || vr == "OF" || vr == "SQ" || vr == "UN" || vr == "UT" {
			// Explicit VR with 32-bit length
			offset += 8 // Skip tag (4) + VR (2) + reserved (2)
			if offset+4 > len(data) {
				break
			}
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8) |
				(uint32(data[offset+2]) << 16) | (uint32(data[offset+3]) << 24)
			offset += 4
			valueOffset = offset
		} else {
			// Explicit VR with 16-bit length
			offset += 6 // Skip tag (4) + VR (2)
			if offset+2 > len(data) {
				break
			}
			length = uint32(data[offset]) | (uint32(data[offset+1]) << 8)
			offset += 2
			valueOffset = offset
		}

		// Check if this is Transfer Syntax UID (0002,0010)
		if group == 0x0002 && element == 0x0010 {
			if valueOffset+int(length) <= len(data) {
				transferSyntaxUID = string(data[valueOffset : valueOffset+int(length)])
				// Remove any padding
				transferSyntaxUID = strings.TrimRight(transferSyntaxUID, "\x00 ")
			}
		}

		// Skip value
		offset += int(length)
		if offset > len(data) {
			break
		}
	}

	if transferSyntaxUID != "" {
		slog.Debug("Found Transfer Syntax UID in File Meta Information",
			"transfer_syntax", transferSyntaxUID,
			"dataset_start_offset", offset)
	}

	if offset >= len(data) {
		return nil, fmt.Errorf("failed to find dataset after File Meta Information")
	}

	return data[offset:], nil
}

// HasPart10Header checks if the data starts with a DICOM Part 10 header.
//
// Returns true if the data contains the 128-byte preamble followed by "DICM".
func HasPart10Header(data []byte) bool {
	if len(data) < 132 {
		return false
	}
	return string(data[128:132]) == "DICM"
}

// implementationClassUID identifies this module's instances when it
// synthesizes File Meta Information for a spooled C-STORE instance and
// no implementation class UID from the association is available.
const implementationClassUID = "1.2.3.4.5.6.7.8.9"

// WritePart10Header synthesizes a 128-byte zero preamble, the "DICM"
// prefix, and a minimal File Meta Information group (Explicit VR Little
// Endian per PS 3.10 §7.1) carrying the elements a receiver needs to
// reopen and decode the dataset that follows, plus the provenance of
// the association it arrived over: Transfer Syntax UID, Media Storage
// SOP Class/Instance UID, Implementation Class UID and Version Name,
// and Source Application Entity Title (the calling AE of the
// association the instance was stored over). implClassUID falls back
// to this module's own UID when the caller has none to offer (e.g. a
// spool file written before an association's peer identity is known);
// implVersionName and sourceAETitle are omitted when empty, since both
// are optional File Meta elements. It's used by
// reassemble.TempFileSinkProvider to make a spooled C-STORE payload a
// well-formed Part 10 file on disk.
func WritePart10Header(sopClassUID, sopInstanceUID, transferSyntaxUID, sourceAETitle, implClassUID, implVersionName string) []byte {
	if implClassUID == "" {
		implClassUID = implementationClassUID
	}

	var meta []byte
	meta = append(meta, encodeFileMetaElement(0x0002, "UI", []byte(sopClassUID))...)
	meta = append(meta, encodeFileMetaElement(0x0003, "UI", []byte(sopInstanceUID))...)
	meta = append(meta, encodeFileMetaElement(0x0010, "UI", []byte(transferSyntaxUID))...)
	meta = append(meta, encodeFileMetaElement(0x0012, "UI", []byte(implClassUID))...)
	if implVersionName != "" {
		meta = append(meta, encodeFileMetaElement(0x0013, "SH", []byte(implVersionName))...)
	}
	if sourceAETitle != "" {
		meta = append(meta, encodeFileMetaElement(0x0016, "AE", []byte(sourceAETitle))...)
	}

	groupLength := encodeFileMetaElement(0x0000, "UL", func() []byte {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(len(meta)))
		return b
	}())

	out := make([]byte, 128)
	out = append(out, []byte("DICM")...)
	out = append(out, groupLength...)
	out = append(out, meta...)
	return out
}

// encodeFileMetaElement encodes one group-0x0002 element using Explicit
// VR Little Endian short-form length (every File Meta VR used above is
// short-form: UI, UL, SH, AE).
func encodeFileMetaElement(element uint16, vr string, value []byte) []byte {
	if len(value)%2 == 1 {
		value = append(value, 0x00)
	}
	buf := make([]byte, 0, 8+len(value))
	buf = append(buf, 0x02, 0x00, byte(element), byte(element>>8))
	buf = append(buf, []byte(vr)...)
	length := make([]byte, 2)
	binary.LittleEndian.PutUint16(length, uint16(len(value)))
	buf = append(buf, length...)
	buf = append(buf, value...)
	return buf
}
