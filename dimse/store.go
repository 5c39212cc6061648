// Package dimse implements the DIMSE command-set codec (PS 3.7 Annex
// E): encoding and decoding the Implicit VR Little Endian element
// stream every DIMSE command carries, independent of how its bytes
// reach the wire (package engine handles PDV framing and flow control).
package dimse

import (
	"encoding/binary"
	"strings"

	"github.com/0xLigety/fo-dicom/types"
)

// EncodeCommand encodes a DIMSE command message using Implicit VR Little Endian
func EncodeCommand(msg *types.Message) ([]byte, error) {
	buf := make([]byte, 0, 256)

	// Command Group Length (0000,0000) - will calculate later
	buf = AppendImplicitElement(buf, 0x0000, 0x0000, make([]byte, 4)) // Placeholder
	lengthPos := len(buf) - 4

	// Affected SOP Class UID (0000,0002) - optional
	if msg.AffectedSOPClassUID != "" {
		sopClassBytes := []byte(msg.AffectedSOPClassUID)
		if len(sopClassBytes)%2 == 1 {
			sopClassBytes = append(sopClassBytes, 0x00) // Pad to even
		}
		buf = AppendImplicitElement(buf, 0x0000, 0x0002, sopClassBytes)
	}

	// Requested SOP Class UID (0000,0003) - optional
	if msg.RequestedSOPClassUID != "" {
		sopClassBytes := []byte(msg.RequestedSOPClassUID)
		if len(sopClassBytes)%2 == 1 {
			sopClassBytes = append(sopClassBytes, 0x00) // Pad to even
		}
		buf = AppendImplicitElement(buf, 0x0000, 0x0003, sopClassBytes)
	}

	// Command Field (0000,0100) - required
	cmdBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(cmdBytes, msg.CommandField)
	buf = AppendImplicitElement(buf, 0x0000, 0x0100, cmdBytes)

	// Message ID (0000,0110) - optional (not in responses)
	if msg.MessageID != 0 {
		msgIDBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(msgIDBytes, msg.MessageID)
		buf = AppendImplicitElement(buf, 0x0000, 0x0110, msgIDBytes)
	}

	// Message ID Being Responded To (0000,0120) - optional (in responses and C-CANCEL)
	if msg.MessageIDBeingRespondedTo != 0 {
		msgIDBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(msgIDBytes, msg.MessageIDBeingRespondedTo)
		buf = AppendImplicitElement(buf, 0x0000, 0x0120, msgIDBytes)
	}

	// Move Destination (0000,0600) - optional (for C-MOVE)
	if msg.MoveDestination != "" {
		moveDestBytes := []byte(msg.MoveDestination)
		if len(moveDestBytes)%2 == 1 {
			moveDestBytes = append(moveDestBytes, 0x20) // Pad with space
		}
		buf = AppendImplicitElement(buf, 0x0000, 0x0600, moveDestBytes)
	}

	// Priority (0000,0700) - optional
	if msg.Priority != 0 {
		priorityBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(priorityBytes, msg.Priority)
		buf = AppendImplicitElement(buf, 0x0000, 0x0700, priorityBytes)
	}

	// Command Data Set Type (0000,0800) - required
	datasetTypeBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(datasetTypeBytes, msg.CommandDataSetType)
	buf = AppendImplicitElement(buf, 0x0000, 0x0800, datasetTypeBytes)

	// Status (0000,0900) - optional (in responses)
	if msg.Status != 0 {
		statusBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(statusBytes, msg.Status)
		buf = AppendImplicitElement(buf, 0x0000, 0x0900, statusBytes)
	}

	// Affected SOP Instance UID (0000,1000) - optional
	if msg.AffectedSOPInstanceUID != "" {
		sopInstBytes := []byte(msg.AffectedSOPInstanceUID)
		if len(sopInstBytes)%2 == 1 {
			sopInstBytes = append(sopInstBytes, 0x00) // Pad to even
		}
		buf = AppendImplicitElement(buf, 0x0000, 0x1000, sopInstBytes)
	}

	// C-MOVE/C-GET response counters (optional, only on their responses)
	if msg.NumberOfRemainingSuboperations != nil {
		remaining := make([]byte, 2)
		binary.LittleEndian.PutUint16(remaining, *msg.NumberOfRemainingSuboperations)
		buf = AppendImplicitElement(buf, 0x0000, 0x1020, remaining)
	}

	if msg.NumberOfCompletedSuboperations != nil {
		completed := make([]byte, 2)
		binary.LittleEndian.PutUint16(completed, *msg.NumberOfCompletedSuboperations)
		buf = AppendImplicitElement(buf, 0x0000, 0x1021, completed)
	}

	if msg.NumberOfFailedSuboperations != nil {
		failed := make([]byte, 2)
		binary.LittleEndian.PutUint16(failed, *msg.NumberOfFailedSuboperations)
		buf = AppendImplicitElement(buf, 0x0000, 0x1022, failed)
	}

	if msg.NumberOfWarningSuboperations != nil {
		warning := make([]byte, 2)
		binary.LittleEndian.PutUint16(warning, *msg.NumberOfWarningSuboperations)
		buf = AppendImplicitElement(buf, 0x0000, 0x1023, warning)
	}

	// Update Command Group Length
	groupLength := uint32(len(buf) - lengthPos - 4)
	binary.LittleEndian.PutUint32(buf[lengthPos:lengthPos+4], groupLength)

	return buf, nil
}

// AppendImplicitElement appends a DICOM element using Implicit VR (no VR field)
func AppendImplicitElement(buf []byte, group, element uint16, value []byte) []byte {
	// Group (2 bytes, little endian)
	buf = append(buf, byte(group), byte(group>>8))
	// Element (2 bytes, little endian)
	buf = append(buf, byte(element), byte(element>>8))
	// Length (4 bytes, little endian)
	length := uint32(len(value))
	buf = append(buf, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	// Value
	buf = append(buf, value...)
	return buf
}

// DecodeCommand decodes a DIMSE command message
func DecodeCommand(data []byte) (*types.Message, error) {
	msg := &types.Message{
		CommandDataSetType: 0x0101, // Default to "no dataset present"
	}
	offset := 0

	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if offset+8+int(length) > len(data) {
			break
		}

		value := data[offset+8 : offset+8+int(length)]

		switch {
		case group == 0x0000 && element == 0x0002:
			msg.AffectedSOPClassUID = strings.TrimRight(string(value), "\x00 ")
		case group == 0x0000 && element == 0x0003:
			msg.RequestedSOPClassUID = strings.TrimRight(string(value), "\x00 ")
		case group == 0x0000 && element == 0x0100:
			if len(value) >= 2 {
				msg.CommandField = binary.LittleEndian.Uint16(value[:2])
			}
		case group == 0x0000 && element == 0x0110:
			if len(value) >= 2 {
				msg.MessageID = binary.LittleEndian.Uint16(value[:2])
			}
		case group == 0x0000 && element == 0x0120:
			if len(value) >= 2 {
				msg.MessageIDBeingRespondedTo = binary.LittleEndian.Uint16(value[:2])
			}
		case group == 0x0000 && element == 0x0600:
			msg.MoveDestination = strings.TrimRight(string(value), "\x00 ")
		case group == 0x0000 && element == 0x0700:
			if len(value) >= 2 {
				msg.Priority = binary.LittleEndian.Uint16(value[:2])
			}
		case group == 0x0000 && element == 0x0800:
			if len(value) >= 2 {
				msg.CommandDataSetType = binary.LittleEndian.Uint16(value[:2])
			}
		case group == 0x0000 && element == 0x0900:
			if len(value) >= 2 {
				msg.Status = binary.LittleEndian.Uint16(value[:2])
			}
		case group == 0x0000 && element == 0x1000:
			msg.AffectedSOPInstanceUID = strings.TrimRight(string(value), "\x00 ")
		case group == 0x0000 && element == 0x1020:
			if len(value) >= 2 {
				val := binary.LittleEndian.Uint16(value[:2])
				msg.NumberOfRemainingSuboperations = &val
			}
		case group == 0x0000 && element == 0x1021:
			if len(value) >= 2 {
				val := binary.LittleEndian.Uint16(value[:2])
				msg.NumberOfCompletedSuboperations = &val
			}
		case group == 0x0000 && element == 0x1022:
			if len(value) >= 2 {
				val := binary.LittleEndian.Uint16(value[:2])
				msg.NumberOfFailedSuboperations = &val
			}
		case group == 0x0000 && element == 0x1023:
			if len(value) >= 2 {
				val := binary.LittleEndian.Uint16(value[:2])
				msg.NumberOfWarningSuboperations = &val
			}
		}

		offset += 8 + int(length)
	}

	return msg, nil
}
