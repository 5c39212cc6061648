// Package types contains all DICOM-related type definitions
package types

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// VR (Value Representation) constants for DICOM data elements
const (
	VR_AE = "AE" // Application Entity
	VR_AS = "AS" // Age String
	VR_AT = "AT" // Attribute Tag
	VR_CS = "CS" // Code String
	VR_DA = "DA" // Date
	VR_DS = "DS" // Decimal String
	VR_DT = "DT" // Date Time
	VR_FL = "FL" // Floating Point Single
	VR_FD = "FD" // Floating Point Double
	VR_IS = "IS" // Integer String
	VR_LO = "LO" // Long String
	VR_LT = "LT" // Long Text
	VR_OB = "OB" // Other Byte
	VR_OD = "OD" // Other Double
	VR_OF = "OF" // Other Float
	VR_OL = "OL" // Other Long
	VR_OV = "OV" // Other Very Long
	VR_OW = "OW" // Other Word
	VR_PN = "PN" // Person Name
	VR_SH = "SH" // Short String
	VR_SL = "SL" // Signed Long
	VR_SQ = "SQ" // Sequence of Items
	VR_SS = "SS" // Signed Short
	VR_ST = "ST" // Short Text
	VR_SV = "SV" // Signed Very Long
	VR_TM = "TM" // Time
	VR_UC = "UC" // Unlimited Characters
	VR_UI = "UI" // Unique Identifier
	VR_UL = "UL" // Unsigned Long
	VR_UN = "UN" // Unknown
	VR_UR = "UR" // Universal Resource
	VR_US = "US" // Unsigned Short
	VR_UT = "UT" // Unlimited Text
	VR_UV = "UV" // Unsigned Very Long
)

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Element represents a DICOM data element
type Element struct {
	Tag   Tag
	VR    string
	Value interface{}
}

// Dataset represents a collection of DICOM elements. It is the single
// representation shared by package dicom (wire codec), package services
// (DIMSE handlers) and package client: keeping one definition here (rather
// than package dicom, which must import types for transfer syntax UIDs)
// avoids an import cycle between the two.
type Dataset struct {
	Elements map[Tag]*Element
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{
		Elements: make(map[Tag]*Element),
	}
}

// AddElement adds an element to the dataset
func (d *Dataset) AddElement(tag Tag, vr string, value interface{}) {
	d.Elements[tag] = &Element{Tag: tag, VR: vr, Value: value}
}

// GetElement returns an element by tag
func (d *Dataset) GetElement(tag Tag) (*Element, bool) {
	element, exists := d.Elements[tag]
	return element, exists
}

// GetString returns a string value for a tag
func (d *Dataset) GetString(tag Tag) string {
	if element, exists := d.Elements[tag]; exists {
		if str, ok := element.Value.(string); ok {
			return strings.TrimSpace(str)
		}
	}
	return ""
}

// GetStrings returns a slice of string values for a tag
func (d *Dataset) GetStrings(tag Tag) []string {
	if element, exists := d.Elements[tag]; exists {
		switch v := element.Value.(type) {
		case string:
			parts := strings.Split(v, "\\")
			result := make([]string, len(parts))
			for i, part := range parts {
				result[i] = strings.TrimSpace(part)
			}
			return result
		case []string:
			return v
		}
	}
	return nil
}

// EncodeDataset encodes the dataset to bytes using Explicit VR Little
// Endian; dicom.EncodeDataset delegates here for that transfer syntax.
// Implicit VR Little Endian is encoded by package dicom's
// EncodeDatasetWithTransferSyntax, which keeps its own copy of the tag
// sorting and value encoding below.
func (d *Dataset) EncodeDataset() []byte {
	var result []byte

	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	for i := 1; i < len(tags); i++ {
		for j := i; j > 0; j-- {
			if tags[j-1].Group > tags[j].Group ||
				(tags[j-1].Group == tags[j].Group && tags[j-1].Element > tags[j].Element) {
				tags[j-1], tags[j] = tags[j], tags[j-1]
			} else {
				break
			}
		}
	}

	for _, tag := range tags {
		element := d.Elements[tag]

		tagBytes := make([]byte, 4)
		binary.LittleEndian.PutUint16(tagBytes[0:2], tag.Group)
		binary.LittleEndian.PutUint16(tagBytes[2:4], tag.Element)
		result = append(result, tagBytes...)

		result = append(result, []byte(element.VR)...)

		valueBytes := encodeElementValue(element)
		if len(valueBytes)%2 == 1 {
			valueBytes = append(valueBytes, 0x20)
		}

		isLongVR := element.VR == VR_OB || element.VR == VR_OW || element.VR == VR_SQ ||
			element.VR == VR_UN || element.VR == VR_UT || element.VR == VR_OD ||
			element.VR == VR_OF || element.VR == VR_OL || element.VR == VR_OV ||
			element.VR == VR_UC || element.VR == VR_UR

		if isLongVR {
			result = append(result, 0x00, 0x00) // reserved
			lengthBytes := make([]byte, 4)
			binary.LittleEndian.PutUint32(lengthBytes, uint32(len(valueBytes)))
			result = append(result, lengthBytes...)
		} else {
			if len(valueBytes) > 65535 {
				valueBytes = valueBytes[:65535]
			}
			lengthBytes := make([]byte, 2)
			binary.LittleEndian.PutUint16(lengthBytes, uint16(len(valueBytes)))
			result = append(result, lengthBytes...)
		}

		result = append(result, valueBytes...)
	}

	return result
}

func encodeElementValue(element *Element) []byte {
	switch v := element.Value.(type) {
	case string:
		value := strings.TrimRight(v, "\x00")
		return []byte(value)
	case []string:
		joined := strings.TrimRight(strings.Join(v, "\\"), "\x00")
		return []byte(joined)
	case int:
		return []byte(fmt.Sprintf("%d", v))
	case uint16:
		result := make([]byte, 2)
		binary.LittleEndian.PutUint16(result, v)
		return result
	case uint32:
		result := make([]byte, 4)
		binary.LittleEndian.PutUint32(result, v)
		return result
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
