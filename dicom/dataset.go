package dicom

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/0xLigety/fo-dicom/types"
)

// VR constants, re-exported from package types so callers that only ever
// touch datasets through package dicom don't need a second import.
const (
	VR_AE = types.VR_AE
	VR_AS = types.VR_AS
	VR_AT = types.VR_AT
	VR_CS = types.VR_CS
	VR_DA = types.VR_DA
	VR_DS = types.VR_DS
	VR_DT = types.VR_DT
	VR_FL = types.VR_FL
	VR_FD = types.VR_FD
	VR_IS = types.VR_IS
	VR_LO = types.VR_LO
	VR_LT = types.VR_LT
	VR_OB = types.VR_OB
	VR_OD = types.VR_OD
	VR_OF = types.VR_OF
	VR_OL = types.VR_OL
	VR_OV = types.VR_OV
	VR_OW = types.VR_OW
	VR_PN = types.VR_PN
	VR_SH = types.VR_SH
	VR_SL = types.VR_SL
	VR_SQ = types.VR_SQ
	VR_SS = types.VR_SS
	VR_ST = types.VR_ST
	VR_SV = types.VR_SV
	VR_TM = types.VR_TM
	VR_UC = types.VR_UC
	VR_UI = types.VR_UI
	VR_UL = types.VR_UL
	VR_UN = types.VR_UN
	VR_UR = types.VR_UR
	VR_US = types.VR_US
	VR_UT = types.VR_UT
	VR_UV = types.VR_UV
)

// Common transfer syntax UIDs
const (
	TransferSyntaxImplicitVRLittleEndian = types.ImplicitVRLittleEndian
	TransferSyntaxExplicitVRLittleEndian = types.ExplicitVRLittleEndian
)

// Tag, Element and Dataset are aliases of the types package's definitions:
// every DIMSE command-set field already speaks in terms of types.Tag
// (see types.Message.AttributeIdentifierList), so the wire-format dataset
// codec below and the command-set codec in package dimse operate on the
// same values without a conversion at the boundary.
type (
	Tag     = types.Tag
	Element = types.Element
	Dataset = types.Dataset
)

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return types.NewDataset()
}

// ParseDataset parses a DICOM dataset from raw bytes (Explicit VR Little Endian)
func ParseDataset(data []byte) (*Dataset, error) {
	dataset := NewDataset()

	if len(data) == 0 {
		return dataset, nil
	}

	offset := 0
	for offset < len(data) {
		// Need at least 8 bytes for tag + VR + length
		if offset+8 > len(data) {
			break
		}

		// Read tag (4 bytes)
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}

		// Read VR (2 bytes)
		vr := string(data[offset+4 : offset+6])

		var length uint32
		var valueOffset int

		// Short VRs: Tag(4)+VR(2)+Length(2) = 8 byte header.
		// Long VRs: Tag(4)+VR(2)+Reserved(2)+Length(4) = 12 byte header.
		isLongVR := vr == "OB" || vr == "OD" || vr == "OF" || vr == "OL" || vr == "OW" ||
			vr == "SQ" || vr == "UC" || vr == "UR" || vr == "UT" || vr == "UN" ||
			vr == "OV" || vr == "SV" || vr == "UV"

		if isLongVR {
			if offset+12 > len(data) {
				break
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}

		if valueOffset+int(length) > len(data) {
			break
		}

		valueData := data[valueOffset : valueOffset+int(length)]
		value := parseElementValue(tag, valueData)

		dataset.AddElement(tag, vr, value)

		nextOffset := valueOffset + int(length)
		if length%2 == 1 {
			nextOffset++
		}
		offset = nextOffset
	}

	return dataset, nil
}

// ParseDatasetWithTransferSyntax parses a dataset using the provided transfer syntax.
func ParseDatasetWithTransferSyntax(data []byte, transferSyntaxUID string) (*Dataset, error) {
	switch transferSyntaxUID {
	case "", TransferSyntaxExplicitVRLittleEndian:
		return ParseDataset(data)
	case TransferSyntaxImplicitVRLittleEndian:
		return parseImplicitVRDataset(data)
	default:
		return ParseDataset(data)
	}
}

func parseImplicitVRDataset(data []byte) (*Dataset, error) {
	dataset := NewDataset()

	if len(data) == 0 {
		return dataset, nil
	}

	offset := 0
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		tag := Tag{Group: group, Element: element}

		length := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
		valueOffset := offset + 8

		if valueOffset+int(length) > len(data) {
			break
		}

		valueData := data[valueOffset : valueOffset+int(length)]
		vr := determineVR(tag)
		value := parseElementValue(tag, valueData)

		dataset.AddElement(tag, vr, value)

		nextOffset := valueOffset + int(length)
		if length%2 == 1 {
			nextOffset++
		}
		offset = nextOffset
	}

	return dataset, nil
}

// parseElementValue parses the value based on the tag and raw data
func parseElementValue(tag Tag, data []byte) interface{} {
	if len(data) == 0 {
		return ""
	}

	value := string(data)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}

	return strings.TrimSpace(value)
}

// determineVR determines the VR based on the tag (simplified mapping)
func determineVR(tag Tag) string {
	switch tag {
	case Tag{Group: 0x0008, Element: 0x0005}: // Specific Character Set
		return VR_CS
	case Tag{Group: 0x0008, Element: 0x0016}: // SOP Class UID
		return VR_UI
	case Tag{Group: 0x0008, Element: 0x0018}: // SOP Instance UID
		return VR_UI
	case Tag{Group: 0x0008, Element: 0x0020}: // Study Date
		return VR_DA
	case Tag{Group: 0x0008, Element: 0x0030}: // Study Time
		return VR_TM
	case Tag{Group: 0x0008, Element: 0x0050}: // Accession Number
		return VR_SH
	case Tag{Group: 0x0008, Element: 0x0052}: // Query/Retrieve Level
		return VR_CS
	case Tag{Group: 0x0008, Element: 0x0054}: // Retrieve AE Title
		return VR_AE
	case Tag{Group: 0x0008, Element: 0x0060}: // Modality
		return VR_CS
	case Tag{Group: 0x0008, Element: 0x0080}: // Institution Name
		return VR_LO
	case Tag{Group: 0x0008, Element: 0x0090}: // Referring Physician's Name
		return VR_PN
	case Tag{Group: 0x0008, Element: 0x1030}: // Study Description
		return VR_LO
	case Tag{Group: 0x0008, Element: 0x103E}: // Series Description
		return VR_LO
	case Tag{Group: 0x0008, Element: 0x1040}: // Institutional Department Name
		return VR_LO
	case Tag{Group: 0x0008, Element: 0x1050}: // Performing Physician's Name
		return VR_PN
	case Tag{Group: 0x0008, Element: 0x1060}: // Name of Physician(s) Reading Study
		return VR_PN
	case Tag{Group: 0x0008, Element: 0x1070}: // Operators' Name
		return VR_PN
	case Tag{Group: 0x0010, Element: 0x0010}: // Patient's Name
		return VR_PN
	case Tag{Group: 0x0010, Element: 0x0020}: // Patient ID
		return VR_LO
	case Tag{Group: 0x0010, Element: 0x0030}: // Patient's Birth Date
		return VR_DA
	case Tag{Group: 0x0010, Element: 0x0040}: // Patient's Sex
		return VR_CS
	case Tag{Group: 0x0010, Element: 0x1010}: // Patient's Age
		return VR_AS
	case Tag{Group: 0x0018, Element: 0x0015}: // Body Part Examined
		return VR_CS
	case Tag{Group: 0x0020, Element: 0x000D}: // Study Instance UID
		return VR_UI
	case Tag{Group: 0x0020, Element: 0x000E}: // Series Instance UID
		return VR_UI
	case Tag{Group: 0x0020, Element: 0x0010}: // Study ID
		return VR_SH
	case Tag{Group: 0x0020, Element: 0x0011}: // Series Number
		return VR_IS
	case Tag{Group: 0x0020, Element: 0x0013}: // Instance Number
		return VR_IS
	case Tag{Group: 0x0020, Element: 0x0020}: // Patient Orientation
		return VR_CS
	default:
		return VR_UN
	}
}

// EncodeDataset encodes a dataset to bytes (Explicit VR Little Endian).
// It delegates to the Dataset method itself (defined in package types,
// the owner of the Tag/Element/Dataset triple) rather than re-walking
// the element map a second way here.
func EncodeDataset(d *Dataset) []byte {
	return d.EncodeDataset()
}

// EncodeDatasetWithTransferSyntax encodes a dataset using the provided transfer syntax.
func EncodeDatasetWithTransferSyntax(dataset *Dataset, transferSyntaxUID string) ([]byte, error) {
	if dataset == nil {
		return nil, nil
	}

	switch transferSyntaxUID {
	case "", TransferSyntaxExplicitVRLittleEndian:
		return EncodeDataset(dataset), nil
	case TransferSyntaxImplicitVRLittleEndian:
		return encodeImplicitVRDataset(dataset), nil
	default:
		return EncodeDataset(dataset), nil
	}
}

func encodeImplicitVRDataset(dataset *Dataset) []byte {
	var result []byte

	tags := sortedTags(dataset)

	for _, tag := range tags {
		element := dataset.Elements[tag]

		tagBytes := make([]byte, 4)
		binary.LittleEndian.PutUint16(tagBytes[0:2], tag.Group)
		binary.LittleEndian.PutUint16(tagBytes[2:4], tag.Element)
		result = append(result, tagBytes...)

		valueBytes := encodeElementValue(element)
		if len(valueBytes)%2 == 1 {
			valueBytes = append(valueBytes, 0x20)
		}

		lengthBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lengthBytes, uint32(len(valueBytes)))
		result = append(result, lengthBytes...)
		result = append(result, valueBytes...)
	}

	return result
}

func sortedTags(d *Dataset) []Tag {
	tags := make([]Tag, 0, len(d.Elements))
	for tag := range d.Elements {
		tags = append(tags, tag)
	}
	// DICOM requires elements in ascending tag order; the dataset sizes
	// this module deals with (command-set attribute lists, query
	// identifiers) never warrant anything fancier than insertion sort.
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
	return tags
}

// encodeElementValue encodes an element value to bytes
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
