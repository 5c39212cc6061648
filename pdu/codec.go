// Package pdu implements the DICOM upper-layer PDU codec: framing and
// encoding/decoding of the seven A-PDUs defined in PS 3.8 §9.3. It is
// connection-agnostic — it reads from an io.Reader and writes to an
// io.Writer, and knows nothing about sockets, association state, or DIMSE
// command sets. Package engine drives it over a net.Conn.
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/0xLigety/fo-dicom/errors"
)

// PDU type codes (PS 3.8 §9.3, Table 9-1).
const (
	TypeAssociateRQ byte = 0x01
	TypeAssociateAC byte = 0x02
	TypeAssociateRJ byte = 0x03
	TypePDataTF     byte = 0x04
	TypeReleaseRQ   byte = 0x05
	TypeReleaseRP   byte = 0x06
	TypeAbort       byte = 0x07
)

// Presentation context item sub-item type codes.
const (
	itemTypeAppContext     byte = 0x10
	itemTypePresContextRQ  byte = 0x20
	itemTypePresContextAC  byte = 0x21
	itemTypeAbstractSyntax byte = 0x30
	itemTypeTransferSyntax byte = 0x40
	itemTypeUserInfo       byte = 0x50
	itemTypeMaxLength      byte = 0x51
	itemTypeImplClassUID   byte = 0x52
	itemTypeAsyncOpsWindow byte = 0x53
	itemTypeImplVersion    byte = 0x55
)

// maxSanePDULength caps the length field of an incoming PDU header. A
// value larger than this is treated as a protocol violation rather than
// an attempt to allocate an unbounded buffer.
const maxSanePDULength = 128 * 1024 * 1024

// RawPDU is a framed-but-undecoded PDU: the type byte plus its body, with
// length already validated against the wire header.
type RawPDU struct {
	Type byte
	Data []byte
}

// ReadPDU reads one complete PDU from r. A clean end of stream before any
// header byte is arrives as io.EOF; anything else (partial header,
// truncated body, oversized length) is a *errors.ProtocolError.
func ReadPDU(r io.Reader) (RawPDU, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return RawPDU{}, io.EOF
		}
		return RawPDU{}, errors.NewProtocolError(fmt.Sprintf("reading PDU header: %v", err))
	}

	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxSanePDULength {
		return RawPDU{}, errors.NewProtocolError(fmt.Sprintf("PDU length %d exceeds sanity cap %d", length, maxSanePDULength))
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return RawPDU{}, errors.NewProtocolError(fmt.Sprintf("reading PDU body (type 0x%02x, length %d): %v", header[0], length, err))
	}

	return RawPDU{Type: header[0], Data: body}, nil
}

// WriteRaw frames and writes type+body as a single PDU in one Write call.
// PS 3.8 requires a PDU be delivered to the peer as one contiguous unit;
// assembling the header and body before the call keeps a short write from
// interleaving with another goroutine's PDU on the same socket.
func WriteRaw(w io.Writer, pduType byte, body []byte) error {
	out := make([]byte, 6, 6+len(body))
	out[0] = pduType
	binary.BigEndian.PutUint32(out[2:6], uint32(len(body)))
	out = append(out, body...)
	_, err := w.Write(out)
	return err
}

// padAETitle pads or truncates an AE title to the fixed 16-byte field
// width used in A-ASSOCIATE-RQ/AC, per PS 3.8 §9.3.2.
func padAETitle(title string) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[:], title)
	return out
}

func trimAETitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimRight(s, " ")
}

func trimUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

// item is a generic TLV sub-item (one-byte type, one reserved byte,
// two-byte big-endian length, then the value) as used throughout the variable part of
// A-ASSOCIATE-RQ/AC/RJ.
type item struct {
	Type  byte
	Value []byte
}

func encodeItem(it item) []byte {
	out := make([]byte, 4, 4+len(it.Value))
	out[0] = it.Type
	binary.BigEndian.PutUint16(out[2:4], uint16(len(it.Value)))
	out = append(out, it.Value...)
	return out
}

// decodeItems walks a buffer of back-to-back TLV items, invoking fn for
// each. Unrecognized item types are passed through to fn rather than
// rejected — forward compatibility with sub-items this codec doesn't
// know about (PS 3.8 §9.3.2.3 reserves type codes for future use).
func decodeItems(data []byte, fn func(it item) error) error {
	offset := 0
	for offset+4 <= len(data) {
		t := data[offset]
		length := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		start := offset + 4
		end := start + length
		if end > len(data) {
			return errors.NewProtocolError(fmt.Sprintf("item type 0x%02x length %d exceeds remaining buffer", t, length))
		}
		if err := fn(item{Type: t, Value: data[start:end]}); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

// PresentationContextProposal is one presentation context as carried in
// an A-ASSOCIATE-RQ: an ID plus an abstract syntax and the list of
// transfer syntaxes the proposer is willing to use.
type PresentationContextProposal struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresentationContextResult is one presentation context as carried in an
// A-ASSOCIATE-AC: an ID, the accept/reject result byte, and (if
// accepted) the single transfer syntax chosen.
type PresentationContextResult struct {
	ID             byte
	Result         byte
	TransferSyntax string
}

// Presentation context result codes (PS 3.8 Table 9-18).
const (
	ResultAcceptance            byte = 0x00
	ResultUserRejection          byte = 0x01
	ResultNoReason               byte = 0x02
	ResultAbstractSyntaxRejected byte = 0x03
	ResultTransferSyntaxRejected byte = 0x04
)

// AssociateRQ is the decoded form of an A-ASSOCIATE-RQ PDU.
type AssociateRQ struct {
	ProtocolVersion  uint16
	CalledAETitle    string
	CallingAETitle   string
	ApplicationCtxUID string
	PresentationCtxs []PresentationContextProposal
	MaxPDULength     uint32
	ImplClassUID     string
	ImplVersionName  string
	// MaxOpsInvoked and MaxOpsPerformed are this side's proposed maximum
	// number of outstanding operations it may invoke and is willing to
	// perform, from the Asynchronous Operations Window sub-item (PS 3.8
	// Annex D.3.3.3). Zero means unlimited.
	MaxOpsInvoked   uint16
	MaxOpsPerformed uint16
}

// DecodeAssociateRQ decodes the body of a TypeAssociateRQ RawPDU.
func DecodeAssociateRQ(data []byte) (*AssociateRQ, error) {
	if len(data) < 68 {
		return nil, errors.NewProtocolError("A-ASSOCIATE-RQ shorter than fixed-field minimum (68 bytes)")
	}

	rq := &AssociateRQ{
		ProtocolVersion: binary.BigEndian.Uint16(data[0:2]),
		CalledAETitle:   trimAETitle(data[4:20]),
		CallingAETitle:  trimAETitle(data[20:36]),
	}

	var sawUserInfo, sawMaxLength bool
	err := decodeItems(data[68:], func(it item) error {
		switch it.Type {
		case itemTypeAppContext:
			rq.ApplicationCtxUID = trimUID(it.Value)
		case itemTypePresContextRQ:
			pc, err := decodePresentationContextRQ(it.Value)
			if err != nil {
				return err
			}
			rq.PresentationCtxs = append(rq.PresentationCtxs, *pc)
		case itemTypeUserInfo:
			info, err := decodeUserInformation(it.Value)
			if err != nil {
				return err
			}
			rq.MaxPDULength = info.maxLength
			rq.ImplClassUID = info.implClass
			rq.ImplVersionName = info.implVersion
			rq.MaxOpsInvoked = info.maxOpsInvoked
			rq.MaxOpsPerformed = info.maxOpsPerformed
			sawUserInfo = true
			sawMaxLength = info.hasMaxLength
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rq.ApplicationCtxUID == "" {
		return nil, errors.NewProtocolError("A-ASSOCIATE-RQ missing application context item")
	}
	if len(rq.PresentationCtxs) == 0 {
		return nil, errors.NewProtocolError("A-ASSOCIATE-RQ has no presentation context items")
	}
	if !sawUserInfo {
		return nil, errors.NewProtocolError("A-ASSOCIATE-RQ missing user information item")
	}
	if !sawMaxLength {
		return nil, errors.NewProtocolError("A-ASSOCIATE-RQ user information missing max-length sub-item")
	}
	return rq, nil
}

func decodePresentationContextRQ(data []byte) (*PresentationContextProposal, error) {
	if len(data) < 4 {
		return nil, errors.NewProtocolError("presentation context item shorter than 4 bytes")
	}
	pc := &PresentationContextProposal{ID: data[0]}
	err := decodeItems(data[4:], func(it item) error {
		switch it.Type {
		case itemTypeAbstractSyntax:
			pc.AbstractSyntax = trimUID(it.Value)
		case itemTypeTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, trimUID(it.Value))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if pc.AbstractSyntax == "" {
		return nil, errors.NewProtocolError(fmt.Sprintf("presentation context %d missing abstract syntax", pc.ID))
	}
	return pc, nil
}

// userInformation is the decoded content of a User Information item
// (PS 3.8 §9.3.2.3): the sub-items this module understands.
type userInformation struct {
	maxLength       uint32
	hasMaxLength    bool
	implClass       string
	implVersion     string
	maxOpsInvoked   uint16
	maxOpsPerformed uint16
}

func decodeUserInformation(data []byte) (info userInformation, err error) {
	err = decodeItems(data, func(it item) error {
		switch it.Type {
		case itemTypeMaxLength:
			if len(it.Value) != 4 {
				return errors.NewProtocolError("max-length sub-item must be 4 bytes")
			}
			info.maxLength = binary.BigEndian.Uint32(it.Value)
			info.hasMaxLength = true
		case itemTypeImplClassUID:
			info.implClass = trimUID(it.Value)
		case itemTypeImplVersion:
			info.implVersion = trimUID(it.Value)
		case itemTypeAsyncOpsWindow:
			if len(it.Value) != 4 {
				return errors.NewProtocolError("asynchronous operations window sub-item must be 4 bytes")
			}
			info.maxOpsInvoked = binary.BigEndian.Uint16(it.Value[0:2])
			info.maxOpsPerformed = binary.BigEndian.Uint16(it.Value[2:4])
		}
		return nil
	})
	return
}

// Encode serializes rq into an A-ASSOCIATE-RQ RawPDU body.
func (rq *AssociateRQ) Encode() []byte {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	called := padAETitle(rq.CalledAETitle)
	calling := padAETitle(rq.CallingAETitle)
	copy(fixed[4:20], called[:])
	copy(fixed[20:36], calling[:])

	var variable []byte
	appCtx := rq.ApplicationCtxUID
	if appCtx == "" {
		appCtx = "1.2.840.10008.3.1.1.1"
	}
	variable = append(variable, encodeItem(item{Type: itemTypeAppContext, Value: []byte(appCtx)})...)

	for _, pc := range rq.PresentationCtxs {
		var sub []byte
		sub = append(sub, encodeItem(item{Type: itemTypeAbstractSyntax, Value: []byte(pc.AbstractSyntax)})...)
		for _, ts := range pc.TransferSyntaxes {
			sub = append(sub, encodeItem(item{Type: itemTypeTransferSyntax, Value: []byte(ts)})...)
		}
		body := append([]byte{pc.ID, 0x00, 0x00, 0x00}, sub...)
		variable = append(variable, encodeItem(item{Type: itemTypePresContextRQ, Value: body})...)
	}

	variable = append(variable, encodeUserInformation(userInformation{
		maxLength:       rq.MaxPDULength,
		implClass:       rq.ImplClassUID,
		implVersion:     rq.ImplVersionName,
		maxOpsInvoked:   rq.MaxOpsInvoked,
		maxOpsPerformed: rq.MaxOpsPerformed,
	})...)

	return append(fixed, variable...)
}

func encodeUserInformation(info userInformation) []byte {
	maxLenBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLenBytes, info.maxLength)
	var userData []byte
	userData = append(userData, encodeItem(item{Type: itemTypeMaxLength, Value: maxLenBytes})...)
	if info.implClass != "" {
		userData = append(userData, encodeItem(item{Type: itemTypeImplClassUID, Value: []byte(info.implClass)})...)
	}
	if info.implVersion != "" {
		userData = append(userData, encodeItem(item{Type: itemTypeImplVersion, Value: []byte(info.implVersion)})...)
	}
	asyncBytes := make([]byte, 4)
	binary.BigEndian.PutUint16(asyncBytes[0:2], info.maxOpsInvoked)
	binary.BigEndian.PutUint16(asyncBytes[2:4], info.maxOpsPerformed)
	userData = append(userData, encodeItem(item{Type: itemTypeAsyncOpsWindow, Value: asyncBytes})...)
	return encodeItem(item{Type: itemTypeUserInfo, Value: userData})
}

// AssociateAC is the decoded form of an A-ASSOCIATE-AC PDU.
type AssociateAC struct {
	CalledAETitle     string
	CallingAETitle    string
	ApplicationCtxUID string
	PresentationCtxs  []PresentationContextResult
	MaxPDULength      uint32
	ImplClassUID      string
	ImplVersionName   string
	MaxOpsInvoked     uint16
	MaxOpsPerformed   uint16
}

// Encode serializes ac into an A-ASSOCIATE-AC RawPDU body.
func (ac *AssociateAC) Encode() []byte {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	called := padAETitle(ac.CalledAETitle)
	calling := padAETitle(ac.CallingAETitle)
	copy(fixed[4:20], called[:])
	copy(fixed[20:36], calling[:])

	appCtx := ac.ApplicationCtxUID
	if appCtx == "" {
		appCtx = "1.2.840.10008.3.1.1.1"
	}
	var variable []byte
	variable = append(variable, encodeItem(item{Type: itemTypeAppContext, Value: []byte(appCtx)})...)

	for _, pc := range ac.PresentationCtxs {
		var sub []byte
		if pc.Result == ResultAcceptance && pc.TransferSyntax != "" {
			sub = encodeItem(item{Type: itemTypeTransferSyntax, Value: []byte(pc.TransferSyntax)})
		}
		body := append([]byte{pc.ID, pc.Result, 0x00, 0x00}, sub...)
		variable = append(variable, encodeItem(item{Type: itemTypePresContextAC, Value: body})...)
	}

	variable = append(variable, encodeUserInformation(userInformation{
		maxLength:       ac.MaxPDULength,
		implClass:       ac.ImplClassUID,
		implVersion:     ac.ImplVersionName,
		maxOpsInvoked:   ac.MaxOpsInvoked,
		maxOpsPerformed: ac.MaxOpsPerformed,
	})...)

	return append(fixed, variable...)
}

// DecodeAssociateAC decodes the body of a TypeAssociateAC RawPDU.
func DecodeAssociateAC(data []byte) (*AssociateAC, error) {
	if len(data) < 68 {
		return nil, errors.NewProtocolError("A-ASSOCIATE-AC shorter than fixed-field minimum (68 bytes)")
	}
	ac := &AssociateAC{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
	}
	var sawUserInfo, sawMaxLength bool
	err := decodeItems(data[68:], func(it item) error {
		switch it.Type {
		case itemTypeAppContext:
			ac.ApplicationCtxUID = trimUID(it.Value)
		case itemTypePresContextAC:
			if len(it.Value) < 4 {
				return errors.NewProtocolError("AC presentation context item shorter than 4 bytes")
			}
			pc := PresentationContextResult{ID: it.Value[0], Result: it.Value[1]}
			_ = decodeItems(it.Value[4:], func(sub item) error {
				if sub.Type == itemTypeTransferSyntax {
					pc.TransferSyntax = trimUID(sub.Value)
				}
				return nil
			})
			ac.PresentationCtxs = append(ac.PresentationCtxs, pc)
		case itemTypeUserInfo:
			info, err := decodeUserInformation(it.Value)
			if err != nil {
				return err
			}
			ac.MaxPDULength = info.maxLength
			ac.ImplClassUID = info.implClass
			ac.ImplVersionName = info.implVersion
			ac.MaxOpsInvoked = info.maxOpsInvoked
			ac.MaxOpsPerformed = info.maxOpsPerformed
			sawUserInfo = true
			sawMaxLength = info.hasMaxLength
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ac.ApplicationCtxUID == "" {
		return nil, errors.NewProtocolError("A-ASSOCIATE-AC missing application context item")
	}
	if len(ac.PresentationCtxs) == 0 {
		return nil, errors.NewProtocolError("A-ASSOCIATE-AC has no presentation context items")
	}
	if !sawUserInfo {
		return nil, errors.NewProtocolError("A-ASSOCIATE-AC missing user information item")
	}
	if !sawMaxLength {
		return nil, errors.NewProtocolError("A-ASSOCIATE-AC user information missing max-length sub-item")
	}
	return ac, nil
}

// Association reject result codes (PS 3.8 Table 9-21).
const (
	RejectResultPermanent byte = 0x01
	RejectResultTransient byte = 0x02
)

// AssociateRJ is the decoded form of an A-ASSOCIATE-RJ PDU.
type AssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

// Encode serializes rj into an A-ASSOCIATE-RJ RawPDU body.
func (rj *AssociateRJ) Encode() []byte {
	return []byte{0x00, rj.Result, rj.Source, rj.Reason}
}

// DecodeAssociateRJ decodes the body of a TypeAssociateRJ RawPDU.
func DecodeAssociateRJ(data []byte) (*AssociateRJ, error) {
	if len(data) != 4 {
		return nil, errors.NewProtocolError(fmt.Sprintf("A-ASSOCIATE-RJ body must be 4 bytes, got %d", len(data)))
	}
	return &AssociateRJ{Result: data[1], Source: data[2], Reason: data[3]}, nil
}

// PDV is one Presentation Data Value item inside a P-DATA-TF PDU: the
// presentation context it belongs to, whether its payload is a command
// or a dataset fragment, whether it is the last fragment of that stream,
// and the fragment bytes themselves.
type PDV struct {
	PresentationContextID byte
	IsCommand             bool
	IsLast                bool
	Data                  []byte
}

// Message control header bit assignments (PS 3.8 §9.3.4).
const (
	pdvBitCommand byte = 0x01
	pdvBitLast    byte = 0x02
)

// PDataTF is the decoded form of a P-DATA-TF PDU: one or more PDVs.
type PDataTF struct {
	PDVs []PDV
}

// EncodePDV serializes a single PDV item, length-prefixed, exactly as it
// appears inside a P-DATA-TF body.
func EncodePDV(pdv PDV) []byte {
	ctrl := byte(0)
	if pdv.IsCommand {
		ctrl |= pdvBitCommand
	}
	if pdv.IsLast {
		ctrl |= pdvBitLast
	}
	body := make([]byte, 2, 2+len(pdv.Data))
	body[0] = pdv.PresentationContextID
	body[1] = ctrl
	body = append(body, pdv.Data...)

	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(body)))
	return append(out, body...)
}

// DecodePDataTF decodes the body of a TypePDataTF RawPDU into its PDVs.
func DecodePDataTF(data []byte) (*PDataTF, error) {
	var pdvs []PDV
	offset := 0
	for offset < len(data) {
		if offset+6 > len(data) {
			return nil, errors.NewProtocolError("P-DATA-TF truncated mid-PDV header")
		}
		pdvLength := binary.BigEndian.Uint32(data[offset : offset+4])
		end := offset + 4 + int(pdvLength)
		if pdvLength < 2 || end > len(data) {
			return nil, errors.NewProtocolError("P-DATA-TF PDV length invalid or exceeds PDU body")
		}
		ctrl := data[offset+5]
		if ctrl&^(pdvBitCommand|pdvBitLast) != 0 {
			return nil, errors.NewProtocolError("P-DATA-TF PDV message control header has reserved bits set")
		}
		pdvs = append(pdvs, PDV{
			PresentationContextID: data[offset+4],
			IsCommand:             ctrl&pdvBitCommand != 0,
			IsLast:                ctrl&pdvBitLast != 0,
			Data:                  data[offset+6 : end],
		})
		offset = end
	}
	return &PDataTF{PDVs: pdvs}, nil
}

// Encode serializes p back into a P-DATA-TF RawPDU body.
func (p *PDataTF) Encode() []byte {
	var out []byte
	for _, pdv := range p.PDVs {
		out = append(out, EncodePDV(pdv)...)
	}
	return out
}

// ReleaseRQ/ReleaseRP bodies are a fixed 4 reserved bytes (PS 3.8 §9.3.6/7).
var releaseBody = []byte{0x00, 0x00, 0x00, 0x00}

// EncodeReleaseRQ returns the fixed body of an A-RELEASE-RQ PDU.
func EncodeReleaseRQ() []byte { return releaseBody }

// EncodeReleaseRP returns the fixed body of an A-RELEASE-RP PDU.
func EncodeReleaseRP() []byte { return releaseBody }

// Abort is the decoded form of an A-ABORT PDU.
type Abort struct {
	Source byte
	Reason byte
}

// Encode serializes a into an A-ABORT RawPDU body.
func (a *Abort) Encode() []byte {
	return []byte{0x00, 0x00, a.Source, a.Reason}
}

// DecodeAbort decodes the body of a TypeAbort RawPDU.
func DecodeAbort(data []byte) (*Abort, error) {
	if len(data) != 4 {
		return nil, errors.NewProtocolError(fmt.Sprintf("A-ABORT body must be 4 bytes, got %d", len(data)))
	}
	return &Abort{Source: data[2], Reason: data[3]}, nil
}
