// Package assoc models a negotiated DICOM association: the accepted
// presentation contexts and the AE titles/max-PDU-length agreed during
// A-ASSOCIATE-RQ/AC exchange. It depends on package pdu for wire types
// but knows nothing about sockets or DIMSE command sets.
package assoc

import (
	"sort"

	"github.com/0xLigety/fo-dicom/pdu"
	"github.com/0xLigety/fo-dicom/types"
)

// PresentationContext is one negotiated presentation context: an ID, the
// abstract syntax it was proposed for, the outcome, and (if accepted)
// the single transfer syntax both sides will use for it.
type PresentationContext struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Result         byte
}

// Accepted reports whether this context was accepted.
func (pc *PresentationContext) Accepted() bool {
	return pc.Result == pdu.ResultAcceptance
}

// Association is the negotiated state of one DICOM upper-layer
// association, keyed by presentation context ID.
type Association struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32
	ImplClassUID     string
	ImplVersionName  string
	PresentationCtxs map[byte]*PresentationContext

	// PeerMaxOpsInvoked and PeerMaxOpsPerformed are the Asynchronous
	// Operations Window values (PS 3.8 Annex D.3.3.3) the peer
	// advertised in its A-ASSOCIATE-RQ/AC, 0 meaning unlimited. Neither
	// is enforced against the peer; each side is responsible for
	// bounding its own outstanding operations.
	PeerMaxOpsInvoked   uint16
	PeerMaxOpsPerformed uint16
}

// AbstractSyntaxPolicy decides whether an association from callingAE may
// use abstractSyntax, and if so which of the proposed transfer syntaxes
// (offered in the proposer's preference order) to select. Returning
// ok=false rejects the presentation context (not the whole association).
type AbstractSyntaxPolicy interface {
	Accept(callingAE, abstractSyntax string, proposedTransferSyntaxes []string) (transferSyntax string, ok bool)
}

// AcceptPresentationContexts negotiates every presentation context
// proposed in rq against policy, building the Association an SCP will
// reply with in its A-ASSOCIATE-AC. Contexts whose abstract syntax the
// policy rejects get ResultAbstractSyntaxRejected; contexts whose
// abstract syntax is allowed but no proposed transfer syntax is
// acceptable get ResultTransferSyntaxRejected.
func AcceptPresentationContexts(rq *pdu.AssociateRQ, policy AbstractSyntaxPolicy) *Association {
	a := &Association{
		CalledAETitle:       rq.CalledAETitle,
		CallingAETitle:      rq.CallingAETitle,
		MaxPDULength:        rq.MaxPDULength,
		ImplClassUID:        rq.ImplClassUID,
		ImplVersionName:     rq.ImplVersionName,
		PresentationCtxs:    make(map[byte]*PresentationContext, len(rq.PresentationCtxs)),
		PeerMaxOpsInvoked:   rq.MaxOpsInvoked,
		PeerMaxOpsPerformed: rq.MaxOpsPerformed,
	}

	for _, proposal := range rq.PresentationCtxs {
		pc := &PresentationContext{
			ID:             proposal.ID,
			AbstractSyntax: proposal.AbstractSyntax,
			Result:         pdu.ResultAbstractSyntaxRejected,
		}
		if ts, ok := policy.Accept(rq.CallingAETitle, proposal.AbstractSyntax, proposal.TransferSyntaxes); ok {
			if ts == "" {
				pc.Result = pdu.ResultTransferSyntaxRejected
			} else {
				pc.Result = pdu.ResultAcceptance
				pc.TransferSyntax = ts
			}
		}
		a.PresentationCtxs[pc.ID] = pc
	}
	return a
}

// ToAssociateAC renders a as the body of the A-ASSOCIATE-AC this side
// sends back, given the max PDU length, implementation identifiers and
// asynchronous-operations-window limits this side wants to advertise (0
// for either meaning unlimited).
func (a *Association) ToAssociateAC(maxPDULength uint32, implClassUID, implVersionName string, maxOpsInvoked, maxOpsPerformed uint16) *pdu.AssociateAC {
	ac := &pdu.AssociateAC{
		CalledAETitle:   a.CalledAETitle,
		CallingAETitle:  a.CallingAETitle,
		MaxPDULength:    maxPDULength,
		ImplClassUID:    implClassUID,
		ImplVersionName: implVersionName,
		MaxOpsInvoked:   maxOpsInvoked,
		MaxOpsPerformed: maxOpsPerformed,
	}

	for _, id := range sortedIDs(a) {
		pc := a.PresentationCtxs[id]
		ac.PresentationCtxs = append(ac.PresentationCtxs, pdu.PresentationContextResult{
			ID:             pc.ID,
			Result:         pc.Result,
			TransferSyntax: pc.TransferSyntax,
		})
	}
	return ac
}

// FromAssociateAC builds the SCU-side Association from a received
// A-ASSOCIATE-AC, matched against the abstract syntaxes this side
// proposed (the AC itself carries no abstract syntax, only the ID).
func FromAssociateAC(rq *pdu.AssociateRQ, ac *pdu.AssociateAC) *Association {
	abstractSyntaxByID := make(map[byte]string, len(rq.PresentationCtxs))
	for _, p := range rq.PresentationCtxs {
		abstractSyntaxByID[p.ID] = p.AbstractSyntax
	}

	a := &Association{
		CalledAETitle:       ac.CalledAETitle,
		CallingAETitle:      ac.CallingAETitle,
		MaxPDULength:        ac.MaxPDULength,
		ImplClassUID:        ac.ImplClassUID,
		ImplVersionName:     ac.ImplVersionName,
		PresentationCtxs:    make(map[byte]*PresentationContext, len(ac.PresentationCtxs)),
		PeerMaxOpsInvoked:   ac.MaxOpsInvoked,
		PeerMaxOpsPerformed: ac.MaxOpsPerformed,
	}
	for _, pc := range ac.PresentationCtxs {
		a.PresentationCtxs[pc.ID] = &PresentationContext{
			ID:             pc.ID,
			AbstractSyntax: abstractSyntaxByID[pc.ID],
			TransferSyntax: pc.TransferSyntax,
			Result:         pc.Result,
		}
	}
	return a
}

// FindAcceptablePC picks the accepted presentation context a DIMSE sender
// should use for msg, an outgoing message whose affected/requested SOP
// class is abstractSyntax. msg may be nil if the caller has no message to
// offer yet (e.g. an association-level lookup); the selection then falls
// back to ordinary abstract-syntax matching.
//
// For a C-STORE-RQ, PS 3.4 Annex B requires the dataset to travel over the
// context matching its own transfer syntax when more than one context
// exists for the same abstract syntax, so that case is tried first: a
// context whose accepted transfer syntax equals msg.TransferSyntaxUID.
// Failing that, any accepted context for the abstract syntax is used, in
// ascending context-ID order. If none matches by abstract syntax at all,
// the context msg.PresentationContextID explicitly names is used as a last
// resort, provided it was accepted.
func FindAcceptablePC(a *Association, abstractSyntax string, msg *types.Message) (*PresentationContext, bool) {
	if msg != nil && msg.CommandField == types.CStoreRQ && msg.TransferSyntaxUID != "" {
		for _, id := range sortedIDs(a) {
			pc := a.PresentationCtxs[id]
			if pc.Accepted() && pc.AbstractSyntax == abstractSyntax && pc.TransferSyntax == msg.TransferSyntaxUID {
				return pc, true
			}
		}
	}

	for _, id := range sortedIDs(a) {
		pc := a.PresentationCtxs[id]
		if pc.Accepted() && pc.AbstractSyntax == abstractSyntax {
			return pc, true
		}
	}

	if msg != nil && msg.PresentationContextID != 0 {
		if pc, ok := a.PresentationCtxs[msg.PresentationContextID]; ok && pc.Accepted() {
			return pc, true
		}
	}

	return nil, false
}

func sortedIDs(a *Association) []byte {
	ids := make([]byte, 0, len(a.PresentationCtxs))
	for id := range a.PresentationCtxs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
