package assoc

import (
	"testing"

	"github.com/0xLigety/fo-dicom/pdu"
	"github.com/0xLigety/fo-dicom/types"
)

type staticPolicy struct {
	allowedAbstractSyntax string
	preferredTransfer     string
}

func (p *staticPolicy) Accept(callingAE, abstractSyntax string, proposed []string) (string, bool) {
	if abstractSyntax != p.allowedAbstractSyntax {
		return "", false
	}
	for _, ts := range proposed {
		if ts == p.preferredTransfer {
			return ts, true
		}
	}
	return "", true
}

func TestAcceptPresentationContexts(t *testing.T) {
	rq := &pdu.AssociateRQ{
		CalledAETitle:  "SCP",
		CallingAETitle: "SCU",
		PresentationCtxs: []pdu.PresentationContextProposal{
			{ID: 1, AbstractSyntax: "1.2.840.10008.1.1", TransferSyntaxes: []string{"1.2.840.10008.1.2.1", "1.2.840.10008.1.2"}},
			{ID: 3, AbstractSyntax: "1.2.840.10008.5.1.4.1.1.1", TransferSyntaxes: []string{"1.2.840.10008.1.2.4.50"}},
			{ID: 5, AbstractSyntax: "1.2.840.10008.1.1", TransferSyntaxes: []string{"1.2.840.10008.1.2.99"}},
		},
	}
	policy := &staticPolicy{allowedAbstractSyntax: "1.2.840.10008.1.1", preferredTransfer: "1.2.840.10008.1.2"}

	a := AcceptPresentationContexts(rq, policy)

	if pc := a.PresentationCtxs[1]; pc.Result != pdu.ResultAcceptance || pc.TransferSyntax != "1.2.840.10008.1.2" {
		t.Errorf("context 1 = %+v, want accepted with implicit VR LE", pc)
	}
	if pc := a.PresentationCtxs[3]; pc.Result != pdu.ResultAbstractSyntaxRejected {
		t.Errorf("context 3 = %+v, want abstract syntax rejected", pc)
	}
	if pc := a.PresentationCtxs[5]; pc.Result != pdu.ResultTransferSyntaxRejected {
		t.Errorf("context 5 = %+v, want transfer syntax rejected", pc)
	}
}

func TestToAssociateACSkipsNoTransferSyntaxOnRejection(t *testing.T) {
	a := &Association{
		CalledAETitle:  "SCP",
		CallingAETitle: "SCU",
		PresentationCtxs: map[byte]*PresentationContext{
			1: {ID: 1, Result: pdu.ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2"},
			3: {ID: 3, Result: pdu.ResultAbstractSyntaxRejected},
		},
	}

	ac := a.ToAssociateAC(16384, "1.2.3.4", "TEST", 0, 0)
	if len(ac.PresentationCtxs) != 2 {
		t.Fatalf("got %d contexts, want 2", len(ac.PresentationCtxs))
	}
	if ac.PresentationCtxs[0].ID != 1 || ac.PresentationCtxs[0].TransferSyntax == "" {
		t.Errorf("context 1 should carry its transfer syntax: %+v", ac.PresentationCtxs[0])
	}
	if ac.PresentationCtxs[1].TransferSyntax != "" {
		t.Errorf("rejected context should carry no transfer syntax: %+v", ac.PresentationCtxs[1])
	}
}

func TestFindAcceptablePC(t *testing.T) {
	a := &Association{PresentationCtxs: map[byte]*PresentationContext{
		1: {ID: 1, AbstractSyntax: "1.2.840.10008.1.1", Result: pdu.ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2"},
		3: {ID: 3, AbstractSyntax: "1.2.840.10008.5.1.4.1.1.1", Result: pdu.ResultAbstractSyntaxRejected},
	}}

	pc, ok := FindAcceptablePC(a, "1.2.840.10008.1.1", nil)
	if !ok || pc.ID != 1 {
		t.Fatalf("expected to find context 1, got %+v, %v", pc, ok)
	}

	if _, ok := FindAcceptablePC(a, "1.2.840.10008.5.1.4.1.1.1", nil); ok {
		t.Error("rejected context should not be returned as acceptable")
	}

	if _, ok := FindAcceptablePC(a, "unknown", nil); ok {
		t.Error("unknown abstract syntax should not be found")
	}
}

func TestFindAcceptablePCCStorePrefersMatchingTransferSyntax(t *testing.T) {
	const ctStorage = "1.2.840.10008.5.1.4.1.1.2"
	a := &Association{PresentationCtxs: map[byte]*PresentationContext{
		1: {ID: 1, AbstractSyntax: ctStorage, Result: pdu.ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2.1"},
		3: {ID: 3, AbstractSyntax: ctStorage, Result: pdu.ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2"},
	}}

	msg := &types.Message{CommandField: types.CStoreRQ, AffectedSOPClassUID: ctStorage, TransferSyntaxUID: "1.2.840.10008.1.2"}
	pc, ok := FindAcceptablePC(a, ctStorage, msg)
	if !ok || pc.ID != 3 {
		t.Fatalf("expected context 3 (matching transfer syntax), got %+v, %v", pc, ok)
	}

	msg.TransferSyntaxUID = "1.2.840.10008.1.2.1"
	pc, ok = FindAcceptablePC(a, ctStorage, msg)
	if !ok || pc.ID != 1 {
		t.Fatalf("expected context 1 (matching transfer syntax), got %+v, %v", pc, ok)
	}

	// An unrecognized transfer syntax falls back to the first accepted context.
	msg.TransferSyntaxUID = "1.2.840.10008.1.2.4.70"
	pc, ok = FindAcceptablePC(a, ctStorage, msg)
	if !ok || pc.ID != 1 {
		t.Fatalf("expected fallback to context 1, got %+v, %v", pc, ok)
	}
}

func TestFindAcceptablePCFallsBackToExplicitContext(t *testing.T) {
	a := &Association{PresentationCtxs: map[byte]*PresentationContext{
		7: {ID: 7, AbstractSyntax: "1.2.840.10008.5.1.4.1.1.4", Result: pdu.ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2"},
	}}

	msg := &types.Message{CommandField: types.CStoreRQ, PresentationContextID: 7}
	pc, ok := FindAcceptablePC(a, "1.2.840.10008.5.1.4.1.1.99.unknown", msg)
	if !ok || pc.ID != 7 {
		t.Fatalf("expected explicit context 7, got %+v, %v", pc, ok)
	}
}

func TestFromAssociateAC(t *testing.T) {
	rq := &pdu.AssociateRQ{
		PresentationCtxs: []pdu.PresentationContextProposal{
			{ID: 1, AbstractSyntax: "1.2.840.10008.1.1"},
		},
	}
	ac := &pdu.AssociateAC{
		CalledAETitle:  "SCP",
		CallingAETitle: "SCU",
		PresentationCtxs: []pdu.PresentationContextResult{
			{ID: 1, Result: pdu.ResultAcceptance, TransferSyntax: "1.2.840.10008.1.2"},
		},
	}

	a := FromAssociateAC(rq, ac)
	pc, ok := a.PresentationCtxs[1], a.PresentationCtxs[1] != nil
	if !ok || pc.AbstractSyntax != "1.2.840.10008.1.1" {
		t.Errorf("expected context 1 abstract syntax carried over, got %+v", pc)
	}
}
