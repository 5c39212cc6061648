package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/0xLigety/fo-dicom/assoc"
	"github.com/0xLigety/fo-dicom/config"
	"github.com/0xLigety/fo-dicom/pdu"
	"github.com/0xLigety/fo-dicom/policy"
	"github.com/0xLigety/fo-dicom/types"
)

func verificationProposal(id byte) pdu.PresentationContextProposal {
	return pdu.PresentationContextProposal{
		ID:               id,
		AbstractSyntax:   types.VerificationSOPClass,
		TransferSyntaxes: []string{types.ImplicitVRLittleEndian},
	}
}

func allowVerification(t *testing.T) assoc.AbstractSyntaxPolicy {
	t.Helper()
	p, err := policy.NewAllowList(
		[]string{types.VerificationSOPClass},
		nil,
		[]string{types.ImplicitVRLittleEndian},
	)
	if err != nil {
		t.Fatalf("NewAllowList: %v", err)
	}
	return p
}

func TestConnEchoRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	echoCalled := make(chan struct{}, 1)
	server := NewServerConn(serverConn, "SERVER", allowVerification(t), Handlers{
		OnCEcho: func(ctx context.Context, req *Request) (uint16, error) {
			echoCalled <- struct{}{}
			return types.StatusSuccess, nil
		},
	}, Options{Config: config.Default()})

	client := NewClientConn(clientConn, "CLIENT", "SERVER", []pdu.PresentationContextProposal{verificationProposal(1)}, Handlers{}, Options{Config: config.Default()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- server.Run(ctx) }()

	clientErrCh := make(chan error, 1)
	go func() { clientErrCh <- client.Run(ctx) }()

	waitForAssociated(t, client)

	stream, err := client.SendRequest(ctx, &types.Message{
		CommandField:        types.CEchoRQ,
		AffectedSOPClassUID: types.VerificationSOPClass,
		Priority:            0x0002,
	}, nil)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	resp, ok := stream.Next()
	if !ok {
		t.Fatalf("expected a response")
	}
	if resp.Message.Status != types.StatusSuccess {
		t.Errorf("status = 0x%04x, want success", resp.Message.Status)
	}

	select {
	case <-echoCalled:
	case <-time.After(time.Second):
		t.Fatalf("OnCEcho was never invoked")
	}

	if err := client.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	select {
	case err := <-clientErrCh:
		if err != nil {
			t.Errorf("client.Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("client.Run did not return after release")
	}
	select {
	case err := <-serverErrCh:
		if err != nil {
			t.Errorf("server.Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server.Run did not return after release")
	}
}

func TestSendRequestSynthesizesSOPClassNotSupportedWithoutMatchingContext(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := NewServerConn(serverConn, "SERVER", allowVerification(t), Handlers{
		OnCEcho: func(ctx context.Context, req *Request) (uint16, error) {
			return types.StatusSuccess, nil
		},
	}, Options{Config: config.Default()})

	client := NewClientConn(clientConn, "CLIENT", "SERVER", []pdu.PresentationContextProposal{verificationProposal(1)}, Handlers{}, Options{Config: config.Default()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- server.Run(ctx) }()
	clientErrCh := make(chan error, 1)
	go func() { clientErrCh <- client.Run(ctx) }()

	waitForAssociated(t, client)

	const unnegotiatedSOPClass = "1.2.840.10008.5.1.4.1.1.2" // CT Image Storage, never proposed
	stream, err := client.SendRequest(ctx, &types.Message{
		CommandField:           types.CStoreRQ,
		AffectedSOPClassUID:    unnegotiatedSOPClass,
		AffectedSOPInstanceUID: "1.2.3.4.5",
		Priority:               0x0002,
	}, []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	resp, ok := stream.Next()
	if !ok {
		t.Fatalf("expected a synthesized response")
	}
	if resp.Message.Status != SOPClassNotSupportedStatus {
		t.Errorf("status = 0x%04x, want SOPClassNotSupportedStatus (0x%04x)", resp.Message.Status, SOPClassNotSupportedStatus)
	}

	// The association must still be usable: the synthesized response was
	// delivered locally, with no PDU sent to the peer over it.
	echoStream, err := client.SendRequest(ctx, &types.Message{
		CommandField:        types.CEchoRQ,
		AffectedSOPClassUID: types.VerificationSOPClass,
		Priority:            0x0002,
	}, nil)
	if err != nil {
		t.Fatalf("SendRequest (echo): %v", err)
	}
	echoResp, ok := echoStream.Next()
	if !ok || echoResp.Message.Status != types.StatusSuccess {
		t.Fatalf("expected a successful echo after synthesized negotiation failure, got resp=%+v ok=%v", echoResp, ok)
	}

	if err := client.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	<-clientErrCh
	<-serverErrCh
}

func TestConnAssociationRejectedByPolicy(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	restrictive, err := policy.NewAllowList([]string{"1.2.840.10008.5.1.4.1.1.2"}, nil, []string{types.ImplicitVRLittleEndian})
	if err != nil {
		t.Fatalf("NewAllowList: %v", err)
	}

	server := NewServerConn(serverConn, "SERVER", restrictive, Handlers{}, Options{Config: config.Default()})
	client := NewClientConn(clientConn, "CLIENT", "SERVER", []pdu.PresentationContextProposal{verificationProposal(1)}, Handlers{}, Options{Config: config.Default()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- server.Run(ctx) }()

	clientErrCh := make(chan error, 1)
	go func() { clientErrCh <- client.Run(ctx) }()

	if err := <-clientErrCh; err == nil {
		t.Errorf("expected client.Run to fail on rejected association")
	}
	<-serverErrCh
}

func TestAsyncOpsSlotUnboundedByDefault(t *testing.T) {
	c := newConn(nil, Options{Config: config.Default()})
	if c.asyncSem != nil {
		t.Fatalf("expected a nil (unbounded) async-ops semaphore by default, got capacity %d", cap(c.asyncSem))
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := c.acquireAsyncSlot(ctx); err != nil {
			t.Fatalf("acquireAsyncSlot %d: %v", i, err)
		}
	}
}

func TestAsyncOpsSlotBoundedWhenConfigured(t *testing.T) {
	c := newConn(nil, Options{Config: config.Default(), MaxAsyncOpsInvoked: 1})

	if err := c.acquireAsyncSlot(context.Background()); err != nil {
		t.Fatalf("first acquireAsyncSlot: %v", err)
	}

	blockedCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.acquireAsyncSlot(blockedCtx); err == nil {
		t.Fatal("expected second acquireAsyncSlot to block while the only slot is held")
	}

	c.releaseAsyncSlot()
	if err := c.acquireAsyncSlot(context.Background()); err != nil {
		t.Fatalf("acquireAsyncSlot after release: %v", err)
	}
}

func waitForAssociated(t *testing.T, c *Conn) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if c.State() == StateAssociated {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("connection never reached StateAssociated")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
