// Package client provides a thin, ergonomic SCU wrapper around package
// engine: Connect dials a peer, negotiates presentation contexts and
// hands back an Association whose SendCEcho/SendCFind/SendCMove/SendCGet/
// SendCStore/SendCCancel methods drive one DIMSE exchange at a time over
// the negotiated association.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	cfgpkg "github.com/0xLigety/fo-dicom/config"
	"github.com/0xLigety/fo-dicom/engine"
	"github.com/0xLigety/fo-dicom/pdu"
	"github.com/0xLigety/fo-dicom/types"

	"github.com/sirupsen/logrus"
)

// Config holds client configuration.
type Config struct {
	CallingAETitle            string
	CalledAETitle             string
	MaxPDULength              uint32
	ConnectTimeout            time.Duration // default: 30s
	Logger                    *logrus.Entry
	PreferredTransferSyntaxes []string // default: Explicit VR, Implicit VR

	// AbstractSyntaxes lists the additional SOP classes this association
	// should propose beyond Verification, Study Root FIND/MOVE/GET
	// (always proposed so SendCEcho/SendCFind/SendCMove/SendCGet work out
	// of the box).
	AbstractSyntaxes []string

	// OnCStore, when set, lets this association accept incoming
	// C-STORE-RQs pushed by the peer on the SAME association (the
	// sub-operations of a C-GET this side issued).
	OnCStore func(ctx context.Context, req *engine.Request) (uint16, error)
	// OnCCancel, when set, is notified if the peer issues a C-CANCEL-RQ
	// against a streaming operation this side is running as an SCP for.
	OnCCancel func(c *engine.Conn, messageID uint16)
}

var defaultAbstractSyntaxes = []string{
	types.VerificationSOPClass,
	types.StudyRootQueryRetrieveInformationModelFind,
	types.StudyRootQueryRetrieveInformationModelMove,
	types.StudyRootQueryRetrieveInformationModelGet,
}

// Association is a negotiated client-side DICOM association.
type Association struct {
	conn   *engine.Conn
	runErr chan error
}

// Connect dials address, negotiates an association and blocks until the
// peer's A-ASSOCIATE-AC (or -RJ) arrives.
func Connect(address string, config Config) (*Association, error) {
	if config.MaxPDULength == 0 {
		config.MaxPDULength = 16384
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	transferSyntaxes := config.PreferredTransferSyntaxes
	if len(transferSyntaxes) == 0 {
		transferSyntaxes = []string{types.ExplicitVRLittleEndian, types.ImplicitVRLittleEndian}
	}

	dialer := &net.Dialer{Timeout: config.ConnectTimeout}
	netConn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	abstractSyntaxes := append([]string{}, defaultAbstractSyntaxes...)
	abstractSyntaxes = append(abstractSyntaxes, config.AbstractSyntaxes...)

	var proposals []pdu.PresentationContextProposal
	id := byte(1)
	for _, as := range abstractSyntaxes {
		proposals = append(proposals, pdu.PresentationContextProposal{
			ID:               id,
			AbstractSyntax:   as,
			TransferSyntaxes: transferSyntaxes,
		})
		id += 2
	}

	handlers := engine.Handlers{OnCStore: config.OnCStore, OnCCancel: config.OnCCancel}
	engCfg := cfgpkg.Default()
	opts := engine.Options{Logger: config.Logger, Config: engCfg}

	conn := engine.NewClientConn(netConn, config.CallingAETitle, config.CalledAETitle, proposals, handlers, opts)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(context.Background()) }()

	deadline := time.Now().Add(config.ConnectTimeout)
	for conn.State() != engine.StateAssociated {
		select {
		case err := <-runErr:
			netConn.Close()
			if err == nil {
				return nil, fmt.Errorf("association ended before negotiation completed")
			}
			return nil, fmt.Errorf("association failed: %w", err)
		case <-ctx.Done():
			netConn.Close()
			return nil, fmt.Errorf("timed out negotiating association")
		default:
		}
		if time.Now().After(deadline) {
			netConn.Close()
			return nil, fmt.Errorf("timed out negotiating association")
		}
		time.Sleep(time.Millisecond)
	}

	return &Association{conn: conn, runErr: runErr}, nil
}

// Close performs an orderly release and waits for Run to return.
func (a *Association) Close() error {
	if err := a.conn.Release(); err != nil {
		return err
	}
	return <-a.runErr
}
