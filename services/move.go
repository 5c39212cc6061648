package services

import (
	"context"
	"fmt"

	"github.com/0xLigety/fo-dicom/client"
	"github.com/0xLigety/fo-dicom/engine"
	"github.com/0xLigety/fo-dicom/interfaces"
	"github.com/0xLigety/fo-dicom/types"
)

// AETitleResolver maps a called AE title to the network address an SCP
// should dial to reach it, the lookup a C-MOVE handler needs before it
// can open the separate association PS 3.7 C.4.2.1 requires it send
// matched instances over.
type AETitleResolver interface {
	Resolve(aeTitle string) (address string, ok bool)
}

// NewMoveHandler returns an engine.Handlers.OnCMove implementation
// backed by store: for every matching study it resolves destinationAE
// through resolver, opens a fresh association to it, and pushes each
// instance as a C-STORE-RQ. localAETitle is this SCP's own AE title,
// used as the calling AE on that outbound association.
func NewMoveHandler(store interfaces.DataStore, resolver AETitleResolver, localAETitle string) func(ctx context.Context, req *engine.Request, resp engine.Responder) (engine.SubOperationCounts, error) {
	return func(ctx context.Context, req *engine.Request, resp engine.Responder) (engine.SubOperationCounts, error) {
		var counts engine.SubOperationCounts

		query, err := parseQueryRequest(req.Dataset, req.TransferSyntaxUID)
		if err != nil {
			return counts, err
		}

		studies, err := store.FindStudies(query)
		if err != nil {
			return counts, err
		}

		var images []types.Image
		for _, study := range studies {
			for _, series := range study.Series {
				images = append(images, series.Images...)
			}
		}
		counts.Remaining = uint16(len(images))

		address, ok := resolver.Resolve(req.Message.MoveDestination)
		if !ok {
			return counts, fmt.Errorf("services: unknown move destination AE %q", req.Message.MoveDestination)
		}

		dest, err := client.Connect(address, client.Config{
			CallingAETitle: localAETitle,
			CalledAETitle:  req.Message.MoveDestination,
		})
		if err != nil {
			return counts, fmt.Errorf("services: connecting to move destination: %w", err)
		}
		defer dest.Close()

		for _, img := range images {
			counts.Remaining--

			dataset, sopClassUID, transferSyntaxUID, err := loadImageDataset(store, img.SOPInstanceUID)
			if err != nil {
				counts.Failed++
			} else if status, err := dest.SendCStore(ctx, sopClassUID, img.SOPInstanceUID, transferSyntaxUID, dataset); err != nil || status != types.StatusSuccess {
				counts.Failed++
			} else {
				counts.Completed++
			}

			if err := resp.SendProgress(types.StatusPending, counts); err != nil {
				return counts, err
			}
		}

		return counts, nil
	}
}

// loadImageDataset is a placeholder lookup a real deployment replaces
// with its own image store: interfaces.DataStore only models image
// metadata (GetImage), not the encoded pixel dataset a C-STORE needs to
// carry, since that storage format is deployment-specific.
func loadImageDataset(store interfaces.DataStore, sopInstanceUID string) (dataset []byte, sopClassUID, transferSyntaxUID string, err error) {
	img, err := store.GetImage(sopInstanceUID)
	if err != nil {
		return nil, "", "", err
	}
	_ = img
	return nil, "", "", fmt.Errorf("services: no encoded dataset available for SOP instance %s", sopInstanceUID)
}
