package services

import (
	"context"

	"github.com/0xLigety/fo-dicom/engine"
	"github.com/0xLigety/fo-dicom/interfaces"
	"github.com/0xLigety/fo-dicom/types"
)

// NewGetHandler returns an engine.Handlers.OnCGet implementation backed
// by store. Unlike C-MOVE, C-GET's sub-operations travel back over the
// SAME association (PS 3.7 C.4.3.1), via req.Conn.SendRequest — the SCU
// side must have set Config.OnCStore (package client) to accept them.
func NewGetHandler(store interfaces.DataStore) func(ctx context.Context, req *engine.Request, resp engine.Responder) (engine.SubOperationCounts, error) {
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

		for _, img := range images {
			counts.Remaining--

			dataset, sopClassUID, _, err := loadImageDataset(store, img.SOPInstanceUID)
			if err != nil {
				counts.Failed++
				if err := resp.SendProgress(types.StatusPending, counts); err != nil {
					return counts, err
				}
				continue
			}

			storeMsg := &types.Message{
				CommandField:           types.CStoreRQ,
				AffectedSOPClassUID:    sopClassUID,
				AffectedSOPInstanceUID: img.SOPInstanceUID,
				Priority:               0x0002,
			}
			stream, err := req.Conn.SendRequest(ctx, storeMsg, dataset)
			if err != nil {
				counts.Failed++
			} else if storeResp, ok := stream.Next(); !ok || storeResp.Message.Status != types.StatusSuccess {
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
