package services

import (
	"context"

	"github.com/0xLigety/fo-dicom/engine"
	"github.com/0xLigety/fo-dicom/interfaces"
	"github.com/0xLigety/fo-dicom/types"
)

// NewFindHandler returns an engine.Handlers.OnCFind implementation
// backed by store, answering Study Root C-FIND queries. Only STUDY-level
// queries are matched; other query levels return Success with no
// matches, the same behavior a real SCP shows for a level it doesn't
// index.
func NewFindHandler(store interfaces.DataStore) func(ctx context.Context, req *engine.Request, resp engine.Responder) error {
	return func(ctx context.Context, req *engine.Request, resp engine.Responder) error {
		query, err := parseQueryRequest(req.Dataset, req.TransferSyntaxUID)
		if err != nil {
			return err
		}
		if query.Level != types.QueryLevelStudy {
			return nil
		}

		studies, err := store.FindStudies(query)
		if err != nil {
			return err
		}

		for _, study := range studies {
			identifier, err := studyResultDataset(study, req.TransferSyntaxUID)
			if err != nil {
				return err
			}
			if err := resp.SendPending(types.StatusPending, identifier); err != nil {
				return err
			}
		}
		return nil
	}
}
