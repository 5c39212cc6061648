package services

import (
	"context"
	"fmt"

	"github.com/0xLigety/fo-dicom/engine"
	"github.com/0xLigety/fo-dicom/interfaces"
	"github.com/0xLigety/fo-dicom/types"
)

// NewStoreHandler returns an engine.Handlers.OnCStore implementation
// that records the stored instance's metadata in store. It reads the
// instance from req.File, which engine.Conn fills through its
// CStoreSinkProvider (a temp-file spool by default); a request without
// req.File is answered with Failure, and req.Dataset is not read.
func NewStoreHandler(store interfaces.DataStore) func(ctx context.Context, req *engine.Request) (uint16, error) {
	return func(ctx context.Context, req *engine.Request) (uint16, error) {
		if req.File == nil {
			return types.StatusFailure, fmt.Errorf("services: C-STORE request carried no spooled dataset")
		}

		img := types.Image{SOPInstanceUID: req.File.SOPInstanceUID}
		if err := store.StoreImage(&img); err != nil {
			return types.StatusFailure, fmt.Errorf("services: storing instance: %w", err)
		}

		return types.StatusSuccess, nil
	}
}
