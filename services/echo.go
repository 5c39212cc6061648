// Package services provides reference DIMSE service handlers built
// against package engine's Handlers capability struct: a stateless
// C-ECHO responder, a DataStore-backed C-FIND/C-MOVE/C-GET query/
// retrieve trio, and a C-STORE handler, plus Builder to assemble a
// subset of them into an engine.Handlers value.
package services

import (
	"context"

	"github.com/0xLigety/fo-dicom/engine"
	"github.com/0xLigety/fo-dicom/types"
)

// NewEchoHandler returns an engine.Handlers.OnCEcho implementation. C-ECHO
// is a pure liveness check (PS 3.4 Annex A): the handler does no work
// beyond answering Success.
func NewEchoHandler() func(ctx context.Context, req *engine.Request) (uint16, error) {
	return func(ctx context.Context, req *engine.Request) (uint16, error) {
		return types.StatusSuccess, nil
	}
}
