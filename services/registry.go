package services

import (
	"github.com/0xLigety/fo-dicom/engine"
	"github.com/0xLigety/fo-dicom/interfaces"
)

// Registry assembles an engine.Handlers value from the reference
// handlers in this package, picking up whichever roles its fields are
// configured for. Where the pre-engine architecture dispatched by a
// runtime map of command field to handler, engine.Handlers already does
// that dispatch (see engine/dispatch.go); Registry's job is just
// wiring — building one Handlers value an engine.Conn can be constructed
// with.
type Registry struct {
	Store        interfaces.DataStore
	Resolver     AETitleResolver
	LocalAETitle string

	// EnableEcho, EnableFind, EnableMove, EnableGet and EnableStore select
	// which of the reference handlers Build wires in. All default false;
	// an empty Registry builds an engine.Handlers with every field nil.
	EnableEcho  bool
	EnableFind  bool
	EnableMove  bool
	EnableGet   bool
	EnableStore bool
}

// Build returns the engine.Handlers value described by r's fields.
func (r Registry) Build() engine.Handlers {
	var h engine.Handlers
	if r.EnableEcho {
		h.OnCEcho = NewEchoHandler()
	}
	if r.EnableFind {
		h.OnCFind = NewFindHandler(r.Store)
	}
	if r.EnableMove {
		h.OnCMove = NewMoveHandler(r.Store, r.Resolver, r.LocalAETitle)
	}
	if r.EnableGet {
		h.OnCGet = NewGetHandler(r.Store)
	}
	if r.EnableStore {
		h.OnCStore = NewStoreHandler(r.Store)
	}
	return h
}
