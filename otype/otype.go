// Package otype defines the operation-transform boundary the Facade
// Document applies optimistic ops through. The transform algebra itself
// is a pluggable concern the core never implements; this package only
// fixes the interface shape and, for testability, ships one concrete
// implementation backed by RFC 6902 JSON Patch.
package otype

import (
	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Type applies an opaque op to document data and returns the resulting
// data. Implementations must be safe to call from a single goroutine at a
// time (the Facade Document never calls Apply concurrently on the same
// document).
type Type interface {
	// Apply returns the data that results from applying op to data. An
	// error leaves the caller's copy of data untouched.
	Apply(data []byte, op []byte) ([]byte, error)

	// Idempotent reports whether re-applying the same op to data already
	// mutated by it is safe. The Facade Document does not consult it: it
	// always suppresses re-apply of ops its own tab originated.
	Idempotent() bool
}

// JSONPatch is the default Type: ops are RFC 6902 JSON Patch documents
// (a JSON array of {op, path, value} operations), applied with
// evanphx/json-patch. JSON Patch's add/remove operations are not
// idempotent under reapplication, so Idempotent reports false.
type JSONPatch struct{}

var _ Type = JSONPatch{}

// Apply decodes op as a JSON Patch and applies it to data.
func (JSONPatch) Apply(data []byte, op []byte) ([]byte, error) {
	patch, err := jsonpatch.DecodePatch(op)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	return patch.Apply(data)
}

// Idempotent is false: JSON Patch add/remove/move operations change
// behavior on reapplication, so facade.Document must suppress local
// re-apply of self-originated ops rather than rely on OT idempotence.
func (JSONPatch) Idempotent() bool { return false }

// Default is the Type used when a Facade Document is not configured with
// one explicitly.
var Default Type = JSONPatch{}
