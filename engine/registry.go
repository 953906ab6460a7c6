// Package engine implements the engine structure registry: minting and
// comparing opaque host-defined handles across the 10 type slots a
// script may reference.
package engine

import (
	"fmt"

	"github.com/google/uuid"

	"nwscript/vm"
)

// EqualFunc compares two handles of the same engine structure type for
// logical equality, beyond the trivial "same ID" case (e.g. a location
// type comparing position/orientation rather than identity). A type slot
// with no registered EqualFunc falls back to comparing IDs only.
type EqualFunc func(a, b vm.EngineStructHandle) bool

// Registry mints and tracks handles for up to vm.NumEngineStructSlots
// engine structure types. The VM never looks inside a handle; everything
// beyond Type+ID is host state kept here, keyed by the handle's ID.
type Registry struct {
	equal   [vm.NumEngineStructSlots]EqualFunc
	payload [vm.NumEngineStructSlots]map[[16]byte]any
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.payload {
		r.payload[i] = make(map[[16]byte]any)
	}
	return r
}

// SetEqual registers the equality comparator for typeIndex. Passing nil
// reverts to ID-only comparison.
func (r *Registry) SetEqual(typeIndex uint8, fn EqualFunc) {
	r.checkSlot(typeIndex)
	r.equal[typeIndex] = fn
}

// Create mints a new handle of typeIndex carrying payload as its
// host-side state, implementing vm.ActionHost.CreateEngineStructure's
// contract for a host that delegates to this registry.
func (r *Registry) Create(typeIndex uint8, payload any) (vm.EngineStructHandle, error) {
	r.checkSlot(typeIndex)
	h := vm.EngineStructHandle{Type: typeIndex, ID: uuid.New()}
	r.payload[typeIndex][h.ID] = payload
	return h, nil
}

// CreateEngineStructure implements vm.ActionHost with a nil payload; use
// Create directly when a handler needs to stash host state behind the
// handle (e.g. package host wiring a location or effect table).
func (r *Registry) CreateEngineStructure(typeIndex uint8) (vm.EngineStructHandle, error) {
	if typeIndex >= vm.NumEngineStructSlots {
		return vm.EngineStructHandle{}, fmt.Errorf("%w: engine structure type %d out of range", vm.ErrMalformed, typeIndex)
	}
	return r.Create(typeIndex, nil)
}

// Payload returns the host state stashed behind h, or ok=false if h was
// never minted by this registry (a stale handle from a deleted script
// image, or a zero-value handle).
func (r *Registry) Payload(h vm.EngineStructHandle) (any, bool) {
	if h.Type >= vm.NumEngineStructSlots {
		return nil, false
	}
	p, ok := r.payload[h.Type][h.ID]
	return p, ok
}

// Delete forgets h's host-side payload. The handle itself remains a
// valid zero-payload reference if a script still holds a copy; scripts
// never get a "use after delete" VM error for engine structures, since
// the VM treats them as opaque bytes.
func (r *Registry) Delete(h vm.EngineStructHandle) {
	if h.Type >= vm.NumEngineStructSlots {
		return
	}
	delete(r.payload[h.Type], h.ID)
}

// Equal compares a and b per typeIndex's registered comparator, falling
// back to ID equality when none is registered. Two handles of different
// types, or handles whose type index is out of range, are never equal.
func (r *Registry) Equal(a, b vm.EngineStructHandle) bool {
	if a.Type != b.Type || a.Type >= vm.NumEngineStructSlots {
		return false
	}
	if fn := r.equal[a.Type]; fn != nil {
		return fn(a, b)
	}
	return a.ID == b.ID
}

func (r *Registry) checkSlot(typeIndex uint8) {
	if typeIndex >= vm.NumEngineStructSlots {
		panic(fmt.Sprintf("engine: type index %d out of range", typeIndex))
	}
}
