// Package action implements the action-service dispatch ABI: the
// registry of callable host actions, the slow (per-argument) and fast
// (batched command array) calling conventions, neutral strings, and
// intrinsic promotion for a whitelisted set of actions.
package action

import "nwscript/vm"

// Def is one action registry record: id, name, return type, parameter
// types, and the minimum argument count. ParameterTypes may
// contain vm.TagVector entries (a vector parameter occupies three
// adjacent float cells at the ABI boundary, never a single cell) and
// vm.TagEngineStruct entries, whose slot index is given by the matching
// position in EngineStructSlots.
type Def struct {
	ID                uint16
	Name              string
	HasReturn         bool
	ReturnType        vm.Tag
	ReturnEngineSlot  uint8
	ParameterTypes    []vm.Tag
	EngineStructSlots []uint8
	MinParameters     int
}

// Table is the action registry: a dense array indexed by action ID. The
// ordinal space is open-ended, so an ID outside the registered range
// reports UnknownAction rather than panicking or indexing out of
// bounds.
type Table struct {
	defs []*Def
}

// NewTable constructs an empty registry.
func NewTable() *Table {
	return &Table{}
}

// Register adds or replaces the definition at def.ID, growing the
// backing array as needed.
func (t *Table) Register(def Def) {
	id := int(def.ID)
	if id >= len(t.defs) {
		grown := make([]*Def, id+1)
		copy(grown, t.defs)
		t.defs = grown
	}
	d := def
	t.defs[id] = &d
}

// Lookup returns the definition for id, or ok=false if id is outside the
// registered range or was never registered.
func (t *Table) Lookup(id uint16) (Def, bool) {
	if int(id) >= len(t.defs) || t.defs[id] == nil {
		return Def{}, false
	}
	return *t.defs[id], true
}

// Len reports one past the highest registered action ID, for iteration
// or diagnostics.
func (t *Table) Len() int { return len(t.defs) }

// ByName linear-scans the registry for a def called name. The action
// table is small and built once at startup, so this trades a name index
// for simplicity; callers needing repeated by-name lookups (jit/managed's
// host binding) should build their own map once from the result of
// iterating IDs 0..Len().
func (t *Table) ByName(name string) (Def, bool) {
	for _, d := range t.defs {
		if d != nil && d.Name == name {
			return *d, true
		}
	}
	return Def{}, false
}
