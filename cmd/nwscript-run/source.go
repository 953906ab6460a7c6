package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"nwscript/vm"
)

// imageMeta is the sidecar JSON this CLI expects next to a compiled
// script's raw bytecode. The bytecode image's concrete container
// grammar belongs to the source compiler, so there is no canonical
// on-disk format to parse here; this is this project's own minimal
// envelope for the distinguished entry points a vm.Image needs.
type imageMeta struct {
	EntryPC        uint32 `json:"entry_pc"`
	GlobalsPC      uint32 `json:"globals_pc"`
	HasGlobalsPC   bool   `json:"has_globals_pc"`
	NumGlobals     uint16 `json:"num_globals"`
	EntryHasReturn bool   `json:"entry_has_return"`
}

// moduleSource resolves a script name against a directory of
// "<name>.ncs" raw bytecode files, each paired with a "<name>.ncs.json"
// metadata sidecar and an optional "<name>.ncs.sym" debug symbol blob.
type moduleSource struct {
	dir string
}

func newModuleSource(dir string) *moduleSource {
	return &moduleSource{dir: dir}
}

func (m *moduleSource) ReadScript(name string) (*vm.Image, bool) {
	base := filepath.Join(m.dir, name)
	raw, err := os.ReadFile(base + ".ncs")
	if err != nil {
		return nil, false
	}
	metaRaw, err := os.ReadFile(base + ".ncs.json")
	if err != nil {
		return nil, false
	}
	var meta imageMeta
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, false
	}

	reader := vm.NewReader(name, raw)
	if sym, err := os.ReadFile(base + ".ncs.sym"); err == nil {
		reader.LoadSymbols(sym)
	}

	return &vm.Image{
		Reader:         reader,
		EntryPC:        meta.EntryPC,
		GlobalsPC:      meta.GlobalsPC,
		HasGlobalsPC:   meta.HasGlobalsPC,
		NumGlobals:     meta.NumGlobals,
		EntryHasReturn: meta.EntryHasReturn,
	}, true
}

// searchPathSource checks --home, then --module, then --install, in
// that order, mirroring the override layering a real NWN install uses
// (a per-user home directory shadows the module, which shadows the base
// install). Empty directory names are skipped.
type searchPathSource struct {
	dirs []*moduleSource
}

func newSearchPathSource(home, module, install string) *searchPathSource {
	s := &searchPathSource{}
	for _, dir := range []string{home, module, install} {
		if dir != "" {
			s.dirs = append(s.dirs, newModuleSource(dir))
		}
	}
	return s
}

func (s *searchPathSource) ReadScript(name string) (*vm.Image, bool) {
	for _, d := range s.dirs {
		if img, ok := d.ReadScript(name); ok {
			return img, true
		}
	}
	return nil, false
}
