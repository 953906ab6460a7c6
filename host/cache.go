package host

import (
	"sort"
	"sync"

	"nwscript/jit"
	"nwscript/vm"
)

// ScriptSource resolves a script name to a loadable image, e.g. a
// resource manager reading a module's compiled-script store and
// decoding it into a *vm.Image. The concrete bytecode container format
// a source parses is its own concern; the cache calls ReadScript only
// on a miss and never inspects the bytes itself.
type ScriptSource interface {
	ReadScript(name string) (*vm.Image, bool)
}

// cacheEntry pairs a script's parsed image with its optional compiled
// program. Program starts nil and is filled in by
// SetProgram the first time Driver.RunScript successfully compiles the
// script; a script the JIT can never handle simply keeps Program nil
// forever and always falls back to the interpreter.
type cacheEntry struct {
	Image   *vm.Image
	Program jit.Program
}

// ScriptCache is the resref-keyed script cache: once a name is parsed
// into a *vm.Image, it stays resident until explicitly cleared.
// Eviction is never automatic — an LRU would silently drop an entry a
// deferred continuation still expects to find, so this is a plain
// mutex-guarded map rather than a bounded cache.
type ScriptCache struct {
	mu      sync.Mutex
	source  ScriptSource
	entries map[string]*cacheEntry
}

// NewScriptCache constructs an empty cache backed by source.
func NewScriptCache(source ScriptSource) *ScriptCache {
	return &ScriptCache{source: source, entries: make(map[string]*cacheEntry)}
}

// Load returns the parsed image for name, parsing and caching it on
// first use. ok is false if source has no script by that name.
func (c *ScriptCache) Load(name string) (*vm.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[name]; ok {
		return e.Image, true
	}
	img, ok := c.source.ReadScript(name)
	if !ok {
		return nil, false
	}
	c.entries[name] = &cacheEntry{Image: img}
	return img, true
}

// Program returns the JIT program cached for name, if Generate has
// already succeeded for it once. ok is false for a name not yet loaded
// or one that has no compiled program (never attempted, or the attempt
// failed and the driver fell back to the interpreter).
func (c *ScriptCache) Program(name string) (jit.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok || e.Program == nil {
		return nil, false
	}
	return e.Program, true
}

// SetProgram attaches a compiled JIT program to name's already-resident
// entry, so every subsequent run reuses both image and program. Calling
// it for a name not yet Load-ed is a no-op; Load always runs before a
// program can exist for it.
func (c *ScriptCache) SetProgram(name string, p jit.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		e.Program = p
	}
}

// Programs returns a snapshot of every resident compiled program, for a
// caller that needs to release back-end resources (Engine.DeleteProgram)
// before Clear drops the entries that reference them.
func (c *ScriptCache) Programs() map[string]jit.Program {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]jit.Program, len(c.entries))
	for name, e := range c.entries {
		if e.Program != nil {
			out[name] = e.Program
		}
	}
	return out
}

// Clear empties the cache. Calling it twice in a row is equivalent to
// calling it once.
func (c *ScriptCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Names returns the currently cached script names in byte-wise
// lexicographic order, for diagnostics and deterministic iteration.
func (c *ScriptCache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
