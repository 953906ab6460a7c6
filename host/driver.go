// Package host implements the script host driver: the resref-keyed
// script cache, the DelayCommand/AssignCommand deferred-action sinks,
// and the main-loop protocol (run a script, arm pending deferrals, run
// down timers, sleep until the next one is due).
package host

import (
	"errors"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"nwscript/action"
	"nwscript/ir"
	"nwscript/jit"
	"nwscript/jit/managed"
	"nwscript/timer"
	"nwscript/vm"
)

// minDeferDelay floors a DelayCommand/AssignCommand's schedule: a delay
// below one millisecond is clamped up to it rather than scheduling an
// effectively-immediate or, worse, backwards-in-time entry.
const minDeferDelay = time.Millisecond

// deferredAction is one registered DelayCommand/AssignCommand: a
// captured continuation waiting first on the pending list (until the
// main loop reaches InitiatePendingDeferredScriptSituations) and then
// on an armed timer. The timer handle is owned by this record and is
// consumed when the continuation runs.
type deferredAction struct {
	self  vm.ObjectID
	cont  *Continuation
	delay time.Duration
	timer *timer.Timer
}

// Driver coordinates a script cache, an action dispatcher, and a
// deferred-action wheel into the host's main-loop protocol. It
// implements action.Printer, action.DeferredSink, and
// action.ScriptLoader so the action table it drives can reach back into
// it without package action importing package host.
type Driver struct {
	cache      *ScriptCache
	dispatcher *action.Dispatcher
	wheel      *timer.Wheel
	invalid    vm.ObjectID

	// engine is the JIT back-end RunScript asks to generate and run a
	// compiled Program before falling back to the bytecode interpreter.
	// nil disables JIT use entirely and runs every script through
	// vm.Interpreter.
	engine jit.Engine

	// pending holds deferrals registered during the current script run,
	// in FIFO order. They are not yet on the wheel: a zero-delay
	// repeat-timer script must not be able to starve the main loop by
	// becoming due before the loop finishes the run that queued it.
	pending []*deferredAction

	// objectValid, when set, is consulted as each deferral's timer
	// fires: a deferred action whose subject object has been destroyed
	// is silently discarded rather than run. nil treats every object as
	// alive.
	objectValid func(vm.ObjectID) bool
}

// NewDriver constructs a Driver. cache supplies script images;
// dispatcher is the action table this driver's scripts call into
// (wiring Printer/DeferredSink/ScriptLoader back to this Driver is the
// caller's responsibility — see NewBuiltinDriver for the common case).
// engine may be nil to disable JIT compilation and always interpret.
func NewDriver(cache *ScriptCache, dispatcher *action.Dispatcher, invalid vm.ObjectID, engine jit.Engine) *Driver {
	return &Driver{
		cache:      cache,
		dispatcher: dispatcher,
		wheel:      timer.NewWheel(),
		invalid:    invalid,
		engine:     engine,
	}
}

// NewBuiltinDriver constructs a Driver wired against
// action.NewBuiltinDispatcher's example action table, with this Driver
// supplying Printer/DeferredSink/ScriptLoader, and jit/managed's
// goja-backed Engine as its JIT back-end (the only one this repository
// ships; a host linking a real compiling back-end would pass it to
// NewDriver instead).
func NewBuiltinDriver(cache *ScriptCache, invalid vm.ObjectID) *Driver {
	d := &Driver{
		cache:   cache,
		wheel:   timer.NewWheel(),
		invalid: invalid,
		engine:  managed.New(),
	}
	d.dispatcher = action.NewBuiltinDispatcher(action.BuiltinConfig{
		Printer:  d,
		Deferred: d,
		Loader:   d,
	})
	return d
}

// SetObjectValidator installs the liveness check consulted before a
// deferred continuation runs. Passing nil reverts to treating every
// object as alive.
func (d *Driver) SetObjectValidator(fn func(vm.ObjectID) bool) {
	d.objectValid = fn
}

// RunScript loads name from the cache, executes it, and logs the
// outcome. A script that fails to load returns defaultReturn and a
// non-nil error; an aborted script (action failure, loop guard,
// call-depth guard) is logged and its default return code is surfaced
// to the caller, so a main loop can log the failure and continue to the
// next script.
//
// A cache miss first asks the configured JIT engine to generate code
// for name, tolerating any failure (signature detection, IR analysis,
// or Generate itself) by falling back to the bytecode interpreter. A
// successfully generated program is reused on later runs of name; a
// failed generation is not remembered, so every run of a script whose
// generation failed tries the JIT again before interpreting it.
func (d *Driver) RunScript(name string, self vm.ObjectID, params []string, defaultReturn int32, flags vm.RunFlags) (int32, error) {
	img, ok := d.cache.Load(name)
	if !ok {
		return defaultReturn, errors.New("host: script " + name + " not found")
	}

	prevName := d.dispatcher.CurrentScriptName
	d.dispatcher.CurrentScriptName = name
	defer func() { d.dispatcher.CurrentScriptName = prevName }()
	defer pauseGC()()

	if prog, ok := d.compiledProgram(name, img, flags); ok {
		ret, err := d.engine.ExecuteScript(prog, d.dispatcher, self, params, defaultReturn, flags)
		if err != nil {
			slog.Warn("nwscript: script aborted", "script", name, "engine", d.engine.Name(), "error", err)
			return defaultReturn, err
		}
		return ret, nil
	}

	interp := vm.NewInterpreter(d.dispatcher, d.invalid)
	ret, err := interp.ExecuteScript(img, self, params, defaultReturn, flags)
	if err != nil {
		slog.Warn("nwscript: script aborted", "script", name, "error", err)
		return defaultReturn, err
	}
	return ret, nil
}

// compiledProgram returns name's cached JIT program, generating and
// caching it on first use. It reports ok=false whenever no engine is
// configured, the image cannot be analyzed, or Generate itself rejects
// the result; every one of those falls back to the bytecode interpreter
// instead of failing the run outright. A script recognized by
// managed.Detect skips ir.Analyze entirely (see ir.IR.Source), matching
// jit/managed's Engine.Generate, which only ever accepts signature-
// detected source and never compiles bytecode IR itself.
func (d *Driver) compiledProgram(name string, img *vm.Image, flags vm.RunFlags) (jit.Program, bool) {
	if d.engine == nil {
		return nil, false
	}
	if prog, ok := d.cache.Program(name); ok {
		return prog, true
	}

	var program *ir.IR
	if src, ok := managed.Detect(img.Reader.Bytes()); ok {
		program = &ir.IR{EntryPC: img.EntryPC, Source: src}
	} else {
		analyzed, err := ir.Analyze(img.Reader, img.EntryPC, 0, d.dispatcher.Table())
		if err != nil {
			slog.Warn("nwscript: ir analysis failed, falling back to interpreter", "script", name, "error", err)
			return nil, false
		}
		program = analyzed
	}

	prog, err := d.engine.Generate(program, d.dispatcher.Table(), 0, int(flags))
	if err != nil {
		slog.Warn("nwscript: jit generation failed, falling back to interpreter", "script", name, "engine", d.engine.Name(), "error", err)
		return nil, false
	}
	d.cache.SetProgram(name, prog)
	return prog, true
}

// pauseGC disables the garbage collector for the duration of a single
// top-level script run and returns a closure that restores whatever
// GOGC percentage was previously in effect. Instruction dispatch is a
// tight loop of small allocations; a GC pass mid-script is pure
// overhead.
func pauseGC() func() {
	key, ok := os.LookupEnv("GOGC")
	if !ok {
		key = "100"
	}
	prev, err := strconv.Atoi(key)
	if err != nil {
		prev = 100
	}
	debug.SetGCPercent(-1)
	return func() { debug.SetGCPercent(prev) }
}

// RunScriptSituation resumes cont against the image it was captured
// from, verified by fingerprint (see continuation.go).
func (d *Driver) RunScriptSituation(cont *Continuation) (int32, error) {
	img, ok := d.cache.Load(cont.ScriptName)
	if !ok {
		return 0, errors.New("host: script " + cont.ScriptName + " not found for resumption")
	}
	if fingerprintImage(img) != cont.Fingerprint {
		return 0, errors.New("host: continuation fingerprint mismatch for script " + cont.ScriptName)
	}

	prevName := d.dispatcher.CurrentScriptName
	d.dispatcher.CurrentScriptName = cont.ScriptName
	defer func() { d.dispatcher.CurrentScriptName = prevName }()

	interp := vm.NewInterpreter(d.dispatcher, d.invalid)
	ret, err := interp.ExecuteScriptSituation(img, cont.VM)
	if err != nil {
		slog.Warn("nwscript: resumed script aborted", "script", cont.ScriptName, "error", err)
		return 0, err
	}
	return ret, nil
}

// InitiatePendingDeferredScriptSituations promotes everything on the
// pending list onto the armed wheel, in FIFO registration order, each
// timed from now. It returns false — and changes nothing — when the
// pending list is empty.
func (d *Driver) InitiatePendingDeferredScriptSituations(now time.Time) bool {
	if len(d.pending) == 0 {
		return false
	}
	for _, da := range d.pending {
		da.timer = d.wheel.Create(d.fireDeferred, da, nil)
		d.wheel.SetPeriod(da.timer, da.delay, now)
	}
	d.pending = nil
	return true
}

// fireDeferred is the timer callback for one armed deferral: it checks
// the subject object is still alive and resumes the continuation. A
// dead subject discards the deferral silently — there is no
// per-deferral cancel API; object destruction is the cancellation path.
func (d *Driver) fireDeferred(ctx1, _ any) {
	da := ctx1.(*deferredAction)
	if d.objectValid != nil && !d.objectValid(da.self) {
		slog.Debug("nwscript: discarding deferred action for destroyed object",
			"script", da.cont.ScriptName, "self", da.self)
		return
	}
	if _, err := d.RunScriptSituation(da.cont); err != nil {
		slog.Warn("nwscript: deferred script situation failed", "script", da.cont.ScriptName, "error", err)
	}
}

// RundownTimers fires every armed deferral due at or before now, in due
// order, and returns the interval to the next-armed timer. ok=false is
// the "no timers remain" sentinel. Deferrals registered by the
// continuations that just ran are on the pending list, not the wheel,
// so they cannot extend the current rundown.
func (d *Driver) RundownTimers(now time.Time) (next time.Duration, ok bool) {
	return d.wheel.Rundown(now)
}

// HasPendingDeferred reports whether any deferral is waiting to be
// armed by the next InitiatePendingDeferredScriptSituations call.
func (d *Driver) HasPendingDeferred() bool { return len(d.pending) > 0 }

// NextDeferredDue reports the due time of the earliest armed deferral,
// or ok=false if the wheel is empty. Pending-but-unarmed deferrals have
// no due time yet; arm them first.
func (d *Driver) NextDeferredDue() (due time.Time, ok bool) {
	return d.wheel.Peek()
}

// ClearScriptCache drops every cached script. Calling it twice is
// equivalent to calling it once. Any resident JIT program is released
// through the engine that generated it before its cache entry is
// dropped.
func (d *Driver) ClearScriptCache() {
	if d.engine != nil {
		for _, p := range d.cache.Programs() {
			d.engine.DeleteProgram(p)
		}
	}
	d.cache.Clear()
}

// Names reports the resrefs currently resident in the script cache, for
// an operator console's "cache" inspection command.
func (d *Driver) Names() []string {
	return d.cache.Names()
}

// Print implements action.Printer.
func (d *Driver) Print(s string) {
	slog.Info("nwscript: print", "text", s)
}

// Defer implements action.DeferredSink: it wraps cont with the
// originating image's fingerprint and places it on the pending list,
// after clamping delaySeconds to the one-millisecond floor (a
// DelayCommand(0.0f) or an AssignCommand's implicit zero delay must
// still run on a later main-loop tick, not be mistaken for already due).
func (d *Driver) Defer(self vm.ObjectID, scriptName string, delaySeconds float32, cont *vm.Continuation) {
	img, ok := d.cache.Load(scriptName)
	if !ok {
		slog.Warn("nwscript: DelayCommand/AssignCommand from unresolvable script", "script", scriptName)
		return
	}
	delay := time.Duration(delaySeconds * float32(time.Second))
	if delay < minDeferDelay {
		delay = minDeferDelay
	}
	d.pending = append(d.pending, &deferredAction{
		self:  self,
		cont:  Capture(scriptName, img, cont),
		delay: delay,
	})
}

// Load implements action.ScriptLoader.
func (d *Driver) Load(name string) (*vm.Image, bool) {
	return d.cache.Load(name)
}
