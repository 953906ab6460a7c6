package host_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nwscript/action"
	"nwscript/host"
	"nwscript/vm"
)

// mapSource is a trivial host.ScriptSource backed by a name->image map,
// standing in for a real module/resource-archive reader.
type mapSource map[string]*vm.Image

func (m mapSource) ReadScript(name string) (*vm.Image, bool) {
	img, ok := m[name]
	return img, ok
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

// Scenario 1: plain arithmetic, no actions involved.
func TestRunScriptArithmetic(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").ConstInt(7).ConstInt(6).Binary(vm.OpMul).Retn()
	img := &vm.Image{Reader: vm.NewReader("math", b.Bytes()), EntryPC: b.LabelPC("entry"), EntryHasReturn: true}

	d := host.NewBuiltinDriver(host.NewScriptCache(mapSource{"math": img}), vm.InvalidObjectID)
	ret, err := d.RunScript("math", vm.InvalidObjectID, nil, -1, 0)
	require.NoError(t, err)
	require.Equal(t, int32(42), ret)
}

// Scenario 2: DelayCommand registers a continuation on the pending
// list; the main loop arms it, and its timer rundown fires it only once
// its due time has passed, and not before.
func TestDelayCommandFiresAfterRundownNotBefore(t *testing.T) {
	buf := captureLogs(t)

	b := vm.NewBuilder()
	b.Label("entry").
		ConstFloat(1.5).
		SaveState("resume", 1, 0, 0).
		Action(action.ActionDelayCommand, 1).
		Retn()
	b.Label("resume").ConstString("hi").Action(action.ActionPrintString, 1).Retn()
	img := &vm.Image{Reader: vm.NewReader("delay", b.Bytes()), EntryPC: b.LabelPC("entry")}

	d := host.NewBuiltinDriver(host.NewScriptCache(mapSource{"delay": img}), vm.InvalidObjectID)
	_, err := d.RunScript("delay", vm.ObjectID(7), nil, 0, 0)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, d.HasPendingDeferred())
	require.True(t, d.InitiatePendingDeferredScriptSituations(base))

	// Nothing due yet: the rundown fires nothing and reports the wait
	// to the deferral's 1.5s due point.
	next, ok := d.RundownTimers(base)
	require.True(t, ok)
	require.Equal(t, 1500*time.Millisecond, next)
	require.NotContains(t, buf.String(), "text=hi")

	// Past due: the continuation runs exactly once, and the wheel is
	// empty afterwards (the "∞" sentinel).
	_, ok = d.RundownTimers(base.Add(2 * time.Second))
	require.False(t, ok)
	require.Contains(t, buf.String(), "text=hi")

	// Arming an empty pending list is a reported no-op.
	require.False(t, d.InitiatePendingDeferredScriptSituations(base.Add(3*time.Second)))
}

// A deferral whose subject object has been destroyed by the time its
// timer fires is silently discarded (there is no cancel API; object
// destruction is the cancellation path).
func TestDeferredActionDiscardedForDestroyedObject(t *testing.T) {
	buf := captureLogs(t)

	b := vm.NewBuilder()
	b.Label("entry").
		ConstFloat(0.5).
		SaveState("resume", 1, 0, 0).
		Action(action.ActionDelayCommand, 1).
		Retn()
	b.Label("resume").ConstString("ghost").Action(action.ActionPrintString, 1).Retn()
	img := &vm.Image{Reader: vm.NewReader("doomed", b.Bytes()), EntryPC: b.LabelPC("entry")}

	d := host.NewBuiltinDriver(host.NewScriptCache(mapSource{"doomed": img}), vm.InvalidObjectID)
	d.SetObjectValidator(func(id vm.ObjectID) bool { return id != vm.ObjectID(13) })

	_, err := d.RunScript("doomed", vm.ObjectID(13), nil, 0, 0)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, d.InitiatePendingDeferredScriptSituations(base))
	_, ok := d.RundownTimers(base.Add(time.Second))
	require.False(t, ok)
	require.NotContains(t, buf.String(), "ghost")
}

// Scenario 3: re-entrancy. Script A calls ExecuteScript("B", oTarget); B
// runs to completion as its own instance before control returns to A.
func TestExecuteScriptReentrancy(t *testing.T) {
	buf := captureLogs(t)

	bB := vm.NewBuilder()
	bB.Label("entry").ConstString("B").Action(action.ActionPrintString, 1).Retn()
	imgB := &vm.Image{Reader: vm.NewReader("b", bB.Bytes()), EntryPC: bB.LabelPC("entry")}

	bA := vm.NewBuilder()
	bA.Label("entry").
		ConstObject(99).
		ConstString("b").
		Action(action.ActionExecuteScript, 2).
		ConstString("A").
		Action(action.ActionPrintString, 1).
		Retn()
	imgA := &vm.Image{Reader: vm.NewReader("a", bA.Bytes()), EntryPC: bA.LabelPC("entry")}

	d := host.NewBuiltinDriver(host.NewScriptCache(mapSource{"a": imgA, "b": imgB}), vm.InvalidObjectID)
	_, err := d.RunScript("a", vm.ObjectID(1), nil, 0, 0)
	require.NoError(t, err)

	out := buf.String()
	bIdx := strings.Index(out, "text=B")
	aIdx := strings.Index(out, "text=A")
	require.NotEqual(t, -1, bIdx)
	require.NotEqual(t, -1, aIdx)
	require.Less(t, bIdx, aIdx, "B must print before A resumes after the nested ExecuteScript call returns")
}

// Scenario 3's globals half: B mutates its own global during a nested
// ExecuteScript; the outer script's globals are untouched, because a
// nested invocation runs against its own program instance.
func TestNestedExecuteScriptDoesNotTouchCallerGlobals(t *testing.T) {
	buf := captureLogs(t)

	bB := vm.NewBuilder()
	bB.Label("entry").
		ConstInt(9).
		CPDownBP(0).
		Action(action.ActionIntToString, 1).
		Action(action.ActionPrintString, 1).
		Retn()
	imgB := &vm.Image{Reader: vm.NewReader("b", bB.Bytes()), EntryPC: bB.LabelPC("entry"), NumGlobals: 1}

	bA := vm.NewBuilder()
	bA.Label("entry").
		ConstObject(99).
		ConstString("b").
		Action(action.ActionExecuteScript, 2).
		CPTopBP(0).
		Action(action.ActionIntToString, 1).
		Action(action.ActionPrintString, 1).
		Retn()
	imgA := &vm.Image{Reader: vm.NewReader("a", bA.Bytes()), EntryPC: bA.LabelPC("entry"), NumGlobals: 1}

	d := host.NewBuiltinDriver(host.NewScriptCache(mapSource{"a": imgA, "b": imgB}), vm.InvalidObjectID)
	_, err := d.RunScript("a", vm.ObjectID(1), nil, 0, 0)
	require.NoError(t, err)

	out := buf.String()
	nineIdx := strings.Index(out, "text=9")
	zeroIdx := strings.Index(out, "text=0")
	require.NotEqual(t, -1, nineIdx, "B must print its mutated global")
	require.NotEqual(t, -1, zeroIdx, "A's global must still be its default after the nested call")
	require.Less(t, nineIdx, zeroIdx)
}

// Scenario 4: an action handler failure aborts the script with the
// caller's default return code, and the driver does not panic.
func TestRunScriptAbortOnActionFailure(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").ConstFloat(1).Action(action.ActionDelayCommand, 1).Retn()
	img := &vm.Image{Reader: vm.NewReader("bad", b.Bytes()), EntryPC: b.LabelPC("entry")}

	d := host.NewBuiltinDriver(host.NewScriptCache(mapSource{"bad": img}), vm.InvalidObjectID)
	ret, err := d.RunScript("bad", vm.InvalidObjectID, nil, -7, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, vm.ErrActionFailed)
	require.Equal(t, int32(-7), ret)
}

// Scenario 5: a continuation round-trips through push_script_situation/
// pop_script_situation and resumes identically.
func TestContinuationPushPopRoundTrip(t *testing.T) {
	buf := captureLogs(t)

	b := vm.NewBuilder()
	b.Label("entry").
		ConstString("ok").
		ConstInt(3).
		SaveState("resume", 1, 0, 2).
		ConstFloat(0).
		Action(action.ActionDelayCommand, 1).
		Retn()
	b.Label("resume").
		Action(action.ActionIntToString, 1).
		Action(action.ActionPrintString, 1).
		Retn()
	img := &vm.Image{Reader: vm.NewReader("save", b.Bytes()), EntryPC: b.LabelPC("entry")}

	var sink recordingSink
	d := action.NewBuiltinDispatcher(action.BuiltinConfig{Deferred: &sink})
	interp := vm.NewInterpreter(d, vm.InvalidObjectID)
	_, err := interp.ExecuteScript(img, vm.ObjectID(4), nil, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, sink.cont)

	captured := host.Capture("save", img, sink.cont)

	stack := vm.NewStack(0)
	require.NoError(t, captured.PushScriptSituation(stack))

	restored, err := host.PopScriptSituation(stack, "save", img,
		sink.cont.ResumeSubroutineID, sink.cont.ResumePC, sink.cont.CurrentSelf,
		0, 2, captured.Fingerprint)
	require.NoError(t, err)
	require.Equal(t, 0, stack.Depth())

	d2 := host.NewBuiltinDriver(host.NewScriptCache(mapSource{"save": img}), vm.InvalidObjectID)
	_, err = d2.RunScriptSituation(restored)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "text=3")
}

type recordingSink struct {
	cont *vm.Continuation
}

func (s *recordingSink) Defer(self vm.ObjectID, scriptName string, delaySeconds float32, cont *vm.Continuation) {
	s.cont = cont
}

// Scenario 6: an infinite loop trips the loop-iteration guard instead of
// hanging or crashing, and the driver returns the caller's default
// return value.
func TestRunScriptLoopGuard(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("loop").Jmp("loop")
	img := &vm.Image{Reader: vm.NewReader("loop", b.Bytes()), EntryPC: b.LabelPC("loop")}

	d := host.NewBuiltinDriver(host.NewScriptCache(mapSource{"loop": img}), vm.InvalidObjectID)
	ret, err := d.RunScript("loop", vm.InvalidObjectID, nil, -99, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, vm.ErrLoopIterationsExceed)
	require.Equal(t, int32(-99), ret)
}

func TestClearScriptCacheIdempotent(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").ConstInt(1).Retn()
	img := &vm.Image{Reader: vm.NewReader("one", b.Bytes()), EntryPC: b.LabelPC("entry"), EntryHasReturn: true}

	cache := host.NewScriptCache(mapSource{"one": img})
	d := host.NewBuiltinDriver(cache, vm.InvalidObjectID)
	_, err := d.RunScript("one", vm.InvalidObjectID, nil, 0, 0)
	require.NoError(t, err)

	d.ClearScriptCache()
	d.ClearScriptCache()
	require.Empty(t, cache.Names())
}
