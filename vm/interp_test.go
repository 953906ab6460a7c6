package vm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type recordingHost struct {
	calls []string
	fail  bool
}

func (h *recordingHost) ExecuteAction(in *Interpreter, actionID uint16, argCount uint8) error {
	h.calls = append(h.calls, "action")
	if h.fail {
		in.AbortScript()
		return ErrActionFailed
	}
	for i := 0; i < int(argCount); i++ {
		if _, err := in.Stack().PopInt(); err != nil {
			return err
		}
	}
	return nil
}

func (h *recordingHost) CreateEngineStructure(typeIndex uint8) (EngineStructHandle, error) {
	return EngineStructHandle{Type: typeIndex}, nil
}

func simpleImage(b *Builder, entryHasReturn bool) *Image {
	return &Image{
		Reader:         NewReader("test", b.Bytes()),
		EntryPC:        0,
		EntryHasReturn: entryHasReturn,
	}
}

// TestArithmeticScenario runs the simplest possible entry point:
// `return 7 * 6;` with no actions involved.
func TestArithmeticScenario(t *testing.T) {
	b := NewBuilder()
	b.Label("entry").
		ConstInt(7).
		ConstInt(6).
		Binary(OpMul).
		Retn()

	host := &recordingHost{}
	interp := NewInterpreter(host, InvalidObjectID)
	img := simpleImage(b, true)

	ret, err := interp.ExecuteScript(img, InvalidObjectID, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int32(42), ret)
	require.Empty(t, host.calls)
}

func TestStringConcatenation(t *testing.T) {
	b := NewBuilder()
	b.Label("entry").
		ConstString("foo").
		ConstString("bar").
		Binary(OpAdd).
		Retn()

	interp := NewInterpreter(&recordingHost{}, InvalidObjectID)
	img := simpleImage(b, false)
	img.EntryHasReturn = false

	_, err := interp.ExecuteScript(img, InvalidObjectID, nil, 0, 0)
	require.NoError(t, err)
}

func TestDivisionByZero(t *testing.T) {
	b := NewBuilder()
	b.Label("entry").ConstInt(1).ConstInt(0).Binary(OpDiv).Retn()

	interp := NewInterpreter(&recordingHost{}, InvalidObjectID)
	img := simpleImage(b, true)

	ret, err := interp.ExecuteScript(img, InvalidObjectID, nil, -1, 0)
	require.Error(t, err)
	require.Equal(t, int32(-1), ret)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindArithmeticError, kind)
}

// TestLoopIterationGuard aborts a `while (TRUE) ;` equivalent after the
// configured number of backwards branches.
func TestLoopIterationGuard(t *testing.T) {
	b := NewBuilder()
	b.Label("loop").ConstInt(1).Jnz("loop").Halt()

	interp := NewInterpreter(&recordingHost{}, InvalidObjectID)
	interp.MaxLoopIterations = 1000
	img := simpleImage(b, false)

	_, err := interp.ExecuteScript(img, InvalidObjectID, nil, 7, 0)
	require.ErrorIs(t, err, ErrLoopIterationsExceed)
}

func TestCallDepthGuard(t *testing.T) {
	b := NewBuilder()
	b.Label("entry").Call("entry")

	interp := NewInterpreter(&recordingHost{}, InvalidObjectID)
	interp.MaxCallDepth = 10
	img := simpleImage(b, false)

	_, err := interp.ExecuteScript(img, InvalidObjectID, nil, 0, 0)
	require.ErrorIs(t, err, ErrCallDepthExceeded)
}

func TestActionFailedAborts(t *testing.T) {
	b := NewBuilder()
	b.Label("entry").Action(1, 0).ConstInt(1).Retn()

	host := &recordingHost{fail: true}
	interp := NewInterpreter(host, InvalidObjectID)
	img := simpleImage(b, true)

	ret, err := interp.ExecuteScript(img, InvalidObjectID, nil, -99, 0)
	require.Error(t, err)
	require.Equal(t, int32(-99), ret)
}

func TestCallAndReturn(t *testing.T) {
	b := NewBuilder()
	b.Label("entry").
		Call("double").
		Retn()
	b.Label("double").
		ConstInt(21).
		ConstInt(2).
		Binary(OpMul).
		Retn()

	interp := NewInterpreter(&recordingHost{}, InvalidObjectID)
	img := &Image{
		Reader:         NewReader("test", b.Bytes()),
		EntryPC:        b.LabelPC("entry"),
		EntryHasReturn: true,
	}

	ret, err := interp.ExecuteScript(img, InvalidObjectID, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int32(42), ret)
}

func TestSelfSentinelResolvesCurrentSelf(t *testing.T) {
	b := NewBuilder()
	b.Label("entry").ConstSelf().SaveState("entry", 0, 0, 1).Destruct(1).Retn()

	interp := NewInterpreter(&recordingHost{}, InvalidObjectID)
	img := &Image{Reader: NewReader("test", b.Bytes()), EntryPC: 0}
	img.EntryHasReturn = false

	self := ObjectID(1234)
	_, err := interp.ExecuteScript(img, self, nil, 0, 0)
	require.NoError(t, err)

	cont := interp.TakeSavedState()
	require.NotNil(t, cont)
	require.Equal(t, []Value{ObjectValue(self)}, cont.Locals)
}

func TestSaveStateCapturesContinuation(t *testing.T) {
	b := NewBuilder()
	b.Label("entry").
		ConstInt(3).
		ConstString("ok").
		SaveState("resume", 1, 0, 2).
		Destruct(2).
		Retn()
	b.Label("resume").Retn()

	host := &recordingHost{}
	interp := NewInterpreter(host, InvalidObjectID)
	img := &Image{Reader: NewReader("test", b.Bytes()), EntryPC: b.LabelPC("entry")}

	_, err := interp.ExecuteScript(img, ObjectID(5), nil, 0, 0)
	require.NoError(t, err)

	cont := interp.TakeSavedState()
	require.NotNil(t, cont)
	require.Equal(t, uint32(1), cont.ResumeSubroutineID)
	require.Equal(t, ObjectID(5), cont.CurrentSelf)
	want := []Value{IntValue(3), StringValue([]byte("ok"))}
	if diff := cmp.Diff(want, cont.Locals); diff != "" {
		t.Errorf("captured locals mismatch (-want +got):\n%s", diff)
	}
}

// duplicate(S); run(copy) must not alter run(S): the clone's cells are
// independent of the original's.
func TestContinuationCloneIsIndependent(t *testing.T) {
	orig := &Continuation{
		ProgramSnapshot: []Value{IntValue(1)},
		Locals:          []Value{IntValue(3), StringValue([]byte("ok"))},
		ResumePC:        10,
		CurrentSelf:     ObjectID(5),
	}
	dup := orig.Clone()
	dup.ProgramSnapshot[0] = IntValue(99)
	dup.Locals[0] = IntValue(-1)

	require.Equal(t, int32(1), orig.ProgramSnapshot[0].Int)
	require.Equal(t, int32(3), orig.Locals[0].Int)
	require.Equal(t, orig.ResumePC, dup.ResumePC)
}

// #globals runs from the entry point's prologue and its stores are
// visible to the entry subroutine through the globals table.
func TestGlobalsInitializerRunsBeforeEntry(t *testing.T) {
	b := NewBuilder()
	b.Label("globals").
		ConstInt(5).
		CPDownBP(0).
		Destruct(1).
		Retn()
	b.Label("entry").
		CPTopBP(0).
		ConstInt(2).
		Binary(OpMul).
		Retn()

	interp := NewInterpreter(&recordingHost{}, InvalidObjectID)
	img := &Image{
		Reader:         NewReader("test", b.Bytes()),
		EntryPC:        b.LabelPC("entry"),
		GlobalsPC:      b.LabelPC("globals"),
		HasGlobalsPC:   true,
		NumGlobals:     1,
		EntryHasReturn: true,
	}

	ret, err := interp.ExecuteScript(img, InvalidObjectID, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, int32(10), ret)
}

func TestGlobalIndexOutOfRange(t *testing.T) {
	b := NewBuilder()
	b.Label("entry").CPTopBP(3).Retn()

	interp := NewInterpreter(&recordingHost{}, InvalidObjectID)
	img := &Image{Reader: NewReader("test", b.Bytes()), NumGlobals: 1}

	_, err := interp.ExecuteScript(img, InvalidObjectID, nil, 0, 0)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindMalformed, kind)
}

// SAVE_STATE's globals snapshot is a value copy taken at the instant of
// save: a later store through CPDownBP must not show up in it.
func TestSaveStateSnapshotsGlobalsByValue(t *testing.T) {
	b := NewBuilder()
	b.Label("entry").
		ConstInt(1).
		CPDownBP(0).
		Destruct(1).
		SaveState("resume", 1, 1, 0).
		ConstInt(2).
		CPDownBP(0).
		Destruct(1).
		Retn()
	b.Label("resume").Retn()

	interp := NewInterpreter(&recordingHost{}, InvalidObjectID)
	img := &Image{Reader: NewReader("test", b.Bytes()), EntryPC: b.LabelPC("entry"), NumGlobals: 1}

	_, err := interp.ExecuteScript(img, InvalidObjectID, nil, 0, 0)
	require.NoError(t, err)

	cont := interp.TakeSavedState()
	require.NotNil(t, cont)
	require.Len(t, cont.ProgramSnapshot, 1)
	require.Equal(t, int32(1), cont.ProgramSnapshot[0].Int)
}

func TestShRightSignFixup(t *testing.T) {
	// SHRIGHT by a negative count shifts by the absolute value then
	// negates the result.
	v, err := evalBinary(OpShRight, IntValue(8), IntValue(-1))
	require.NoError(t, err)
	require.Equal(t, int32(-4), v.Int)
}

func TestUShRightIsSigned(t *testing.T) {
	v, err := evalBinary(OpUShRight, IntValue(-8), IntValue(1))
	require.NoError(t, err)
	require.Equal(t, int32(-4), v.Int)
}
