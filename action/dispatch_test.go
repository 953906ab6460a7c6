package action_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nwscript/action"
	"nwscript/vm"
)

type recordingPrinter struct{ lines []string }

func (p *recordingPrinter) Print(s string) { p.lines = append(p.lines, s) }

type recordingSink struct {
	self   vm.ObjectID
	script string
	delay  float32
	cont   *vm.Continuation
}

func (s *recordingSink) Defer(self vm.ObjectID, scriptName string, delaySeconds float32, cont *vm.Continuation) {
	s.self, s.script, s.delay, s.cont = self, scriptName, delaySeconds, cont
}

func TestPrintStringDispatch(t *testing.T) {
	printer := &recordingPrinter{}
	d := action.NewBuiltinDispatcher(action.BuiltinConfig{Printer: printer})
	interp := vm.NewInterpreter(d, vm.InvalidObjectID)

	b := vm.NewBuilder()
	b.Label("entry").ConstString("hello").Action(action.ActionPrintString, 1).Retn()
	img := &vm.Image{Reader: vm.NewReader("test", b.Bytes())}

	_, err := interp.ExecuteScript(img, vm.InvalidObjectID, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"hello"}, printer.lines)
}

func TestUnknownActionID(t *testing.T) {
	d := action.NewBuiltinDispatcher(action.BuiltinConfig{})
	interp := vm.NewInterpreter(d, vm.InvalidObjectID)

	b := vm.NewBuilder()
	b.Label("entry").Action(9999, 0).Retn()
	img := &vm.Image{Reader: vm.NewReader("test", b.Bytes())}

	_, err := interp.ExecuteScript(img, vm.InvalidObjectID, nil, -1, 0)
	require.ErrorIs(t, err, vm.ErrUnknownAction)
}

func TestIntToStringIntrinsic(t *testing.T) {
	d := action.NewBuiltinDispatcher(action.BuiltinConfig{})
	interp := vm.NewInterpreter(d, vm.InvalidObjectID)

	b := vm.NewBuilder()
	b.Label("entry").ConstInt(-42).Action(action.ActionIntToString, 1).Retn()
	img := &vm.Image{Reader: vm.NewReader("test", b.Bytes()), EntryHasReturn: false}

	_, err := interp.ExecuteScript(img, vm.InvalidObjectID, nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, interp.Stack().Depth())
	s, err := interp.Stack().PopString()
	require.NoError(t, err)
	require.Equal(t, "-42", string(s))
}

func TestGetSubStringNegativeCountTakesRemainder(t *testing.T) {
	d := action.NewBuiltinDispatcher(action.BuiltinConfig{})
	interp := vm.NewInterpreter(d, vm.InvalidObjectID)

	b := vm.NewBuilder()
	b.Label("entry").
		ConstInt(-1).
		ConstInt(6).
		ConstString("hello world").
		Action(action.ActionGetSubString, 3).
		Retn()
	img := &vm.Image{Reader: vm.NewReader("test", b.Bytes())}

	_, err := interp.ExecuteScript(img, vm.InvalidObjectID, nil, 0, 0)
	require.NoError(t, err)
	s, err := interp.Stack().PopString()
	require.NoError(t, err)
	require.Equal(t, "world", string(s))
}

func TestDelayCommandCapturesContinuation(t *testing.T) {
	sink := &recordingSink{}
	d := action.NewBuiltinDispatcher(action.BuiltinConfig{Deferred: sink})
	interp := vm.NewInterpreter(d, vm.InvalidObjectID)

	b := vm.NewBuilder()
	b.Label("entry").
		ConstFloat(5).
		SaveState("resume", 1, 0, 0).
		Action(action.ActionDelayCommand, 1).
		Retn()
	b.Label("resume").Retn()
	img := &vm.Image{Reader: vm.NewReader("test", b.Bytes()), EntryPC: b.LabelPC("entry")}

	_, err := interp.ExecuteScript(img, vm.ObjectID(3), nil, 0, 0)
	require.NoError(t, err)
	require.Equal(t, float32(5), sink.delay)
	require.NotNil(t, sink.cont)
	require.Equal(t, vm.ObjectID(3), sink.cont.CurrentSelf)
}

func TestActionFailedSetsAbort(t *testing.T) {
	d := action.NewBuiltinDispatcher(action.BuiltinConfig{Deferred: nil})
	interp := vm.NewInterpreter(d, vm.InvalidObjectID)

	b := vm.NewBuilder()
	b.Label("entry").ConstFloat(1).Action(action.ActionDelayCommand, 1).Retn()
	img := &vm.Image{Reader: vm.NewReader("test", b.Bytes())}

	_, err := interp.ExecuteScript(img, vm.InvalidObjectID, nil, -7, 0)
	require.Error(t, err)
	require.ErrorIs(t, err, vm.ErrActionFailed)
	require.True(t, interp.IsAborted())
}
