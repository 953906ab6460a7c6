package managed_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nwscript/action"
	"nwscript/ir"
	"nwscript/jit"
	"nwscript/jit/managed"
	"nwscript/vm"
)

type recordingPrinter struct{ lines []string }

func (p *recordingPrinter) Print(s string) { p.lines = append(p.lines, s) }

func TestSignatureDetectRoundTrip(t *testing.T) {
	src := []byte("Host.print('hi');")
	img := managed.Wrap(src)

	got, ok := managed.Detect(img)
	require.True(t, ok)
	require.Equal(t, src, got)

	_, ok = managed.Detect([]byte("not managed"))
	require.False(t, ok)
}

func TestExecuteScriptRunsJSAndCallsAction(t *testing.T) {
	printer := &recordingPrinter{}
	dispatcher := action.NewBuiltinDispatcher(action.BuiltinConfig{Printer: printer})

	eng := managed.New()
	program, err := eng.Generate(&ir.IR{Source: []byte("Host.print('from js'); 7;")}, dispatcher.Table(), 0, 0)
	require.NoError(t, err)

	ret, err := eng.ExecuteScript(program, dispatcher, vm.InvalidObjectID, nil, -1, 0)
	require.NoError(t, err)
	require.Equal(t, int32(7), ret)
	require.Equal(t, []string{"from js"}, printer.lines)
}

func TestGenerateRejectsNonManagedIR(t *testing.T) {
	eng := managed.New()
	_, err := eng.Generate(&ir.IR{}, nil, 0, 0)
	require.Error(t, err)
}

func TestExecuteScriptRejectsNonDispatcherHost(t *testing.T) {
	eng := managed.New()
	program, err := eng.Generate(&ir.IR{Source: []byte("1;")}, nil, 0, 0)
	require.NoError(t, err)

	_, err = eng.ExecuteScript(program, struct{ vm.ActionHost }{}, vm.InvalidObjectID, nil, 0, 0)
	require.Error(t, err)
}

func TestCheckVersionHandshake(t *testing.T) {
	eng := managed.New()
	require.True(t, jit.CheckAllVersions(eng))
	require.False(t, eng.CheckVersion(jit.ClassStack, -1))
	require.False(t, eng.CheckVersion("no-such-class", 0))
}

func TestSaveStateCapturesLocalsAndResumeID(t *testing.T) {
	dispatcher := action.NewBuiltinDispatcher(action.BuiltinConfig{})
	eng := managed.New()
	program, err := eng.Generate(&ir.IR{Source: []byte("Host.saveState(42, [3, 'ok']);")}, nil, 0, 0)
	require.NoError(t, err)

	_, err = eng.ExecuteScript(program, dispatcher, vm.ObjectID(5), nil, 0, 0)
	require.NoError(t, err)

	saved := eng.SaveState(program)
	require.NotNil(t, saved)
	resume := saved.(*managed.Resume)
	require.Equal(t, uint32(42), resume.ResumeID)
	require.Equal(t, vm.ObjectID(5), resume.Self)
	require.Len(t, resume.Locals, 2)
}
