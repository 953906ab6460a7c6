package ir_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nwscript/action"
	"nwscript/ir"
	"nwscript/vm"
)

func TestAnalyzeStraightLine(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").ConstInt(7).ConstInt(6).Binary(vm.OpMul).Retn()

	r := vm.NewReader("test", b.Bytes())
	out, err := ir.Analyze(r, 0, 0, nil)
	require.NoError(t, err)
	require.Len(t, out.Subroutines, 1)

	sub := out.Subroutines[0]
	require.Len(t, sub.ControlFlows, 1)
	cf := sub.ControlFlows[0]
	require.Equal(t, ir.Terminate, cf.Termination.Kind)
	// CREATE(7), CREATE(6), BINARY(MUL), RETN
	require.Len(t, cf.Instructions, 4)
	require.Equal(t, ir.OpBinary, cf.Instructions[2].Op)
	require.Equal(t, vm.OpMul, cf.Instructions[2].BinOp)
}

func TestAnalyzeBranchSplitsBlocks(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").
		ConstInt(1).
		Jz("else").
		ConstInt(10).
		Jmp("end").
		Label("else").
		ConstInt(20).
		Label("end").
		Retn()

	r := vm.NewReader("test", b.Bytes())
	out, err := ir.Analyze(r, 0, 0, nil)
	require.NoError(t, err)

	sub := out.Subroutines[0]
	require.Len(t, sub.ControlFlows, 4)

	entry := sub.ControlFlows[0]
	require.Equal(t, ir.Split, entry.Termination.Kind)
	require.Len(t, entry.Termination.Children, 2)

	// "else" falls through into "end", which has two predecessors.
	elseBlock := sub.ControlFlows[b.LabelPC("else")]
	require.Equal(t, ir.Merge, elseBlock.Termination.Kind)
}

func TestAnalyzeDiscoversCallTargets(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").Call("helper").Retn()
	b.Label("helper").ConstInt(1).Retn()

	r := vm.NewReader("test", b.Bytes())
	out, err := ir.Analyze(r, b.LabelPC("entry"), 0, nil)
	require.NoError(t, err)
	require.Len(t, out.Subroutines, 2)
	require.Contains(t, out.Subroutines, b.LabelPC("helper"))
}

func TestAnalyzeMultiplyCreatedAtJoin(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").
		ConstInt(1).
		Jz("else").
		ConstInt(100).
		Jmp("end").
		Label("else").
		ConstInt(200).
		Label("end").
		Destruct(1).
		Retn()

	r := vm.NewReader("test", b.Bytes())
	out, err := ir.Analyze(r, 0, 0, nil)
	require.NoError(t, err)

	// Same type on both incoming edges (int) is a legal join; it must
	// not be reported as a TypeMismatch, and the two distinct constants
	// merge into one MultiplyCreated variable.
	end := out.Subroutines[0].ControlFlows[b.LabelPC("end")]
	require.NotEmpty(t, end.Instructions)
	require.Equal(t, ir.OpDelete, end.Instructions[0].Op)
	require.NotZero(t, end.Instructions[0].Dst.Flags&ir.MultiplyCreated)
}

func TestAnalyzeStructureOnlySkipsInstructions(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").ConstInt(1).Retn()

	r := vm.NewReader("test", b.Bytes())
	out, err := ir.Analyze(r, 0, ir.StructureOnly, nil)
	require.NoError(t, err)
	require.Nil(t, out.Subroutines[0].ControlFlows[0].Instructions)
}

func TestAnalyzeTypeMismatchAtJoin(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").
		ConstInt(1).
		Jz("else").
		ConstInt(10).
		Jmp("end").
		Label("else").
		ConstString("oops").
		Label("end").
		Retn()

	r := vm.NewReader("test", b.Bytes())
	_, err := ir.Analyze(r, 0, 0, nil)
	require.Error(t, err)
}

// A non-returning action (PrintString) must leave the abstract stack
// exactly where it found it, and a returning one (GetStringLength) must
// push exactly one Variable of the declared return type — otherwise a
// later instruction in the same block raises against the wrong depth.
func TestAnalyzeActionRespectsReturnShape(t *testing.T) {
	const noReturnID = 0
	const returningID = 1
	table := action.NewTable()
	table.Register(action.Def{ID: noReturnID, Name: "PrintString", ParameterTypes: []vm.Tag{vm.TagString}, MinParameters: 1})
	table.Register(action.Def{ID: returningID, Name: "GetStringLength", HasReturn: true, ReturnType: vm.TagInt, ParameterTypes: []vm.Tag{vm.TagString}, MinParameters: 1})

	b := vm.NewBuilder()
	b.Label("entry").
		ConstString("hi").
		Action(noReturnID, 1).
		ConstString("hi").
		Action(returningID, 1).
		Retn()

	r := vm.NewReader("test", b.Bytes())
	out, err := ir.Analyze(r, 0, 0, table)
	require.NoError(t, err)

	cf := out.Subroutines[0].ControlFlows[0]
	var actions []ir.Instr
	for _, in := range cf.Instructions {
		if in.Op == ir.OpAction {
			actions = append(actions, in)
		}
	}
	require.Len(t, actions, 2)
	require.Empty(t, actions[0].Rets, "non-returning action must not synthesize a result variable")
	require.Len(t, actions[1].Rets, 1)
	require.Equal(t, vm.TagInt, actions[1].Rets[0].Type)

	// RETN with nothing left to pop beyond the one real return value
	// confirms the abstract stack never desynced from the real one.
	retn := cf.Instructions[len(cf.Instructions)-1]
	require.Equal(t, ir.OpRetn, retn.Op)
}

// A conditional branch raises as TEST feeding the jump (the compare
// produces a boolean the next instruction consumes), never as a bare
// JZ/JNZ against the raw condition.
func TestAnalyzeConditionalRaisesTestThenJump(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").
		ConstInt(1).
		Jz("end").
		Label("end").
		Retn()

	r := vm.NewReader("test", b.Bytes())
	out, err := ir.Analyze(r, 0, 0, nil)
	require.NoError(t, err)

	entry := out.Subroutines[0].ControlFlows[0]
	// CREATE(1), TEST, JZ
	require.Len(t, entry.Instructions, 3)
	require.Equal(t, ir.OpTest, entry.Instructions[1].Op)
	require.Equal(t, ir.OpJz, entry.Instructions[2].Op)
	require.Same(t, entry.Instructions[1].Dst, entry.Instructions[2].Src)
	require.Equal(t, b.LabelPC("end"), entry.Instructions[2].Label)
}

func TestAnalyzeCreateEmitsInitialize(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").
		Create(vm.TagString, 0).
		Delete(0).
		Retn()

	r := vm.NewReader("test", b.Bytes())
	out, err := ir.Analyze(r, 0, 0, nil)
	require.NoError(t, err)

	cf := out.Subroutines[0].ControlFlows[0]
	// CREATE, INITIALIZE, DELETE, RETN
	require.Len(t, cf.Instructions, 4)
	require.Equal(t, ir.OpCreate, cf.Instructions[0].Op)
	require.Equal(t, ir.OpInitialize, cf.Instructions[1].Op)
	require.Same(t, cf.Instructions[0].Dst, cf.Instructions[1].Dst)
	require.Equal(t, ir.OpDelete, cf.Instructions[2].Op)
}

// Globals raise as ClassGlobal variables carrying only loads and
// stores, never CREATE or DELETE.
func TestAnalyzeGlobalsAreLoadStoreOnly(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").
		ConstInt(5).
		CPDownBP(0).
		Destruct(1).
		CPTopBP(0).
		Retn()

	r := vm.NewReader("test", b.Bytes())
	out, err := ir.Analyze(r, 0, 0, nil)
	require.NoError(t, err)

	cf := out.Subroutines[0].ControlFlows[0]
	var globalRefs int
	for _, in := range cf.Instructions {
		if in.Dst != nil && in.Dst.Class == ir.ClassGlobal {
			globalRefs++
			require.NotEqual(t, ir.OpCreate, in.Op)
			require.NotEqual(t, ir.OpDelete, in.Op)
		}
	}
	require.NotZero(t, globalRefs)
}

func TestAnalyzeActionWithoutTablePushesNothing(t *testing.T) {
	b := vm.NewBuilder()
	b.Label("entry").ConstString("hi").Action(0, 1).Retn()

	r := vm.NewReader("test", b.Bytes())
	out, err := ir.Analyze(r, 0, 0, nil)
	require.NoError(t, err)

	cf := out.Subroutines[0].ControlFlows[0]
	for _, in := range cf.Instructions {
		if in.Op == ir.OpAction {
			require.Empty(t, in.Rets)
		}
	}
}
