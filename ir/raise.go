package ir

import (
	"fmt"
	"sort"

	"nwscript/vm"
)

// raiseToIR performs the forward abstract interpretation pass: it walks
// every block of sub in ascending start-PC order (the order a
// straight-line compiler emits control flow in, which for every forward
// edge also puts a block's predecessors ahead of it; back-edges are the
// one case where a predecessor's exit stack isn't known yet, and are
// merge-checked best-effort rather than iterated to a fixed point),
// threading an abstract operand stack of *Variable identities through
// each instruction and emitting the closed IR instruction list as it
// goes.
func (a *analysis) raiseToIR(sub *Subroutine, blockRaw map[uint32][]rawInstr) error {
	starts := make([]uint32, 0, len(sub.ControlFlows))
	for start := range sub.ControlFlows {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	entryStack := make(map[uint32][]*Variable)
	exitStack := make(map[uint32][]*Variable)
	locals := make(map[uint16]*Variable)

	for _, param := range sub.Parameters {
		v := a.newVariable(ClassParameter, param)
		sub.Locals = append(sub.Locals, v)
		entryStack[sub.Address] = append(entryStack[sub.Address], v)
	}

	for _, start := range starts {
		cf := sub.ControlFlows[start]
		stack := append([]*Variable(nil), entryStack[start]...)

		for _, in := range blockRaw[start] {
			instrs, err := a.raiseOne(in, &stack, locals, sub)
			if err != nil {
				return err
			}
			cf.Instructions = append(cf.Instructions, instrs...)
		}
		exitStack[start] = stack

		for _, child := range cf.Termination.Children {
			if existing, ok := entryStack[child]; ok {
				merged, changed, err := mergeStacks(existing, stack)
				if err != nil {
					return fmt.Errorf("ir: subroutine 0x%x: %w", sub.Address, err)
				}
				if changed {
					entryStack[child] = merged
				}
			} else {
				entryStack[child] = append([]*Variable(nil), stack...)
			}
		}
	}
	return nil
}

// mergeStacks implements the join rule: equal depth and per-slot type
// required (TypeMismatch otherwise); when two incoming edges carry
// different Variable identities at the same slot, the merged variable is
// flagged MultiplyCreated so back-ends give it a non-poolable slot.
func mergeStacks(a, b []*Variable) ([]*Variable, bool, error) {
	if len(a) != len(b) {
		return nil, false, fmt.Errorf("%w: operand stack depth disagrees at control-flow join (%d vs %d)", vm.ErrTypeMismatch, len(a), len(b))
	}
	out := make([]*Variable, len(a))
	changed := false
	for i := range a {
		if a[i].Type != b[i].Type {
			return nil, false, fmt.Errorf("%w: join merges %s with %s at stack slot %d", vm.ErrTypeMismatch, a[i].Type, b[i].Type, i)
		}
		switch {
		case a[i] == b[i]:
			out[i] = a[i]
		case a[i].Flags&MultiplyCreated != 0:
			out[i] = a[i]
			changed = changed || b[i] != a[i]
		default:
			merged := &Variable{
				ID:    a[i].ID,
				Class: a[i].Class,
				Type:  a[i].Type,
				Flags: a[i].Flags | b[i].Flags | MultiplyCreated,
				Slot:  a[i].Slot,
			}
			out[i] = merged
			changed = true
		}
	}
	return out, changed, nil
}

func (a *analysis) raiseOne(in rawInstr, stack *[]*Variable, locals map[uint16]*Variable, sub *Subroutine) ([]Instr, error) {
	pop := func() (*Variable, error) {
		s := *stack
		if len(s) == 0 {
			return nil, fmt.Errorf("%w: operand stack underflow raising pc=%d", vm.ErrStackUnderflow, in.PC)
		}
		v := s[len(s)-1]
		*stack = s[:len(s)-1]
		return v, nil
	}
	peek := func() (*Variable, error) {
		s := *stack
		if len(s) == 0 {
			return nil, fmt.Errorf("%w: operand stack underflow raising pc=%d", vm.ErrStackUnderflow, in.PC)
		}
		return s[len(s)-1], nil
	}
	push := func(v *Variable) { *stack = append(*stack, v) }
	one := func(i Instr) []Instr { return []Instr{i} }

	switch {
	case in.Op.IsBinary():
		b, err := pop()
		if err != nil {
			return nil, err
		}
		av, err := pop()
		if err != nil {
			return nil, err
		}
		result := a.newVariable(ClassLocal, resultType(in.Op, av.Type, b.Type))
		push(result)
		return one(Instr{Op: OpBinary, BinOp: in.Op, A: av, B: b, Result: result}), nil
	case in.Op.IsUnary():
		v, err := pop()
		if err != nil {
			return nil, err
		}
		result := a.newVariable(ClassLocal, v.Type)
		push(result)
		return one(Instr{Op: OpUnary, BinOp: in.Op, A: v, Result: result}), nil
	}

	switch in.Op {
	case vm.OpNop, vm.OpHalt:
		return nil, nil
	case vm.OpConstInt:
		v := a.newVariable(ClassConstant, vm.TagInt)
		v.LiteralInt = in.I32
		push(v)
		return one(Instr{Op: OpCreate, Dst: v}), nil
	case vm.OpConstFloat:
		v := a.newVariable(ClassConstant, vm.TagFloat)
		v.LiteralFloat = in.F32
		push(v)
		return one(Instr{Op: OpCreate, Dst: v}), nil
	case vm.OpConstString:
		v := a.newVariable(ClassConstant, vm.TagString)
		v.LiteralString = in.Str
		push(v)
		return one(Instr{Op: OpCreate, Dst: v}), nil
	case vm.OpConstObject:
		v := a.newVariable(ClassConstant, vm.TagObject)
		v.LiteralObject = in.Obj
		push(v)
		return one(Instr{Op: OpCreate, Dst: v}), nil
	case vm.OpCreate:
		// A freshly created local is default-initialized: CREATE reserves
		// the slot, INITIALIZE gives it its type's default value.
		v := a.newVariable(ClassLocal, in.Tag)
		locals[in.Slot] = v
		sub.Locals = append(sub.Locals, v)
		return []Instr{{Op: OpCreate, Dst: v}, {Op: OpInitialize, Dst: v}}, nil
	case vm.OpDelete:
		v, ok := locals[in.Slot]
		if !ok {
			return nil, fmt.Errorf("%w: DELETE of slot %d with no matching CREATE", vm.ErrMalformed, in.Slot)
		}
		delete(locals, in.Slot)
		return one(Instr{Op: OpDelete, Dst: v}), nil
	case vm.OpCPTopSP:
		s := *stack
		idx := len(s) - 1 - int(in.SPOffset)
		if idx < 0 || idx >= len(s) {
			return nil, fmt.Errorf("%w: CPTOPSP offset %d out of range", vm.ErrStackUnderflow, in.SPOffset)
		}
		src := s[idx]
		push(src)
		return one(Instr{Op: OpAssign, Src: src, Dst: src}), nil
	case vm.OpCPDownSP:
		top, err := pop()
		if err != nil {
			return nil, err
		}
		s := *stack
		idx := len(s) - 1 - int(in.SPOffset)
		if idx < 0 || idx >= len(s) {
			return nil, fmt.Errorf("%w: CPDOWNSP offset %d out of range", vm.ErrStackUnderflow, in.SPOffset)
		}
		old := s[idx]
		s[idx] = top
		push(top)
		return one(Instr{Op: OpAssign, Src: top, Dst: old}), nil
	case vm.OpCPTopBP:
		// Global load: pushes the global's value. A load before any
		// store sees the table's default-initialized Int state.
		g := a.globalVar(in.GlobalIndex, vm.TagInt)
		push(g)
		return one(Instr{Op: OpAssign, Src: g, Dst: g}), nil
	case vm.OpCPDownBP:
		// Global store: copies the top cell into the global without
		// popping it (ASSIGN is copy-not-move). The store site fixes the
		// global's type on first reference.
		top, err := peek()
		if err != nil {
			return nil, err
		}
		g := a.globalVar(in.GlobalIndex, top.Type)
		if g.Type != top.Type {
			return nil, fmt.Errorf("%w: global %d stored as %s after being typed %s",
				vm.ErrTypeMismatch, in.GlobalIndex, top.Type, g.Type)
		}
		return one(Instr{Op: OpAssign, Src: top, Dst: g}), nil
	case vm.OpDestruct:
		var out []Instr
		for i := 0; i < int(in.Count); i++ {
			v, err := pop()
			if err != nil {
				return nil, err
			}
			out = append(out, Instr{Op: OpDelete, Dst: v})
		}
		return out, nil
	case vm.OpJz, vm.OpJnz:
		// A conditional branch raises as TEST followed by the jump: the
		// compare produces a boolean the next instruction must consume.
		cond, err := pop()
		if err != nil {
			return nil, err
		}
		test := a.newVariable(ClassLocal, vm.TagInt)
		op := OpJz
		if in.Op == vm.OpJnz {
			op = OpJnz
		}
		return []Instr{
			{Op: OpTest, Src: cond, Dst: test},
			{Op: op, Src: test, Label: in.BranchTarget},
		}, nil
	case vm.OpJmp:
		return nil, nil
	case vm.OpCall:
		return one(Instr{Op: OpCallSub, SubAddr: in.CallTarget}), nil
	case vm.OpRetn:
		return one(Instr{Op: OpRetn}), nil
	case vm.OpAction:
		args := make([]*Variable, 0, in.ArgCount)
		for i := 0; i < int(in.ArgCount); i++ {
			v, err := pop()
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		rets := a.actionRets(in.ActionID, push)
		return one(Instr{Op: OpAction, ActionID: in.ActionID, Args: args, Rets: rets}), nil
	case vm.OpSaveState:
		locals := make([]*Variable, 0, in.LocalCount)
		s := *stack
		n := int(in.LocalCount)
		if n > len(s) {
			n = len(s)
		}
		for i := 0; i < n; i++ {
			locals = append(locals, s[len(s)-1-i])
		}
		return one(Instr{
			Op:          OpSaveState,
			SubAddr:     in.ResumePC,
			ResumeID:    in.ResumeID,
			GlobalCount: int(in.GlobalCount),
			LocalCount:  int(in.LocalCount),
			Args:        locals,
		}), nil
	default:
		return nil, fmt.Errorf("%w: opcode %s not raiseable", vm.ErrMalformed, in.Op)
	}
}

// actionRets synthesizes the abstract-stack push(es) an OpAction
// instruction leaves behind, matching action.Dispatcher.ExecuteAction's
// runtime behavior (action/dispatch.go's pushRets) exactly: nothing at
// all when the action's definition declares no return (every builtin
// action but the string/conversion helpers), a three-cell push (Z, Y,
// X, per vm.Stack.PushVector) when it declares TagVector, and a single
// cell of the declared type otherwise. An unregistered action ID, or no
// table at all, pushes nothing — the runtime call aborts the script via
// ErrUnknownAction before it would ever reach pushRets, so there is
// nothing for the abstract stack to reflect either.
func (a *analysis) actionRets(actionID uint16, push func(*Variable)) []*Variable {
	if a.actions == nil {
		return nil
	}
	def, ok := a.actions.Lookup(actionID)
	if !ok || !def.HasReturn {
		return nil
	}
	if def.ReturnType == vm.TagVector {
		z := a.newVariable(ClassCallReturnValue, vm.TagFloat)
		y := a.newVariable(ClassCallReturnValue, vm.TagFloat)
		x := a.newVariable(ClassCallReturnValue, vm.TagFloat)
		push(z)
		push(y)
		push(x)
		return []*Variable{z, y, x}
	}
	result := a.newVariable(ClassCallReturnValue, def.ReturnType)
	push(result)
	return []*Variable{result}
}

func resultType(op vm.Opcode, a, b vm.Tag) vm.Tag {
	switch op {
	case vm.OpEqual, vm.OpNEqual, vm.OpLT, vm.OpLEq, vm.OpGT, vm.OpGEq:
		return vm.TagInt
	}
	if a == vm.TagFloat || b == vm.TagFloat {
		return vm.TagFloat
	}
	return a
}
