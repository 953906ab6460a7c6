package ir

import (
	"fmt"

	"nwscript/action"
	"nwscript/vm"
)

// Analyze decodes reader into subroutines, control-flow graphs, and IR,
// starting from entryPC and following every CALL target transitively
// reachable from it. actions is consulted only to decide
// whether an OpAction instruction's abstract stack effect includes a
// result push (see raiseOne); a nil actions conservatively raises every
// action call as pushing nothing, since an unregistered/unresolvable
// action ID never reaches action.Dispatcher's pushRets at runtime either.
func Analyze(r *vm.Reader, entryPC uint32, flags AnalyzeFlags, actions *action.Table) (*IR, error) {
	a := &analysis{
		reader:  r,
		flags:   flags,
		actions: actions,
		subs:    make(map[uint32]*Subroutine),
		queued:  map[uint32]bool{entryPC: true},
		pending: []uint32{entryPC},
		globals: make(map[uint16]*Variable),
	}
	for len(a.pending) > 0 {
		addr := a.pending[0]
		a.pending = a.pending[1:]
		if _, done := a.subs[addr]; done {
			continue
		}
		sub, calls, err := a.buildSubroutine(addr)
		if err != nil {
			return nil, err
		}
		a.subs[addr] = sub
		for _, c := range calls {
			if !a.queued[c] {
				a.queued[c] = true
				a.pending = append(a.pending, c)
			}
		}
	}
	return &IR{EntryPC: entryPC, Subroutines: a.subs}, nil
}

type analysis struct {
	reader  *vm.Reader
	flags   AnalyzeFlags
	actions *action.Table
	subs    map[uint32]*Subroutine
	queued  map[uint32]bool
	pending []uint32
	nextVar int

	// globals maps a global table index to its program-wide Variable.
	// Globals are shared across every subroutine, so the map lives on
	// the analysis rather than per-subroutine; the IR never carries
	// CREATE/DELETE for them, only loads and stores.
	globals map[uint16]*Variable
}

// globalVar returns the Variable for global index idx, minting it with
// type t on first reference. The first reference fixes the type and
// later references never change it (a load before any store mints it as
// Int, the table's default-initialized state); a later store of another
// type is rejected by the CPDOWNBP raise as a TypeMismatch.
func (a *analysis) globalVar(idx uint16, t vm.Tag) *Variable {
	if v, ok := a.globals[idx]; ok {
		return v
	}
	v := a.newVariable(ClassGlobal, t)
	a.globals[idx] = v
	return v
}

func (a *analysis) newVariable(class VariableClass, t vm.Tag) *Variable {
	a.nextVar++
	return &Variable{ID: a.nextVar, Class: class, Type: t, Slot: a.nextVar}
}

// rawInstr is a single decoded bytecode instruction, stripped of
// execution semantics: just enough shape for both subroutine/block
// discovery and IR emission.
type rawInstr struct {
	PC   uint32
	Next uint32
	Op   vm.Opcode

	I32 int32
	F32 float32
	Str []byte
	Obj vm.ObjectID

	BranchTarget uint32 // Jz/Jnz/Jmp absolute target
	CallTarget   uint32 // Call absolute target

	ActionID uint16
	ArgCount uint8

	ResumePC    uint32
	ResumeID    uint32
	GlobalCount uint16
	LocalCount  uint16

	SPOffset    uint16
	GlobalIndex uint16

	Count uint16 // Destruct count
	Slot  uint16 // Create/Delete slot
	Tag   vm.Tag // Create tag
}

func decodeAt(r *vm.Reader, pc uint32) (rawInstr, error) {
	var in rawInstr
	in.PC = pc
	if err := r.Seek(pc); err != nil {
		return in, err
	}
	opByte, err := r.ReadU8()
	if err != nil {
		return in, err
	}
	in.Op = vm.Opcode(opByte)

	switch in.Op {
	case vm.OpNop, vm.OpRetn, vm.OpHalt:
	case vm.OpCreate:
		tagByte, err := r.ReadU8()
		if err != nil {
			return in, err
		}
		slot, err := r.ReadU16()
		if err != nil {
			return in, err
		}
		in.Tag, in.Slot = vm.Tag(tagByte), slot
	case vm.OpDelete:
		slot, err := r.ReadU16()
		if err != nil {
			return in, err
		}
		in.Slot = slot
	case vm.OpConstInt:
		bits, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.I32 = int32(bits)
	case vm.OpConstFloat:
		f, err := r.ReadF32()
		if err != nil {
			return in, err
		}
		in.F32 = f
	case vm.OpConstString:
		n, err := r.ReadU16()
		if err != nil {
			return in, err
		}
		b, err := r.ReadBytes(int(n))
		if err != nil {
			return in, err
		}
		in.Str = append([]byte(nil), b...)
	case vm.OpConstObject:
		raw, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Obj = vm.ObjectID(raw)
	case vm.OpJz, vm.OpJnz, vm.OpJmp:
		offset, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		after := r.Tell()
		in.BranchTarget = uint32(int64(after) + int64(int32(offset)))
	case vm.OpCall:
		target, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.CallTarget = target
	case vm.OpAction:
		id, err := r.ReadU16()
		if err != nil {
			return in, err
		}
		argc, err := r.ReadU8()
		if err != nil {
			return in, err
		}
		in.ActionID, in.ArgCount = id, argc
	case vm.OpSaveState:
		resumePC, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		resumeID, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		globalCount, err := r.ReadU16()
		if err != nil {
			return in, err
		}
		localCount, err := r.ReadU16()
		if err != nil {
			return in, err
		}
		in.ResumePC, in.ResumeID, in.GlobalCount, in.LocalCount = resumePC, resumeID, globalCount, localCount
	case vm.OpCPTopSP, vm.OpCPDownSP:
		offset, err := r.ReadU16()
		if err != nil {
			return in, err
		}
		in.SPOffset = offset
	case vm.OpCPTopBP, vm.OpCPDownBP:
		idx, err := r.ReadU16()
		if err != nil {
			return in, err
		}
		in.GlobalIndex = idx
	case vm.OpDestruct:
		n, err := r.ReadU16()
		if err != nil {
			return in, err
		}
		in.Count = n
	default:
		if !in.Op.IsBinary() && !in.Op.IsUnary() {
			return in, fmt.Errorf("unknown opcode 0x%02x at pc=%d", opByte, pc)
		}
	}
	in.Next = r.Tell()
	return in, nil
}

// buildSubroutine discovers addr's control-flow graph, raises it to IR
// (unless StructureOnly), and returns every CALL target it found so the
// caller can enqueue them as further subroutines.
func (a *analysis) buildSubroutine(addr uint32) (*Subroutine, []uint32, error) {
	blockStarts := map[uint32]bool{addr: true}
	visited := map[uint32]bool{}
	var calls []uint32
	stack := []uint32{addr}

	for len(stack) > 0 {
		pc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[pc] {
			continue
		}
		visited[pc] = true
		in, err := decodeAt(a.reader, pc)
		if err != nil {
			return nil, nil, wrapMalformed(err)
		}
		switch in.Op {
		case vm.OpCall:
			calls = append(calls, in.CallTarget)
			stack = append(stack, in.Next)
		case vm.OpJmp:
			blockStarts[in.BranchTarget] = true
			stack = append(stack, in.BranchTarget)
		case vm.OpJz, vm.OpJnz:
			blockStarts[in.BranchTarget] = true
			blockStarts[in.Next] = true
			stack = append(stack, in.BranchTarget, in.Next)
		case vm.OpRetn, vm.OpHalt:
			// terminal
		default:
			stack = append(stack, in.Next)
		}
	}

	blocks := make(map[uint32]*ControlFlow)
	predCount := map[uint32]int{}
	blockRaw := make(map[uint32][]rawInstr)

	for start := range blockStarts {
		instrs, end, children, err := scanBlock(a.reader, start, blockStarts)
		if err != nil {
			return nil, nil, err
		}
		blockRaw[start] = instrs
		blocks[start] = &ControlFlow{StartPC: start, EndPC: end}
		for _, c := range children {
			predCount[c]++
		}
		blocks[start].Termination = terminationFor(children, predCount)
	}
	// predCount finishes accumulating only after every block is scanned;
	// Termination.Kind for Transfer-vs-Merge depends on the final count,
	// so recompute it in a second pass.
	for start, cf := range blocks {
		children := cf.Termination.Children
		cf.Termination = terminationFor(children, predCount)
		_ = start
	}

	sub := &Subroutine{Address: addr, ControlFlows: blocks}
	if entry, ok := a.reader.Symbols().Lookup(addr); ok {
		sub.Parameters = append([]vm.Tag(nil), entry.ParameterTypes...)
		sub.ReturnType = entry.ReturnType
		sub.HasReturn = entry.HasReturn
	}

	if a.flags&StructureOnly != 0 {
		return sub, calls, nil
	}

	if err := a.raiseToIR(sub, blockRaw); err != nil {
		return nil, nil, err
	}
	return sub, calls, nil
}

func terminationFor(children []uint32, predCount map[uint32]int) Termination {
	switch len(children) {
	case 0:
		return Termination{Kind: Terminate}
	case 1:
		if predCount[children[0]] > 1 {
			return Termination{Kind: Merge, Children: children}
		}
		return Termination{Kind: Transfer, Children: children}
	default:
		return Termination{Kind: Split, Children: children}
	}
}

// scanBlock decodes a straight-line run starting at start until it hits a
// branch, RETN/HALT, or falls into another known block start.
func scanBlock(r *vm.Reader, start uint32, blockStarts map[uint32]bool) ([]rawInstr, uint32, []uint32, error) {
	var instrs []rawInstr
	pc := start
	for {
		if pc != start && blockStarts[pc] {
			return instrs, pc, []uint32{pc}, nil
		}
		in, err := decodeAt(r, pc)
		if err != nil {
			return nil, 0, nil, wrapMalformed(err)
		}
		instrs = append(instrs, in)
		switch in.Op {
		case vm.OpJmp:
			return instrs, in.Next, []uint32{in.BranchTarget}, nil
		case vm.OpJz, vm.OpJnz:
			return instrs, in.Next, []uint32{in.BranchTarget, in.Next}, nil
		case vm.OpRetn, vm.OpHalt:
			return instrs, in.Next, nil, nil
		}
		pc = in.Next
	}
}

func wrapMalformed(err error) error {
	if _, ok := vmKind(err); ok {
		return err
	}
	return fmt.Errorf("ir: %w", err)
}

func vmKind(err error) (vm.ErrorKind, bool) {
	return vm.KindOf(err)
}
