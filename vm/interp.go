package vm

import (
	"log/slog"
	"strconv"
)

/*
	Instruction encoding. The source-to-bytecode compiler lives outside
	this runtime, so this is the runtime's own concrete encoding of the
	closed opcode set — one byte of Opcode followed by operand bytes,
	decoded directly off the instruction stream:

		NOP                                        (no operands)
		CREATE <u8 tag> <u16 slot>
		DELETE <u16 slot>
		ASSIGN                                      (no encoding: step rejects it as an unknown opcode)
		JZ/JNZ/JMP <i32 pc-relative offset>
		CALL <u32 absolute pc>
		RETN                                        (no operands)
		ACTION <u16 action id> <u8 arg count>
		SAVE_STATE <u32 resume pc> <u32 resume id> <u16 global count> <u16 local count>
		ADD SUB MUL DIV MOD INCOR EXCOR BOOLAND LOGAND LOGOR
		SHLEFT SHRIGHT USHRIGHT EQUAL NEQUAL LT LEQ GT GEQ   (no operands; operate on tagged operand-stack cells)
		NEG NOT COMP INC DEC                        (no operands)
		CONSTI <i32>
		CONSTF <f32>
		CONSTS <u16 length><bytes>
		CONSTO <u32>                                (ObjectIDSelfSentinel resolves to current self)
		CPTOPSP/CPDOWNSP <u16 offset>               (stack-relative copy: load up / store down)
		CPTOPBP/CPDOWNBP <u16 index>                (global load/store; globals live in a per-invocation
		                                             table initialized by #globals, indexed from zero)
		DESTRUCT <u16 count>                        (discard count cells)
		HALT                                        (no operands)
*/

// ObjectIDSelfSentinel is the manifest OBJECT_SELF constant a compiler
// emits; the interpreter resolves it to CurrentSelf() at the point the
// CONSTO operand carrying this sentinel executes.
const ObjectIDSelfSentinel ObjectID = 0x7FFFFFFF

// RunFlags is the opaque flags parameter of ExecuteScript; its meaning
// is host-defined (the analyzer defines StructureOnly/NoOptimizations
// for itself), so it is carried here purely for the driver/JIT
// back-ends to interpret.
type RunFlags uint32

// Image is a script's load-time descriptor: the immutable byte stream
// plus its three distinguished entry points (entry subroutine, optional
// #globals initializer, optional #loader stub). Discovering these from
// raw bytes is the analyzer's job; Image is how that discovery (or a
// test fixture) hands them to the interpreter.
type Image struct {
	Reader         *Reader
	EntryPC        uint32
	GlobalsPC      uint32
	HasGlobalsPC   bool
	NumGlobals     uint16
	EntryHasReturn bool
}

// ActionHost is the slow-convention action dispatch callback the
// interpreter invokes for every ACTION opcode. Package action
// implements this; package vm only depends on the interface so there's
// no import cycle between the two.
type ActionHost interface {
	// ExecuteAction reads its parameters directly off in.Stack() in
	// reverse order and pushes its return values, per the slow calling
	// convention. It may call back into in.ExecuteScript (re-entrancy)
	// and may call in.AbortScript() to request an abort.
	ExecuteAction(in *Interpreter, actionID uint16, argCount uint8) error
	// CreateEngineStructure asks the host to mint a new opaque value of
	// the given engine-structure type index (0..9).
	CreateEngineStructure(typeIndex uint8) (EngineStructHandle, error)
}

// Continuation is the captured {globals, locals, resume point, self}
// tuple SAVE_STATE produces. ProgramSnapshot is a value-copy of globals
// at the instant of save, independent of subsequent mutation by other
// invocations, since Value never aliases mutable backing storage other
// than a string's byte slice, which is treated as immutable once placed
// in a cell.
type Continuation struct {
	ProgramSnapshot    []Value
	Locals             []Value
	ResumePC           uint32
	ResumeSubroutineID uint32
	CurrentSelf        ObjectID
	StackCells         []Value
	StackBP            int32
}

// Clone returns a deep-enough copy of c that running the copy cannot
// alter the original, and vice versa.
func (c *Continuation) Clone() *Continuation {
	if c == nil {
		return nil
	}
	out := *c
	out.ProgramSnapshot = append([]Value(nil), c.ProgramSnapshot...)
	out.Locals = append([]Value(nil), c.Locals...)
	out.StackCells = append([]Value(nil), c.StackCells...)
	return &out
}

type invocationFrame struct {
	image       *Image
	globals     []Value
	pc          uint32
	callStack   []uint32
	callDepth   int
	loopCounter int
	currentSelf ObjectID
	stack       *Stack
}

// Interpreter is the bytecode virtual machine: it executes a script
// image against an operand stack, implements every opcode including
// SAVE_STATE, and supports recursive re-entry from action handlers.
type Interpreter struct {
	MaxCallDepth      int
	MaxLoopIterations int
	MaxStackDepth     int
	DebugLevel        int

	actionHost ActionHost
	invalidID  ObjectID

	image       *Image
	globals     []Value
	stack       *Stack
	pc          uint32
	callStack   []uint32
	callDepth   int
	loopCounter int
	currentSelf ObjectID
	aborted     bool

	pendingSavedState *Continuation

	frames []invocationFrame
}

// NewInterpreter constructs a VM bound to host for action dispatch and
// engine-structure creation.
func NewInterpreter(host ActionHost, invalidObjectID ObjectID) *Interpreter {
	return &Interpreter{
		MaxCallDepth:      1024,
		MaxLoopIterations: 4_000_000,
		MaxStackDepth:     DefaultStackLimit,
		actionHost:        host,
		invalidID:         invalidObjectID,
	}
}

// Stack exposes the live operand stack to the action host during
// dispatch; it must not be retained past the ExecuteAction call that
// received it.
func (in *Interpreter) Stack() *Stack { return in.stack }

// CurrentSelf returns the object identifier OBJECT_SELF resolves to for
// the currently executing invocation: always exactly the value passed
// to that invocation.
func (in *Interpreter) CurrentSelf() ObjectID { return in.currentSelf }

// AbortScript sets the latch an action handler uses to request
// termination; it is observed at the next instruction boundary.
func (in *Interpreter) AbortScript() { in.aborted = true }

// IsAborted reports whether AbortScript has been called for the current
// invocation.
func (in *Interpreter) IsAborted() bool { return in.aborted }

func (in *Interpreter) SetDebugLevel(level int)     { in.DebugLevel = level }
func (in *Interpreter) IsDebugLevel(level int) bool { return in.DebugLevel >= level }

// ExecuteScript loads img fresh, runs its entry subroutine to
// completion (or abort), and returns its return value — or
// defaultReturn if the script fails for any reportable reason.
func (in *Interpreter) ExecuteScript(img *Image, self ObjectID, params []string, defaultReturn int32, flags RunFlags) (int32, error) {
	in.pushInvocation(img, self)
	defer in.popInvocation()

	if err := in.initGlobals(img); err != nil {
		slog.Error("nwscript: globals init failed", "script", img.Reader.ScriptName(), "error", err)
		return defaultReturn, err
	}

	if err := in.pushEntryParams(img, params); err != nil {
		slog.Error("nwscript: parameter coercion failed", "script", img.Reader.ScriptName(), "error", err)
		return defaultReturn, err
	}

	in.pc = img.EntryPC
	ret, err := in.run()
	if err != nil {
		if in.IsDebugLevel(1) {
			slog.Warn("nwscript: script aborted", "script", img.Reader.ScriptName(), "pc", in.pc, "error", err)
		}
		return defaultReturn, err
	}
	return ret, nil
}

// ExecuteScriptSituation resumes a previously captured continuation
// against a fresh program instance. CurrentSelf is set to the value
// recorded at save time, not resume time.
func (in *Interpreter) ExecuteScriptSituation(img *Image, cont *Continuation) (int32, error) {
	in.pushInvocation(img, cont.CurrentSelf)
	defer in.popInvocation()

	// The snapshot may cover only a prefix of the image's globals (a
	// SAVE_STATE with a smaller global count); the rest of the fresh
	// instance's table default-initializes the same way initGlobals does.
	n := int(img.NumGlobals)
	if len(cont.ProgramSnapshot) > n {
		n = len(cont.ProgramSnapshot)
	}
	in.globals = make([]Value, n)
	for i := range in.globals {
		in.globals[i] = IntValue(0)
	}
	copy(in.globals, cont.ProgramSnapshot)
	if cont.StackCells != nil {
		in.stack.Restore(cont.StackCells, cont.StackBP)
	} else {
		for _, v := range cont.Locals {
			if err := in.stack.push(v); err != nil {
				return 0, err
			}
		}
	}

	in.pc = cont.ResumePC
	ret, err := in.run()
	if err != nil {
		if in.IsDebugLevel(1) {
			slog.Warn("nwscript: resumed script aborted", "script", img.Reader.ScriptName(), "error", err)
		}
		return 0, err
	}
	return ret, nil
}

// TakeSavedState returns and clears the continuation most recently
// captured by a SAVE_STATE instruction in the current invocation. The
// host's AssignCommand/DelayCommand implementations call this right
// after the script issues SAVE_STATE to build a DeferredAction.
func (in *Interpreter) TakeSavedState() *Continuation {
	c := in.pendingSavedState
	in.pendingSavedState = nil
	return c
}

func (in *Interpreter) pushInvocation(img *Image, self ObjectID) {
	if in.stack != nil {
		in.frames = append(in.frames, invocationFrame{
			image:       in.image,
			globals:     in.globals,
			pc:          in.pc,
			callStack:   in.callStack,
			callDepth:   in.callDepth,
			loopCounter: in.loopCounter,
			currentSelf: in.currentSelf,
			stack:       in.stack,
		})
	}
	in.image = img
	in.globals = nil
	in.pc = 0
	in.callStack = nil
	in.callDepth = 0
	in.loopCounter = 0
	in.currentSelf = self
	in.stack = NewStack(in.MaxStackDepth)
	in.aborted = false
	in.pendingSavedState = nil
}

func (in *Interpreter) popInvocation() {
	n := len(in.frames)
	if n == 0 {
		return
	}
	f := in.frames[n-1]
	in.frames = in.frames[:n-1]
	in.image = f.image
	in.globals = f.globals
	in.pc = f.pc
	in.callStack = f.callStack
	in.callDepth = f.callDepth
	in.loopCounter = f.loopCounter
	in.currentSelf = f.currentSelf
	in.stack = f.stack
	in.aborted = false
}

func (in *Interpreter) initGlobals(img *Image) error {
	in.globals = make([]Value, img.NumGlobals)
	for i := range in.globals {
		in.globals[i] = IntValue(0)
	}
	if !img.HasGlobalsPC {
		return nil
	}
	// #globals runs as an ordinary subroutine call from the entry
	// point's prologue (the call from #globals to the entry point
	// present in raw bytecode is elided), so a real return frame is
	// pushed and its RETN pops back here.
	in.callStack = append(in.callStack, in.pc)
	in.callDepth++
	in.pc = img.GlobalsPC
	return in.runUntilReturn()
}

func (in *Interpreter) pushEntryParams(img *Image, params []string) error {
	entry, ok := img.Reader.Symbols().Lookup(img.EntryPC)
	if !ok || len(entry.ParameterTypes) == 0 {
		return nil
	}
	for i, tag := range entry.ParameterTypes {
		var text string
		if i < len(params) {
			text = params[i]
		}
		v, err := coerceParam(tag, text)
		if err != nil {
			return wrapErr(KindMalformed, err, "coercing entry parameter %d", i)
		}
		if err := in.stack.push(v); err != nil {
			return err
		}
	}
	return nil
}

func coerceParam(tag Tag, text string) (Value, error) {
	switch tag {
	case TagInt:
		if text == "" {
			return IntValue(0), nil
		}
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return Value{}, err
		}
		return IntValue(int32(n)), nil
	case TagFloat:
		if text == "" {
			return FloatValue(0), nil
		}
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return Value{}, err
		}
		return FloatValue(float32(f)), nil
	case TagObject:
		if text == "" {
			return ObjectValue(InvalidObjectID), nil
		}
		n, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return Value{}, err
		}
		return ObjectValue(ObjectID(n)), nil
	default:
		return StringValue([]byte(text)), nil
	}
}

// run drives the instruction loop until the outermost RETN, HALT, error,
// or abort. It returns the script's int return value when the entry
// subroutine declares one.
func (in *Interpreter) run() (int32, error) {
	for {
		if in.aborted {
			return 0, ErrAborted
		}
		done, err := in.step()
		if err != nil {
			return 0, err
		}
		if done {
			break
		}
	}
	if !in.image.EntryHasReturn {
		return 0, nil
	}
	v, err := in.stack.PopInt()
	if err != nil {
		return 0, err
	}
	return v, nil
}

// runUntilReturn drives instructions for a nested call (e.g. #globals)
// whose return frame the caller has already pushed, until that frame's
// RETN pops it, without treating the RETN as "script finished".
func (in *Interpreter) runUntilReturn() error {
	depth := len(in.callStack)
	for {
		if in.aborted {
			return ErrAborted
		}
		done, err := in.step()
		if err != nil {
			return err
		}
		if done || len(in.callStack) < depth {
			return nil
		}
	}
}

// step decodes and executes exactly one instruction, returning done=true
// when the outermost subroutine has returned (script finished) or HALT
// executed.
func (in *Interpreter) step() (bool, error) {
	r := in.image.Reader
	if err := r.Seek(in.pc); err != nil {
		return false, wrapErr(KindMalformed, err, "pc out of range")
	}
	opByte, err := r.ReadU8()
	if err != nil {
		return false, wrapErr(KindMalformed, err, "reading opcode at pc=%d", in.pc)
	}
	op := Opcode(opByte)
	in.pc = r.Tell()

	switch {
	case op.IsBinary():
		if err := in.execBinary(op); err != nil {
			return false, err
		}
		in.pc = r.Tell()
		return false, nil
	case op.IsUnary():
		if err := in.execUnary(op); err != nil {
			return false, err
		}
		return false, nil
	}

	switch op {
	case OpNop:
		// no-op
	case OpHalt:
		return true, nil
	case OpCreate:
		if _, err := r.ReadU8(); err != nil { // tag, informational only
			return false, err
		}
		if _, err := r.ReadU16(); err != nil { // slot, informational only
			return false, err
		}
		in.pc = r.Tell()
	case OpDelete:
		if _, err := r.ReadU16(); err != nil {
			return false, err
		}
		in.pc = r.Tell()
	case OpConstInt:
		bits, err := r.ReadU32()
		if err != nil {
			return false, err
		}
		in.pc = r.Tell()
		if err := in.stack.PushInt(int32(bits)); err != nil {
			return false, err
		}
	case OpConstFloat:
		f, err := r.ReadF32()
		if err != nil {
			return false, err
		}
		in.pc = r.Tell()
		if err := in.stack.PushFloat(f); err != nil {
			return false, err
		}
	case OpConstString:
		n, err := r.ReadU16()
		if err != nil {
			return false, err
		}
		b, err := r.ReadBytes(int(n))
		if err != nil {
			return false, err
		}
		in.pc = r.Tell()
		cp := append([]byte(nil), b...)
		if err := in.stack.PushString(cp); err != nil {
			return false, err
		}
	case OpConstObject:
		raw, err := r.ReadU32()
		if err != nil {
			return false, err
		}
		in.pc = r.Tell()
		obj := ObjectID(raw)
		if obj == ObjectIDSelfSentinel {
			obj = in.currentSelf
		}
		if err := in.stack.PushObject(obj); err != nil {
			return false, err
		}
	case OpJz, OpJnz, OpJmp:
		offset, err := r.ReadU32()
		if err != nil {
			return false, err
		}
		afterOperand := r.Tell()
		target := uint32(int64(afterOperand) + int64(int32(offset)))
		take := op == OpJmp
		if op != OpJmp {
			cond, err := in.stack.PopInt()
			if err != nil {
				return false, err
			}
			if op == OpJz {
				take = cond == 0
			} else {
				take = cond != 0
			}
		}
		if take {
			if target < afterOperand {
				// Backwards branch: count toward the loop guard.
				in.loopCounter++
				if in.loopCounter > in.MaxLoopIterations {
					return false, ErrLoopIterationsExceed
				}
			}
			in.pc = target
		} else {
			in.pc = afterOperand
		}
	case OpCall:
		target, err := r.ReadU32()
		if err != nil {
			return false, err
		}
		ret := r.Tell()
		in.callDepth++
		if in.callDepth > in.MaxCallDepth {
			return false, ErrCallDepthExceeded
		}
		in.callStack = append(in.callStack, ret)
		in.pc = target
	case OpRetn:
		if len(in.callStack) == 0 {
			return true, nil
		}
		n := len(in.callStack)
		ret := in.callStack[n-1]
		in.callStack = in.callStack[:n-1]
		in.callDepth--
		in.pc = ret
	case OpAction:
		id, err := r.ReadU16()
		if err != nil {
			return false, err
		}
		argc, err := r.ReadU8()
		if err != nil {
			return false, err
		}
		in.pc = r.Tell()
		if in.actionHost == nil {
			return false, wrapErr(KindUnknownAction, nil, "no action host configured")
		}
		if err := in.actionHost.ExecuteAction(in, id, argc); err != nil {
			return false, err
		}
		if in.aborted {
			return false, ErrAborted
		}
	case OpSaveState:
		resumePC, err := r.ReadU32()
		if err != nil {
			return false, err
		}
		resumeID, err := r.ReadU32()
		if err != nil {
			return false, err
		}
		globalCount, err := r.ReadU16()
		if err != nil {
			return false, err
		}
		localCount, err := r.ReadU16()
		if err != nil {
			return false, err
		}
		in.pc = r.Tell()
		if err := in.execSaveState(resumePC, resumeID, int(globalCount), int(localCount)); err != nil {
			return false, err
		}
	case OpCPTopSP, OpCPDownSP, OpCPTopBP, OpCPDownBP:
		if err := in.execCopy(op, r); err != nil {
			return false, err
		}
	case OpDestruct:
		n, err := r.ReadU16()
		if err != nil {
			return false, err
		}
		in.pc = r.Tell()
		for i := 0; i < int(n); i++ {
			if _, err := in.stack.Peek(0); err != nil {
				return false, err
			}
			in.stack.cells = in.stack.cells[:len(in.stack.cells)-1]
		}
	default:
		return false, wrapErr(KindMalformed, nil, "unknown opcode 0x%02x at pc=%d", opByte, in.pc)
	}
	return false, nil
}

func (in *Interpreter) execSaveState(resumePC, resumeID uint32, globalCount, localCount int) error {
	globals := in.globals
	if globalCount > 0 && globalCount <= len(globals) {
		globals = globals[:globalCount]
	}
	locals := make([]Value, 0, localCount)
	for i := 0; i < localCount; i++ {
		v, err := in.stack.Peek(localCount - 1 - i)
		if err != nil {
			return err
		}
		locals = append(locals, v)
	}
	in.pendingSavedState = &Continuation{
		ProgramSnapshot:    append([]Value(nil), globals...),
		Locals:             locals,
		ResumePC:           resumePC,
		ResumeSubroutineID: resumeID,
		CurrentSelf:        in.currentSelf,
	}
	return nil
}

// execCopy implements the copy opcodes, this ISA's mechanism for
// variable access (loads copy into a fresh top cell; stores copy the
// top cell into the slot and leave it on the stack too, since ASSIGN
// semantics are copy-not-move). SP-relative copies address operand
// stack cells; BP-relative copies address the invocation's globals
// table, which #globals populates by storing through these same
// opcodes.
func (in *Interpreter) execCopy(op Opcode, r *Reader) error {
	offset, err := r.ReadU16()
	if err != nil {
		return err
	}
	in.pc = r.Tell()
	switch op {
	case OpCPTopSP:
		v, err := in.stack.Peek(int(offset))
		if err != nil {
			return err
		}
		return in.stack.push(v)
	case OpCPDownSP:
		v, err := in.stack.Peek(0)
		if err != nil {
			return err
		}
		idx := len(in.stack.cells) - 1 - int(offset)
		if idx < 0 || idx >= len(in.stack.cells) {
			return ErrStackUnderflow
		}
		in.stack.cells[idx] = v
		return nil
	case OpCPTopBP:
		idx := int(offset)
		if idx >= len(in.globals) {
			return wrapErr(KindMalformed, nil, "global index %d out of range (have %d)", idx, len(in.globals))
		}
		return in.stack.push(in.globals[idx])
	case OpCPDownBP:
		v, err := in.stack.Peek(0)
		if err != nil {
			return err
		}
		idx := int(offset)
		if idx >= len(in.globals) {
			return wrapErr(KindMalformed, nil, "global index %d out of range (have %d)", idx, len(in.globals))
		}
		in.globals[idx] = v
		return nil
	default:
		return wrapErr(KindMalformed, nil, "not a copy opcode: %s", op)
	}
}

func (in *Interpreter) execBinary(op Opcode) error {
	b, err := in.stack.Peek(0)
	if err != nil {
		return err
	}
	a, err := in.stack.Peek(1)
	if err != nil {
		return err
	}
	result, err := evalBinary(op, a, b)
	if err != nil {
		return err
	}
	// Pop both operands, push result.
	in.stack.cells = in.stack.cells[:len(in.stack.cells)-2]
	return in.stack.push(result)
}

func (in *Interpreter) execUnary(op Opcode) error {
	v, err := in.stack.Peek(0)
	if err != nil {
		return err
	}
	result, err := evalUnary(op, v)
	if err != nil {
		return err
	}
	in.stack.cells[len(in.stack.cells)-1] = result
	return nil
}
