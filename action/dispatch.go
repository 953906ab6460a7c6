package action

import (
	"fmt"

	"nwscript/vm"
)

// HandlerFunc implements one action's behavior against already-marshaled
// arguments. It may call back into ctx.In (re-entrancy) and may call
// ctx.In.AbortScript(); returning a non-nil error is reported to the
// interpreter as ActionFailed.
type HandlerFunc func(ctx *Context, args []Value) ([]Value, error)

// Context is the per-call environment a HandlerFunc runs in. ScriptName
// names the script currently executing (tracked by Dispatcher across
// re-entrant ExecuteScript calls), so handlers like DelayCommand can
// hand it to the host's deferred-action sink without the host needing
// its own separate bookkeeping.
type Context struct {
	In         *vm.Interpreter
	ScriptName string
}

// Dispatcher implements vm.ActionHost using the slow (per-argument)
// calling convention, and additionally exposes the fast batched
// convention (ExecuteActionFast in fastcall.go) for back-ends that
// cross into host code once per call rather than once per cell. Both
// conventions funnel into the same handler/intrinsic path, so a call
// produces identical results whichever way it was marshaled.
type Dispatcher struct {
	table      *Table
	handlers   map[uint16]HandlerFunc
	intrinsics map[uint16]HandlerFunc
	// IntrinsicsEnabled gates whether ExecuteAction may shortcut a
	// whitelisted action straight to its intrinsic implementation; only
	// a host that confirms it uses the standard action table sets this.
	IntrinsicsEnabled bool
	// CurrentScriptName is the name of the script presently executing.
	// The host driver sets it before RunScript and the ExecuteScript
	// handler saves/restores it around a re-entrant call, so a nested
	// invocation's actions see the callee's name rather than the
	// caller's.
	CurrentScriptName string
}

// NewDispatcher constructs a Dispatcher bound to table. Handlers are
// registered separately via Handle so a host can wire its own action
// table incrementally.
func NewDispatcher(table *Table) *Dispatcher {
	return &Dispatcher{
		table:      table,
		handlers:   make(map[uint16]HandlerFunc),
		intrinsics: make(map[uint16]HandlerFunc),
	}
}

// Handle registers fn as the implementation for the action at id. id
// must already be registered in the dispatcher's Table.
func (d *Dispatcher) Handle(id uint16, fn HandlerFunc) {
	d.handlers[id] = fn
}

// Table returns the action registry this dispatcher routes calls
// through, so a caller outside this package (the IR analyzer, a JIT
// back-end) can look up an action's declared return shape without
// keeping its own copy of the registry.
func (d *Dispatcher) Table() *Table {
	return d.table
}

// HandleIntrinsic registers fn as the optimized native substitute for
// id, used only when IntrinsicsEnabled is set. An intrinsic must
// produce results identical to the slow path and never call back into
// the host.
func (d *Dispatcher) HandleIntrinsic(id uint16, fn HandlerFunc) {
	d.intrinsics[id] = fn
}

// ExecuteAction implements vm.ActionHost.
func (d *Dispatcher) ExecuteAction(in *vm.Interpreter, actionID uint16, argCount uint8) error {
	def, ok := d.table.Lookup(actionID)
	if !ok {
		return vm.ErrUnknownAction
	}
	if int(argCount) < def.MinParameters || int(argCount) > len(def.ParameterTypes) {
		return fmt.Errorf("%w: action %q (%d) expects %d-%d parameters, got %d",
			vm.ErrMalformed, def.Name, def.ID, def.MinParameters, len(def.ParameterTypes), argCount)
	}

	args, err := popArgs(in.Stack(), def, int(argCount))
	if err != nil {
		return err
	}

	ctx := &Context{In: in, ScriptName: d.CurrentScriptName}
	rets, err := d.call(ctx, def, args)
	if err != nil {
		in.AbortScript()
		return fmt.Errorf("%w: action %q: %v", vm.ErrActionFailed, def.Name, err)
	}
	return pushRets(in.Stack(), def, rets)
}

// Call invokes action id directly against already-marshaled args,
// bypassing the operand stack entirely. This is the entry point a
// non-bytecode back-end (jit/managed's goja engine) uses to reach the
// same action table and intrinsic-promotion behavior the interpreter
// gets through ExecuteAction, without needing a vm.Stack to marshal
// against.
func (d *Dispatcher) Call(in *vm.Interpreter, id uint16, args []Value) ([]Value, error) {
	def, ok := d.table.Lookup(id)
	if !ok {
		return nil, vm.ErrUnknownAction
	}
	return d.call(&Context{In: in, ScriptName: d.CurrentScriptName}, def, args)
}

func (d *Dispatcher) call(ctx *Context, def Def, args []Value) ([]Value, error) {
	if d.IntrinsicsEnabled {
		if fn, ok := d.intrinsics[def.ID]; ok {
			return fn(ctx, args)
		}
	}
	return d.dispatchSlow(ctx, def, args)
}

func (d *Dispatcher) dispatchSlow(ctx *Context, def Def, args []Value) ([]Value, error) {
	fn, ok := d.handlers[def.ID]
	if !ok {
		return nil, fmt.Errorf("action %q (%d) has no registered implementation", def.Name, def.ID)
	}
	return fn(ctx, args)
}

// CreateEngineStructure implements vm.ActionHost for hosts that don't
// need a richer registry (package engine's Registry implements this
// contract fully; a Dispatcher alone can't mint handles of its own, so
// this is only present so *Dispatcher satisfies vm.ActionHost when no
// engine structures are in play).
func (d *Dispatcher) CreateEngineStructure(typeIndex uint8) (vm.EngineStructHandle, error) {
	return vm.EngineStructHandle{}, fmt.Errorf("%w: no engine structure registry configured", vm.ErrResourceMissing)
}

func popArgs(s *vm.Stack, def Def, argCount int) ([]Value, error) {
	args := make([]Value, len(def.ParameterTypes))
	for i := 0; i < argCount; i++ {
		tag := def.ParameterTypes[i]
		v, err := popOne(s, tag, engineSlot(def, i))
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	for i := argCount; i < len(def.ParameterTypes); i++ {
		args[i] = defaultValue(def.ParameterTypes[i])
	}
	return args, nil
}

func engineSlot(def Def, i int) uint8 {
	if i < len(def.EngineStructSlots) {
		return def.EngineStructSlots[i]
	}
	return 0
}

func popOne(s *vm.Stack, tag vm.Tag, engineSlot uint8) (Value, error) {
	switch tag {
	case vm.TagInt:
		v, err := s.PopInt()
		return IntArg(v), err
	case vm.TagFloat:
		v, err := s.PopFloat()
		return FloatArg(v), err
	case vm.TagString:
		v, err := s.PopStringNeutral()
		return StringArg(v), err
	case vm.TagObject:
		v, err := s.PopObject()
		return ObjectArg(v), err
	case vm.TagVector:
		v, err := s.PopVector()
		return VectorArg(v), err
	case vm.TagEngineStruct:
		v, err := s.PopEngineStruct(engineSlot)
		return EngineStructArg(v), err
	default:
		return Value{}, fmt.Errorf("%w: unknown parameter tag %s", vm.ErrMalformed, tag)
	}
}

func pushRets(s *vm.Stack, def Def, rets []Value) error {
	if !def.HasReturn {
		return nil
	}
	if len(rets) == 0 {
		rets = []Value{defaultValue(def.ReturnType)}
	}
	v := rets[0]
	switch def.ReturnType {
	case vm.TagInt:
		return s.PushInt(v.Int())
	case vm.TagFloat:
		return s.PushFloat(v.Float())
	case vm.TagString:
		return s.PushStringNeutral(v.Bytes())
	case vm.TagObject:
		return s.PushObject(v.Object())
	case vm.TagVector:
		return s.PushVector(v.Vector)
	case vm.TagEngineStruct:
		return s.PushEngineStruct(def.ReturnEngineSlot, v.EngineStruct())
	default:
		return fmt.Errorf("%w: unknown return tag %s", vm.ErrMalformed, def.ReturnType)
	}
}
