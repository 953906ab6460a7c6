package action

import (
	"log/slog"

	"nwscript/vm"
)

// FastCmd is one entry kind in a fast-convention command array: a
// back-end batches an action call's parameter pushes, the call
// itself, and the return-value pops into a single crossing into host
// code instead of marshaling cell-by-cell through the operand stack.
type FastCmd uint8

const (
	FastPushInt FastCmd = iota
	FastPopInt
	FastPushFloat
	FastPopFloat
	FastPushObjectID
	FastPopObjectID
	FastPushString
	FastPopString
	// FastCall delimits the parameter pushes from the return-value pops.
	FastCall
)

func (c FastCmd) String() string {
	switch c {
	case FastPushInt:
		return "PushInt"
	case FastPopInt:
		return "PopInt"
	case FastPushFloat:
		return "PushFloat"
	case FastPopFloat:
		return "PopFloat"
	case FastPushObjectID:
		return "PushObjectId"
	case FastPopObjectID:
		return "PopObjectId"
	case FastPushString:
		return "PushString"
	case FastPopString:
		return "PopString"
	case FastCall:
		return "Call"
	default:
		return "?unknown?"
	}
}

// NeutralString is the {pointer, length} byte view strings use to cross
// the fast-call boundary without copying. Ownership follows the command
// kind: the caller owns a pushed NeutralString and frees it after the
// call; the callee owns the buffer it places into a pop slot and the
// caller frees that exactly once. Free nulls the data so a second Free
// is harmless.
type NeutralString struct {
	Data []byte
}

// Free releases the view. Freeing a nil or already-freed NeutralString
// does nothing.
func (n *NeutralString) Free() {
	if n != nil {
		n.Data = nil
	}
}

// FastCommand pairs a FastCmd with its parameter slot: a scalar value
// for pushes, a pointer to storage for pops. Only the field matching
// Cmd is consulted.
type FastCommand struct {
	Cmd FastCmd

	Int    int32
	Float  float32
	Object vm.ObjectID
	Str    *NeutralString

	IntOut    *int32
	FloatOut  *float32
	ObjectOut *vm.ObjectID
	StrOut    **NeutralString
}

// ExecuteActionFast is the batched half of the dispatch contract: it
// unmarshals cmds against actionID's declared parameter shape, runs the
// same handler/intrinsic path ExecuteAction uses, and writes return
// values into the pop slots.
// A false return means the call failed; the caller reports that to the
// interpreter as ActionFailed and must treat the script as aborted. When
// the handler or the return marshalling fails, every string pop slot
// has been freed and nulled; scalar pop slots are left as they were, and
// a call rejected before the handler runs leaves all pop slots untouched.
//
// The fast convention is unusable when any parameter or return is an
// engine structure; such calls return false and must go through
// ExecuteAction instead.
func (d *Dispatcher) ExecuteActionFast(in *vm.Interpreter, actionID uint16, argCount uint8, cmds []FastCommand) bool {
	def, ok := d.table.Lookup(actionID)
	if !ok {
		slog.Warn("nwscript: fast call to unknown action", "action", actionID)
		return false
	}
	if int(argCount) < def.MinParameters || int(argCount) > len(def.ParameterTypes) {
		slog.Warn("nwscript: fast call with bad argument count",
			"action", def.Name, "argc", argCount)
		return false
	}
	for _, t := range def.ParameterTypes {
		if t == vm.TagEngineStruct {
			return false
		}
	}
	if def.HasReturn && def.ReturnType == vm.TagEngineStruct {
		return false
	}

	args, idx, ok := unmarshalFastArgs(def, int(argCount), cmds)
	if !ok {
		return false
	}
	if idx >= len(cmds) || cmds[idx].Cmd != FastCall {
		slog.Warn("nwscript: fast command array missing Call delimiter", "action", def.Name)
		return false
	}
	idx++

	ctx := &Context{In: in, ScriptName: d.CurrentScriptName}
	rets, err := d.call(ctx, def, args)
	if err != nil {
		slog.Warn("nwscript: fast action failed", "action", def.Name, "error", err)
		freeFastPops(cmds[idx:])
		return false
	}

	if !marshalFastRets(def, rets, cmds[idx:]) {
		freeFastPops(cmds[idx:])
		return false
	}
	return true
}

// unmarshalFastArgs walks the push prefix of cmds, grouping commands
// per def's declared parameter types (a vector parameter consumes three
// PushFloat entries). Parameters the call site omitted past argCount
// default per their type, mirroring popArgs.
func unmarshalFastArgs(def Def, argCount int, cmds []FastCommand) ([]Value, int, bool) {
	args := make([]Value, len(def.ParameterTypes))
	idx := 0
	take := func(want FastCmd) (FastCommand, bool) {
		if idx >= len(cmds) || cmds[idx].Cmd != want {
			return FastCommand{}, false
		}
		c := cmds[idx]
		idx++
		return c, true
	}
	for i := 0; i < argCount; i++ {
		switch def.ParameterTypes[i] {
		case vm.TagInt:
			c, ok := take(FastPushInt)
			if !ok {
				return nil, idx, false
			}
			args[i] = IntArg(c.Int)
		case vm.TagFloat:
			c, ok := take(FastPushFloat)
			if !ok {
				return nil, idx, false
			}
			args[i] = FloatArg(c.Float)
		case vm.TagObject:
			c, ok := take(FastPushObjectID)
			if !ok {
				return nil, idx, false
			}
			args[i] = ObjectArg(c.Object)
		case vm.TagString:
			c, ok := take(FastPushString)
			if !ok || c.Str == nil {
				return nil, idx, false
			}
			args[i] = StringArg(c.Str.Data)
		case vm.TagVector:
			x, ok1 := take(FastPushFloat)
			y, ok2 := take(FastPushFloat)
			z, ok3 := take(FastPushFloat)
			if !ok1 || !ok2 || !ok3 {
				return nil, idx, false
			}
			args[i] = VectorArg(vm.Vector{X: x.Float, Y: y.Float, Z: z.Float})
		default:
			return nil, idx, false
		}
	}
	for i := argCount; i < len(def.ParameterTypes); i++ {
		args[i] = defaultValue(def.ParameterTypes[i])
	}
	return args, idx, true
}

// marshalFastRets writes the handler's return value into the pop slots
// following the Call delimiter. A vector return fills three PopFloat
// slots in x, y, z order; a string return allocates a fresh
// NeutralString the caller must free.
func marshalFastRets(def Def, rets []Value, pops []FastCommand) bool {
	if !def.HasReturn {
		return len(pops) == 0
	}
	v := defaultValue(def.ReturnType)
	if len(rets) > 0 {
		v = rets[0]
	}
	idx := 0
	take := func(want FastCmd) (FastCommand, bool) {
		if idx >= len(pops) || pops[idx].Cmd != want {
			return FastCommand{}, false
		}
		c := pops[idx]
		idx++
		return c, true
	}
	switch def.ReturnType {
	case vm.TagInt:
		c, ok := take(FastPopInt)
		if !ok || c.IntOut == nil {
			return false
		}
		*c.IntOut = v.Int()
	case vm.TagFloat:
		c, ok := take(FastPopFloat)
		if !ok || c.FloatOut == nil {
			return false
		}
		*c.FloatOut = v.Float()
	case vm.TagObject:
		c, ok := take(FastPopObjectID)
		if !ok || c.ObjectOut == nil {
			return false
		}
		*c.ObjectOut = v.Object()
	case vm.TagString:
		c, ok := take(FastPopString)
		if !ok || c.StrOut == nil {
			return false
		}
		*c.StrOut = &NeutralString{Data: append([]byte(nil), v.Bytes()...)}
	case vm.TagVector:
		for _, f := range []float32{v.Vector.X, v.Vector.Y, v.Vector.Z} {
			c, ok := take(FastPopFloat)
			if !ok || c.FloatOut == nil {
				return false
			}
			*c.FloatOut = f
		}
	default:
		return false
	}
	return idx == len(pops)
}

// freeFastPops releases every string already allocated into a pop slot
// and nulls every string pop destination, so a failed call never leaks a
// callee-allocated buffer or leaves a dangling view behind. Scalar pop
// destinations are not touched.
func freeFastPops(pops []FastCommand) {
	for _, c := range pops {
		if c.Cmd == FastPopString && c.StrOut != nil {
			(*c.StrOut).Free()
			*c.StrOut = nil
		}
	}
}

// FastResult is the pop-slot storage BuildFastCall allocates for a
// call's return value, one field per possible return shape.
type FastResult struct {
	Int     int32
	Float   float32
	Object  vm.ObjectID
	Str     *NeutralString
	X, Y, Z float32
}

// BuildFastCall assembles the command array for calling def with args
// (in declared parameter order), returning the result storage the pop
// commands write into. ok is false when the call has an engine-struct
// participant and must use the slow convention instead.
func BuildFastCall(def Def, args []Value) (cmds []FastCommand, res *FastResult, ok bool) {
	if def.HasReturn && def.ReturnType == vm.TagEngineStruct {
		return nil, nil, false
	}
	for i, t := range def.ParameterTypes {
		if i >= len(args) {
			break
		}
		switch t {
		case vm.TagInt:
			cmds = append(cmds, FastCommand{Cmd: FastPushInt, Int: args[i].Int()})
		case vm.TagFloat:
			cmds = append(cmds, FastCommand{Cmd: FastPushFloat, Float: args[i].Float()})
		case vm.TagObject:
			cmds = append(cmds, FastCommand{Cmd: FastPushObjectID, Object: args[i].Object()})
		case vm.TagString:
			cmds = append(cmds, FastCommand{Cmd: FastPushString, Str: &NeutralString{Data: args[i].Bytes()}})
		case vm.TagVector:
			v := args[i].Vector
			cmds = append(cmds,
				FastCommand{Cmd: FastPushFloat, Float: v.X},
				FastCommand{Cmd: FastPushFloat, Float: v.Y},
				FastCommand{Cmd: FastPushFloat, Float: v.Z})
		default:
			return nil, nil, false
		}
	}
	cmds = append(cmds, FastCommand{Cmd: FastCall})

	res = &FastResult{}
	if def.HasReturn {
		switch def.ReturnType {
		case vm.TagInt:
			cmds = append(cmds, FastCommand{Cmd: FastPopInt, IntOut: &res.Int})
		case vm.TagFloat:
			cmds = append(cmds, FastCommand{Cmd: FastPopFloat, FloatOut: &res.Float})
		case vm.TagObject:
			cmds = append(cmds, FastCommand{Cmd: FastPopObjectID, ObjectOut: &res.Object})
		case vm.TagString:
			cmds = append(cmds, FastCommand{Cmd: FastPopString, StrOut: &res.Str})
		case vm.TagVector:
			cmds = append(cmds,
				FastCommand{Cmd: FastPopFloat, FloatOut: &res.X},
				FastCommand{Cmd: FastPopFloat, FloatOut: &res.Y},
				FastCommand{Cmd: FastPopFloat, FloatOut: &res.Z})
		default:
			return nil, nil, false
		}
	}
	return cmds, res, true
}
