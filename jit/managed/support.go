package managed

import (
	"fmt"

	"nwscript/action"
	"nwscript/vm"
)

// support is bound into the JS runtime as the global "Host" object: the
// only surface a managed script has for reaching the action table, the
// SAVE_STATE continuation protocol, and abort. It is the canonical
// binding between the host's action interface and every managed script.
type support struct {
	in         *vm.Interpreter
	dispatcher *action.Dispatcher
	table      *action.Table
	self       vm.ObjectID
	aborted    bool
	saved      *Resume
}

// Call dispatches a managed script's named action invocation through the
// same action.Dispatcher the bytecode interpreter uses, so a managed and
// a bytecode script calling "PrintString" produce identical host-visible
// behavior. Engine-struct-free calls (all of the builtin table) go
// through the fast batched convention, crossing into the dispatcher
// once per call; anything with an engine-struct participant falls back
// to the slow per-argument path, the only convention defined for those.
func (s *support) Call(name string, args []interface{}) (interface{}, error) {
	def, ok := s.table.ByName(name)
	if !ok {
		return nil, fmt.Errorf("managed: unknown action %q", name)
	}
	vals := make([]action.Value, len(def.ParameterTypes))
	for i, t := range def.ParameterTypes {
		if i < len(args) {
			vals[i] = convertArg(t, args[i])
		} else {
			vals[i] = action.Value{Tag: t}
		}
	}

	if cmds, res, fastOK := action.BuildFastCall(def, vals); fastOK {
		if !s.dispatcher.ExecuteActionFast(s.in, def.ID, uint8(len(def.ParameterTypes)), cmds) {
			s.aborted = true
			return nil, vm.ErrActionFailed
		}
		if !def.HasReturn {
			return nil, nil
		}
		return exportFastResult(def, res), nil
	}

	rets, err := s.dispatcher.Call(s.in, def.ID, vals)
	if err != nil {
		s.aborted = true
		return nil, err
	}
	if def.HasReturn && len(rets) > 0 {
		return exportRet(rets[0]), nil
	}
	return nil, nil
}

// exportFastResult converts a fast call's pop-slot storage into the JS
// value shape exportRet produces for the slow path, freeing any
// callee-allocated string view once its contents are copied out.
func exportFastResult(def action.Def, res *action.FastResult) interface{} {
	switch def.ReturnType {
	case vm.TagInt:
		return res.Int
	case vm.TagFloat:
		return res.Float
	case vm.TagObject:
		return uint32(res.Object)
	case vm.TagString:
		out := ""
		if res.Str != nil {
			out = string(res.Str.Data)
		}
		res.Str.Free()
		return out
	case vm.TagVector:
		return []interface{}{res.X, res.Y, res.Z}
	default:
		return nil
	}
}

// Print is a convenience shortcut equivalent to Call("PrintString", s);
// most managed test scripts use it directly rather than going through
// the generic Call binding.
func (s *support) Print(msg string) {
	_, _ = s.Call("PrintString", []interface{}{msg})
}

// SaveState records locals under resumeID as this execution's captured
// continuation. Unlike the bytecode
// interpreter, a managed script's JS call stack cannot be generically
// suspended mid-function; the documented contract for this back-end is
// that a script calls SaveState as its last statement before returning,
// the same shape as `return SAVE_STATE(...);` in the original language.
func (s *support) SaveState(resumeID int, locals []interface{}) {
	vals := make([]vm.Value, len(locals))
	for i, l := range locals {
		vals[i] = exportToVMValue(l)
	}
	s.saved = &Resume{ResumeID: uint32(resumeID), Locals: vals, Self: s.self}
}

// Abort sets the same latch vm.Interpreter.AbortScript sets, observed by
// the engine once control returns to ExecuteScript.
func (s *support) Abort() {
	s.aborted = true
}

// Self returns the object the script is currently executing as.
func (s *support) Self() uint32 {
	return uint32(s.self)
}

func convertArg(tag vm.Tag, v interface{}) action.Value {
	switch tag {
	case vm.TagInt:
		return action.IntArg(toInt32(v))
	case vm.TagFloat:
		return action.FloatArg(toFloat32(v))
	case vm.TagString:
		if s, ok := v.(string); ok {
			return action.StringArg([]byte(s))
		}
		return action.StringArg(nil)
	case vm.TagObject:
		return action.ObjectArg(vm.ObjectID(toInt32(v)))
	default:
		return action.Value{Tag: tag}
	}
}

func exportRet(v action.Value) interface{} {
	switch v.Tag {
	case vm.TagInt:
		return v.Int()
	case vm.TagFloat:
		return v.Float()
	case vm.TagString:
		return v.String()
	case vm.TagObject:
		return uint32(v.Object())
	default:
		return nil
	}
}

func exportToVMValue(v interface{}) vm.Value {
	switch t := v.(type) {
	case string:
		return vm.StringValue([]byte(t))
	case float64:
		if t == float64(int32(t)) {
			return vm.IntValue(int32(t))
		}
		return vm.FloatValue(float32(t))
	case int:
		return vm.IntValue(int32(t))
	case int64:
		return vm.IntValue(int32(t))
	case bool:
		if t {
			return vm.IntValue(1)
		}
		return vm.IntValue(0)
	default:
		return vm.Value{}
	}
}

func toInt32(v interface{}) int32 {
	switch t := v.(type) {
	case float64:
		return int32(t)
	case int:
		return int32(t)
	case int64:
		return int32(t)
	case int32:
		return t
	default:
		return 0
	}
}

func toFloat32(v interface{}) float32 {
	switch t := v.(type) {
	case float64:
		return float32(t)
	case float32:
		return t
	case int:
		return float32(t)
	case int64:
		return float32(t)
	default:
		return 0
	}
}
