// Package managed implements jit's reference "managed scripts"
// back-end: a script recognized by its signature byte (see
// signature.go) is JavaScript, executed in an embedded goja.Runtime
// rather than interpreted as NWScript bytecode or compiled from IR.
package managed

import (
	"fmt"

	"github.com/dop251/goja"

	"nwscript/action"
	"nwscript/ir"
	"nwscript/jit"
	"nwscript/vm"
)

// Program is the compiled unit Engine.Generate produces for a managed
// script.
type Program struct {
	compiled *goja.Program
	table    *action.Table
	aborted  bool
	saved    *Resume
}

// Resume is the managed back-end's continuation. It only ever carries
// the locals a script explicitly handed to Host.SaveState, since a JS
// call stack has no generic serialization the way the bytecode
// interpreter's operand stack does.
type Resume struct {
	ResumeID uint32
	Globals  []vm.Value
	Locals   []vm.Value
	Self     vm.ObjectID
}

// Engine is the jit.Engine implementation backed by goja.
type Engine struct{}

// New constructs a managed-script engine.
func New() *Engine { return &Engine{} }

// Generate compiles the JS source carried by program.Source. It returns
// an error for any IR that did not come from a signature-detected
// managed image (program.Source empty): this back-end never compiles
// NWScript bytecode IR itself.
func (e *Engine) Generate(program *ir.IR, actions *action.Table, flags ir.AnalyzeFlags, debugLevel int) (jit.Program, error) {
	if program == nil || len(program.Source) == 0 {
		return nil, fmt.Errorf("managed: no JS source attached to IR; this back-end only runs signature-detected managed scripts")
	}
	compiled, err := goja.Compile("managed-script", string(program.Source), true)
	if err != nil {
		return nil, fmt.Errorf("managed: compile: %w", err)
	}
	return &Program{compiled: compiled, table: actions}, nil
}

// DeleteProgram is a no-op: goja.Program holds no host-side resources
// beyond normal GC'd memory.
func (e *Engine) DeleteProgram(p jit.Program) {}

// ExecuteScript requires host to be an *action.Dispatcher (the managed
// back-end's Host object dispatches actions by name through the same
// table-driven Call path the bytecode interpreter uses); any other
// vm.ActionHost implementation is rejected rather than silently
// producing a script that can never call an action.
func (e *Engine) ExecuteScript(p jit.Program, host vm.ActionHost, self vm.ObjectID, params []string, defaultReturn int32, flags vm.RunFlags) (int32, error) {
	prog, ok := p.(*Program)
	if !ok {
		return defaultReturn, fmt.Errorf("managed: not a managed Program")
	}
	dispatcher, ok := host.(*action.Dispatcher)
	if !ok {
		return defaultReturn, fmt.Errorf("managed: host must be an *action.Dispatcher, got %T", host)
	}

	prog.aborted = false
	prog.saved = nil

	rt := goja.New()
	rt.SetFieldNameMapper(goja.UncapFieldNameMapper())
	sup := &support{in: vm.NewInterpreter(dispatcher, vm.InvalidObjectID), dispatcher: dispatcher, table: prog.table, self: self}
	rt.Set("Host", sup)
	args := make([]interface{}, len(params))
	for i, s := range params {
		args[i] = s
	}
	rt.Set("Params", args)

	v, err := rt.RunProgram(prog.compiled)
	if err != nil {
		if sup.aborted {
			prog.aborted = true
			return defaultReturn, vm.ErrActionFailed
		}
		return defaultReturn, fmt.Errorf("managed: %w", err)
	}
	if sup.saved != nil {
		prog.saved = sup.saved
		return defaultReturn, nil
	}
	if v == nil || goja.IsUndefined(v) {
		return defaultReturn, nil
	}
	return int32(v.ToInteger()), nil
}

// ExecuteScriptSituation resumes r by re-running the program with
// Params bound to r's captured locals; a managed script is expected to
// branch on its resume ID (the first element of Params) the same way a
// bytecode SAVE_STATE's resume subroutine is dispatched by PC.
func (e *Engine) ExecuteScriptSituation(p jit.Program, host vm.ActionHost, r jit.Resume, self vm.ObjectID) (int32, error) {
	prog, ok := p.(*Program)
	if !ok {
		return 0, fmt.Errorf("managed: not a managed Program")
	}
	resume, ok := r.(*Resume)
	if !ok {
		return 0, fmt.Errorf("managed: not a managed Resume")
	}
	dispatcher, ok := host.(*action.Dispatcher)
	if !ok {
		return 0, fmt.Errorf("managed: host must be an *action.Dispatcher, got %T", host)
	}

	prog.aborted = false
	prog.saved = nil

	rt := goja.New()
	rt.SetFieldNameMapper(goja.UncapFieldNameMapper())
	sup := &support{in: vm.NewInterpreter(dispatcher, vm.InvalidObjectID), dispatcher: dispatcher, table: prog.table, self: resume.Self}
	rt.Set("Host", sup)
	resumeArgs := make([]interface{}, len(resume.Locals)+1)
	resumeArgs[0] = float64(resume.ResumeID)
	for i, l := range resume.Locals {
		resumeArgs[i+1] = exportRet(valueToAction(l))
	}
	rt.Set("Params", resumeArgs)

	v, err := rt.RunProgram(prog.compiled)
	if err != nil {
		if sup.aborted {
			prog.aborted = true
			return 0, vm.ErrActionFailed
		}
		return 0, fmt.Errorf("managed: %w", err)
	}
	if sup.saved != nil {
		prog.saved = sup.saved
		return 0, nil
	}
	if v == nil || goja.IsUndefined(v) {
		return 0, nil
	}
	return int32(v.ToInteger()), nil
}

// SaveState returns the continuation the most recent ExecuteScript (or
// ExecuteScriptSituation) captured via Host.SaveState, or nil.
func (e *Engine) SaveState(p jit.Program) jit.Resume {
	prog := p.(*Program)
	if prog.saved == nil {
		return nil
	}
	return prog.saved
}

// DeleteSavedState is a no-op for the same reason DeleteProgram is.
func (e *Engine) DeleteSavedState(r jit.Resume) {}

// DuplicateScriptSituation deep-copies r's captured locals so the
// original and the copy resume independently.
func (e *Engine) DuplicateScriptSituation(r jit.Resume) jit.Resume {
	src := r.(*Resume)
	locals := make([]vm.Value, len(src.Locals))
	copy(locals, src.Locals)
	return &Resume{ResumeID: src.ResumeID, Globals: append([]vm.Value(nil), src.Globals...), Locals: locals, Self: src.Self}
}

// PushScriptSituation serializes r's locals onto stack using the same
// wire layout the bytecode interpreter's continuation uses (globals,
// placeholder BP, locals), so a managed continuation can be handed to
// the same host.Driver persistence path as a bytecode one.
func (e *Engine) PushScriptSituation(r jit.Resume, stack *vm.Stack) (resumeMethodID uint32, resumePC uint32, globalCount, localCount int, self vm.ObjectID, err error) {
	resume := r.(*Resume)
	for _, g := range resume.Globals {
		if pushErr := pushValue(stack, g); pushErr != nil {
			return 0, 0, 0, 0, 0, pushErr
		}
	}
	if pushErr := stack.PushInt(0); pushErr != nil {
		return 0, 0, 0, 0, 0, pushErr
	}
	for _, l := range resume.Locals {
		if pushErr := pushValue(stack, l); pushErr != nil {
			return 0, 0, 0, 0, 0, pushErr
		}
	}
	return resume.ResumeID, 0, len(resume.Globals), len(resume.Locals), resume.Self, nil
}

// PopScriptSituation reconstructs a Resume from stack using the
// out-of-band fields PushScriptSituation produced.
func (e *Engine) PopScriptSituation(p jit.Program, stack *vm.Stack, resumeMethodID, resumePC uint32, globalCount, localCount int, self vm.ObjectID) (jit.Resume, error) {
	locals := make([]vm.Value, localCount)
	for i := localCount - 1; i >= 0; i-- {
		v, err := popValue(stack)
		if err != nil {
			return nil, err
		}
		locals[i] = v
	}
	if _, err := stack.PopInt(); err != nil {
		return nil, err
	}
	globals := make([]vm.Value, globalCount)
	for i := globalCount - 1; i >= 0; i-- {
		v, err := popValue(stack)
		if err != nil {
			return nil, err
		}
		globals[i] = v
	}
	return &Resume{ResumeID: resumeMethodID, Globals: globals, Locals: locals, Self: self}, nil
}

// AbortScript sets the same latch the bytecode interpreter's
// AbortScript sets.
func (e *Engine) AbortScript(p jit.Program) {
	p.(*Program).aborted = true
}

// IsScriptAborted reports whether AbortScript has fired since p's last
// execution began.
func (e *Engine) IsScriptAborted(p jit.Program) bool {
	return p.(*Program).aborted
}

// CheckVersion compares size against this build's layout of the named
// wire struct. An in-process back-end compiled with the host can never
// drift, so this is the degenerate case of the handshake a dynamically
// loaded back-end needs; an unknown class is rejected rather than
// waved through.
func (e *Engine) CheckVersion(class string, size int) bool {
	want, ok := jit.ExpectedSize(class)
	return ok && want == size
}

// Name identifies this back-end in logs and diagnostics.
func (e *Engine) Name() string { return "managed-goja" }

func pushValue(stack *vm.Stack, v vm.Value) error {
	switch v.Tag {
	case vm.TagInt:
		return stack.PushInt(v.Int)
	case vm.TagFloat:
		return stack.PushFloat(v.Float)
	case vm.TagString:
		return stack.PushStringNeutral(v.Str)
	case vm.TagObject:
		return stack.PushObject(v.Object)
	default:
		return stack.PushInt(0)
	}
}

func popValue(stack *vm.Stack) (vm.Value, error) {
	tag, err := stack.TopType()
	if err != nil {
		return vm.Value{}, err
	}
	switch tag {
	case vm.TagInt:
		i, err := stack.PopInt()
		return vm.IntValue(i), err
	case vm.TagFloat:
		f, err := stack.PopFloat()
		return vm.FloatValue(f), err
	case vm.TagString:
		s, err := stack.PopStringNeutral()
		return vm.StringValue(s), err
	case vm.TagObject:
		o, err := stack.PopObject()
		return vm.ObjectValue(o), err
	default:
		i, err := stack.PopInt()
		return vm.IntValue(i), err
	}
}

func valueToAction(v vm.Value) action.Value {
	switch v.Tag {
	case vm.TagInt:
		return action.IntArg(v.Int)
	case vm.TagFloat:
		return action.FloatArg(v.Float)
	case vm.TagString:
		return action.StringArg(v.Str)
	case vm.TagObject:
		return action.ObjectArg(v.Object)
	default:
		return action.Value{}
	}
}
