package action

import (
	"fmt"
	"strconv"

	"nwscript/vm"
)

// The example action table: enough to drive the end-to-end host
// scenarios and exercise both calling conventions and intrinsic
// promotion. This is deliberately not a full action-service
// implementation.
const (
	ActionPrintString uint16 = iota
	ActionDelayCommand
	ActionAssignCommand
	ActionExecuteScript
	ActionGetStringLength
	ActionGetSubString
	ActionGetStringLeft
	ActionGetStringRight
	ActionIntToString
	ActionObjectToString
)

// Printer is the sink PrintString writes to; package host's driver wires
// its own log/slog-backed implementation here rather than action
// depending on host (which would be an import cycle, since host depends
// on action for dispatch).
type Printer interface {
	Print(s string)
}

// DeferredSink is how DelayCommand/AssignCommand hand a captured
// continuation to the timer-backed scheduler that actually owns the
// pending/armed deferred-action lifecycle (package host/timer); actions
// register a continuation, they don't run one.
type DeferredSink interface {
	// Defer schedules cont, captured while executing scriptName, to
	// resume against self after delaySeconds (0 for AssignCommand's "run
	// as soon as the main loop gets to it").
	Defer(self vm.ObjectID, scriptName string, delaySeconds float32, cont *vm.Continuation)
}

// ScriptLoader resolves a script name to a loadable image, for
// ExecuteScript's re-entrant call-back into the host driver's cache.
type ScriptLoader interface {
	Load(name string) (*vm.Image, bool)
}

// BuiltinConfig supplies the host capabilities the example action table
// needs beyond pure value marshaling.
type BuiltinConfig struct {
	Printer  Printer
	Deferred DeferredSink
	Loader   ScriptLoader
}

// NewBuiltinDispatcher registers the example action table and wires its
// handlers against cfg's host capabilities, with intrinsic promotion
// enabled for the whitelisted string/conversion actions.
func NewBuiltinDispatcher(cfg BuiltinConfig) *Dispatcher {
	table := NewTable()
	table.Register(Def{ID: ActionPrintString, Name: "PrintString", ParameterTypes: []vm.Tag{vm.TagString}, MinParameters: 1})
	table.Register(Def{ID: ActionDelayCommand, Name: "DelayCommand", ParameterTypes: []vm.Tag{vm.TagFloat}, MinParameters: 1})
	table.Register(Def{ID: ActionAssignCommand, Name: "AssignCommand", ParameterTypes: []vm.Tag{vm.TagObject}, MinParameters: 1})
	table.Register(Def{ID: ActionExecuteScript, Name: "ExecuteScript", ParameterTypes: []vm.Tag{vm.TagString, vm.TagObject}, MinParameters: 2})
	table.Register(Def{ID: ActionGetStringLength, Name: "GetStringLength", HasReturn: true, ReturnType: vm.TagInt, ParameterTypes: []vm.Tag{vm.TagString}, MinParameters: 1})
	table.Register(Def{ID: ActionGetSubString, Name: "GetSubString", HasReturn: true, ReturnType: vm.TagString, ParameterTypes: []vm.Tag{vm.TagString, vm.TagInt, vm.TagInt}, MinParameters: 3})
	table.Register(Def{ID: ActionGetStringLeft, Name: "GetStringLeft", HasReturn: true, ReturnType: vm.TagString, ParameterTypes: []vm.Tag{vm.TagString, vm.TagInt}, MinParameters: 2})
	table.Register(Def{ID: ActionGetStringRight, Name: "GetStringRight", HasReturn: true, ReturnType: vm.TagString, ParameterTypes: []vm.Tag{vm.TagString, vm.TagInt}, MinParameters: 2})
	table.Register(Def{ID: ActionIntToString, Name: "IntToString", HasReturn: true, ReturnType: vm.TagString, ParameterTypes: []vm.Tag{vm.TagInt}, MinParameters: 1})
	table.Register(Def{ID: ActionObjectToString, Name: "ObjectToString", HasReturn: true, ReturnType: vm.TagString, ParameterTypes: []vm.Tag{vm.TagObject}, MinParameters: 1})

	d := NewDispatcher(table)
	d.IntrinsicsEnabled = true

	d.Handle(ActionPrintString, func(ctx *Context, args []Value) ([]Value, error) {
		if cfg.Printer != nil {
			cfg.Printer.Print(args[0].String())
		}
		return nil, nil
	})

	d.Handle(ActionDelayCommand, func(ctx *Context, args []Value) ([]Value, error) {
		cont := ctx.In.TakeSavedState()
		if cont == nil {
			return nil, fmt.Errorf("DelayCommand called without a preceding SAVE_STATE")
		}
		if cfg.Deferred == nil {
			return nil, fmt.Errorf("no deferred-action sink configured")
		}
		cfg.Deferred.Defer(ctx.In.CurrentSelf(), ctx.ScriptName, args[0].Float(), cont)
		return nil, nil
	})

	d.Handle(ActionAssignCommand, func(ctx *Context, args []Value) ([]Value, error) {
		cont := ctx.In.TakeSavedState()
		if cont == nil {
			return nil, fmt.Errorf("AssignCommand called without a preceding SAVE_STATE")
		}
		if cfg.Deferred == nil {
			return nil, fmt.Errorf("no deferred-action sink configured")
		}
		subject := args[0].Object()
		cont.CurrentSelf = subject
		cfg.Deferred.Defer(subject, ctx.ScriptName, 0, cont)
		return nil, nil
	})

	d.Handle(ActionExecuteScript, func(ctx *Context, args []Value) ([]Value, error) {
		if cfg.Loader == nil {
			return nil, fmt.Errorf("no script loader configured")
		}
		name := args[0].String()
		img, ok := cfg.Loader.Load(name)
		if !ok {
			return nil, fmt.Errorf("%w: script %q", vm.ErrResourceMissing, name)
		}
		prevName := d.CurrentScriptName
		d.CurrentScriptName = name
		_, err := ctx.In.ExecuteScript(img, args[1].Object(), nil, 0, 0)
		d.CurrentScriptName = prevName
		if err != nil {
			return nil, err
		}
		return nil, nil
	})

	d.Handle(ActionGetStringLength, intrinsicStringLength)
	d.Handle(ActionGetSubString, intrinsicSubString)
	d.Handle(ActionGetStringLeft, intrinsicStringLeft)
	d.Handle(ActionGetStringRight, intrinsicStringRight)
	d.Handle(ActionIntToString, intrinsicIntToString)
	d.Handle(ActionObjectToString, func(ctx *Context, args []Value) ([]Value, error) {
		return []Value{StringArg([]byte(strconv.FormatUint(uint64(args[0].Object()), 10)))}, nil
	})

	d.HandleIntrinsic(ActionGetStringLength, intrinsicStringLength)
	d.HandleIntrinsic(ActionGetSubString, intrinsicSubString)
	d.HandleIntrinsic(ActionGetStringLeft, intrinsicStringLeft)
	d.HandleIntrinsic(ActionGetStringRight, intrinsicStringRight)
	d.HandleIntrinsic(ActionIntToString, intrinsicIntToString)

	return d
}
