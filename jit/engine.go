// Package jit defines the back-end contract any compiled-code
// execution strategy must satisfy so the host driver can use it
// interchangeably with the bytecode interpreter. The package itself
// ships no compiling back-end; see jit/managed for a reference
// implementation built on an embedded JS runtime.
package jit

import (
	"nwscript/action"
	"nwscript/ir"
	"nwscript/vm"
)

// Program is an opaque compiled unit produced by Engine.Generate. Its
// concrete representation is back-end specific; the host driver only
// ever holds it and passes it back to the same Engine.
type Program any

// Resume is an opaque saved-state handle produced by Engine.SaveState or
// Engine.PopScriptSituation. Like Program, its shape is back-end
// specific.
type Resume any

// Engine is the contract every compiled-code back-end implements:
// generate a Program from IR, run it, suspend and resume it via the
// SAVE_STATE continuation protocol, and report enough about itself
// (CheckVersion, Name) that a host loading back-ends dynamically can
// guard against ABI drift.
type Engine interface {
	// Generate compiles ir into a Program ready to execute, bound to
	// actions for dispatch.
	Generate(program *ir.IR, actions *action.Table, flags ir.AnalyzeFlags, debugLevel int) (Program, error)

	// DeleteProgram releases a Program's resources. Calling it twice, or
	// on a Program not produced by this Engine, is a programming error.
	DeleteProgram(p Program)

	// ExecuteScript runs p to completion (or to its next SAVE_STATE),
	// mirroring vm.Interpreter.ExecuteScript's contract.
	ExecuteScript(p Program, host vm.ActionHost, self vm.ObjectID, params []string, defaultReturn int32, flags vm.RunFlags) (int32, error)

	// ExecuteScriptSituation resumes r against self, mirroring
	// vm.Interpreter.ExecuteScriptSituation.
	ExecuteScriptSituation(p Program, host vm.ActionHost, r Resume, self vm.ObjectID) (int32, error)

	// SaveState captures p's most recent suspension as a Resume, or nil
	// if p has not suspended since its last save was taken.
	SaveState(p Program) Resume

	// DeleteSavedState releases a Resume's resources.
	DeleteSavedState(r Resume)

	// DuplicateScriptSituation deep-copies r so the original and the
	// copy may each be resumed independently.
	DuplicateScriptSituation(r Resume) Resume

	// PushScriptSituation serializes r onto stack in the continuation
	// wire format: globals deepest first, a placeholder BP cell, then
	// locals. It returns the out-of-band fields a host needs to later
	// reconstruct it.
	PushScriptSituation(r Resume, stack *vm.Stack) (resumeMethodID uint32, resumePC uint32, globalCount, localCount int, self vm.ObjectID, err error)

	// PopScriptSituation deserializes a continuation from stack for p
	// using the out-of-band fields PushScriptSituation produced.
	PopScriptSituation(p Program, stack *vm.Stack, resumeMethodID, resumePC uint32, globalCount, localCount int, self vm.ObjectID) (Resume, error)

	// AbortScript sets the latch vm.Interpreter.AbortScript sets for the
	// bytecode interpreter, observed at the next action return.
	AbortScript(p Program)

	// IsScriptAborted reports whether AbortScript has been called on p
	// since its last execution began.
	IsScriptAborted(p Program) bool

	// CheckVersion reports whether this Engine's wire struct for class
	// matches the size the host expects, guarding against ABI drift when
	// a back-end is loaded dynamically.
	CheckVersion(class string, size int) bool

	// Name identifies the back-end for logging and diagnostics.
	Name() string
}
