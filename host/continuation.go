package host

import (
	"fmt"

	"golang.org/x/crypto/blake2b"

	"nwscript/vm"
)

// Fingerprint identifies the exact image a continuation was captured
// against: 32 bytes of BLAKE2b over the raw bytecode. A continuation
// only resumes correctly against the same script image it was captured
// from; this host enforces that precondition instead of trusting the
// caller, since resuming a saved continuation against a different or
// recompiled image silently corrupts PC/slot assumptions.
type Fingerprint [32]byte

func fingerprintImage(img *vm.Image) Fingerprint {
	return Fingerprint(blake2b.Sum256(img.Reader.Bytes()))
}

// Continuation is the host-level wrapper around a vm.Continuation: it
// remembers which script produced it so RunScriptSituation can look the
// image back up in the cache, and the image's fingerprint so a
// resumption against a stale or mismatched cache entry is rejected
// loudly instead of corrupting execution.
type Continuation struct {
	ScriptName  string
	Fingerprint Fingerprint
	VM          *vm.Continuation
}

// Capture wraps cont with the name and fingerprint of the image it was
// produced against.
func Capture(scriptName string, img *vm.Image, cont *vm.Continuation) *Continuation {
	return &Continuation{ScriptName: scriptName, Fingerprint: fingerprintImage(img), VM: cont}
}

// PushScriptSituation serializes c onto stack in the continuation wire
// format: globals deepest first, then a placeholder BP cell (Int 0,
// kept for frame-layout compatibility with the interpreter), then
// locals.
func (c *Continuation) PushScriptSituation(stack *vm.Stack) error {
	for _, g := range c.VM.ProgramSnapshot {
		if err := pushValue(stack, g); err != nil {
			return err
		}
	}
	if err := stack.PushInt(0); err != nil {
		return err
	}
	for _, l := range c.VM.Locals {
		if err := pushValue(stack, l); err != nil {
			return err
		}
	}
	return nil
}

// PopScriptSituation reconstructs a Continuation from stack, verifying
// img's fingerprint matches the one recorded at capture time.
func PopScriptSituation(stack *vm.Stack, scriptName string, img *vm.Image, resumeSubroutineID uint32, resumePC uint32, self vm.ObjectID, globalCount, localCount int, want Fingerprint) (*Continuation, error) {
	got := fingerprintImage(img)
	if got != want {
		return nil, fmt.Errorf("%w: continuation was captured against a different script image than %q currently resolves to", vm.ErrMalformed, scriptName)
	}

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

	return &Continuation{
		ScriptName:  scriptName,
		Fingerprint: want,
		VM: &vm.Continuation{
			ProgramSnapshot:    globals,
			Locals:             locals,
			ResumeSubroutineID: resumeSubroutineID,
			ResumePC:           resumePC,
			CurrentSelf:        self,
		},
	}, nil
}

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
	case vm.TagEngineStruct:
		return stack.PushEngineStruct(v.Struct.Type, v.Struct)
	default:
		return fmt.Errorf("%w: unknown continuation cell tag %s", vm.ErrMalformed, v.Tag)
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
	case vm.TagEngineStruct:
		top, err := stack.Peek(0)
		if err != nil {
			return vm.Value{}, err
		}
		h, err := stack.PopEngineStruct(top.Struct.Type)
		return vm.EngineStructValue(h), err
	default:
		return vm.Value{}, fmt.Errorf("%w: unknown continuation cell tag %s", vm.ErrMalformed, tag)
	}
}
