package jit

import (
	"reflect"

	"nwscript/action"
	"nwscript/vm"
)

// Version classes name the wire structs shared between the host and a
// back-end. A host loading a back-end dynamically calls
// Engine.CheckVersion once per class with the size it was compiled
// against; a mismatch means the two halves disagree on a struct layout
// and the back-end must be rejected before it ever touches a live
// stack.
const (
	ClassReaderState   = "reader-state"
	ClassStack         = "stack"
	ClassActionDef     = "action-definition"
	ClassNeutralString = "neutral-string"
)

// ExpectedSize reports the size of the named wire struct as this build
// of the host sees it. ok is false for a class this host does not
// define.
func ExpectedSize(class string) (size int, ok bool) {
	switch class {
	case ClassReaderState:
		return int(reflect.TypeOf(vm.Reader{}).Size()), true
	case ClassStack:
		return int(reflect.TypeOf(vm.Stack{}).Size()), true
	case ClassActionDef:
		return int(reflect.TypeOf(action.Def{}).Size()), true
	case ClassNeutralString:
		return int(reflect.TypeOf(action.NeutralString{}).Size()), true
	default:
		return 0, false
	}
}

// CheckAllVersions runs the full handshake against e, reporting false
// on the first class whose size the back-end disagrees with.
func CheckAllVersions(e Engine) bool {
	for _, class := range []string{ClassReaderState, ClassStack, ClassActionDef, ClassNeutralString} {
		size, _ := ExpectedSize(class)
		if !e.CheckVersion(class, size) {
			return false
		}
	}
	return true
}
