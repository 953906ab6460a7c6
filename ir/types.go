// Package ir implements the analyzer: it decodes a bytecode image
// into subroutines, a control-flow graph per subroutine, and a small
// typed instruction IR suitable for translation by a JIT back-end.
package ir

import "nwscript/vm"

// VariableClass is the closed set of roles an IR variable can play.
type VariableClass int

const (
	ClassGlobal VariableClass = iota
	ClassLocal
	ClassParameter
	ClassReturnValue
	ClassCallParameter
	ClassCallReturnValue
	ClassConstant
)

func (c VariableClass) String() string {
	switch c {
	case ClassGlobal:
		return "Global"
	case ClassLocal:
		return "Local"
	case ClassParameter:
		return "Parameter"
	case ClassReturnValue:
		return "ReturnValue"
	case ClassCallParameter:
		return "CallParameter"
	case ClassCallReturnValue:
		return "CallReturnValue"
	case ClassConstant:
		return "Constant"
	default:
		return "?unknown?"
	}
}

// VariableFlags carries the analyzer's annotations on a Variable.
type VariableFlags uint8

const (
	// MultiplyCreated marks a variable materialized at a control-flow
	// join from two or more divergent creation histories: back-ends
	// must not pool it into a reusable slot.
	MultiplyCreated VariableFlags = 1 << iota
)

// Variable is one IR-level value: either a genuine stack-cell identity
// carried through abstract interpretation, or a constant materialized by
// a CONSTx opcode.
type Variable struct {
	ID    int
	Class VariableClass
	Type  vm.Tag
	Flags VariableFlags
	// Slot is an opaque index a back-end may use for physical
	// allocation; the analyzer never interprets it itself.
	Slot int

	// Literal* hold the decoded value for ClassConstant variables; only
	// the field matching Type is meaningful.
	LiteralInt    int32
	LiteralFloat  float32
	LiteralString []byte
	LiteralObject vm.ObjectID
}

// Op is the closed IR instruction opcode set.
type Op int

const (
	OpCreate Op = iota
	OpDelete
	OpAssign
	OpTest
	OpJz
	OpJnz
	OpCallSub
	OpRetn
	OpAction
	OpSaveState
	OpBinary
	OpUnary
	OpInitialize
)

// Instr is one IR instruction. Only the fields relevant to Op are
// populated; the rest are zero.
type Instr struct {
	Op Op

	// Dst/Src cover CREATE, DELETE, ASSIGN, TEST, INITIALIZE.
	Dst *Variable
	Src *Variable

	// BinOp names the concrete operator for OpBinary/OpUnary (A/B for a
	// binary op, A alone for a unary one); Result is its materialized
	// output.
	BinOp  vm.Opcode
	A, B   *Variable
	Result *Variable

	// Label is the branch target (a ControlFlow start-PC) for OpJz/OpJnz.
	Label uint32

	// SubAddr names the target subroutine address for OpCallSub, or the
	// resume subroutine address for OpSaveState.
	SubAddr uint32
	// ResumeID is SAVE_STATE's opaque script-situation identifier.
	ResumeID uint32
	// GlobalCount/LocalCount mirror SAVE_STATE's captured counts.
	GlobalCount, LocalCount int

	// Args/Rets cover OpCallSub and OpAction parameter/return lists.
	Args []*Variable
	Rets []*Variable

	// ActionID names the action-service ordinal for OpAction.
	ActionID uint16
}

// TermKind classifies how a ControlFlow hands off to its children.
type TermKind int

const (
	Terminate TermKind = iota // no children: RETN or HALT
	Merge                     // one child, itself a join point
	Transfer                  // one child, not a join point
	Split                     // two children: a conditional branch
)

func (k TermKind) String() string {
	switch k {
	case Terminate:
		return "Terminate"
	case Merge:
		return "Merge"
	case Transfer:
		return "Transfer"
	case Split:
		return "Split"
	default:
		return "?unknown?"
	}
}

// Termination is a ControlFlow's exit edge set. Children holds 0, 1, or 2
// start-PCs depending on Kind.
type Termination struct {
	Kind     TermKind
	Children []uint32
}

// ControlFlow is one basic block: a straight-line instruction run that
// starts at StartPC and ends at a branch, a RETN/HALT, or where it
// falls through into another block's start. A CALL does not end a block.
type ControlFlow struct {
	StartPC, EndPC uint32
	Instructions   []Instr
	Termination    Termination
}

// Subroutine is one function in the script image, discovered by the
// analyzer from the address it's first reached at (the script's entry
// point, or a CALL target reachable from it).
type Subroutine struct {
	Address      uint32
	Parameters   []vm.Tag
	ReturnType   vm.Tag
	HasReturn    bool
	Locals       []*Variable
	ControlFlows map[uint32]*ControlFlow
}

// AnalyzeFlags mirrors the contract's `flags` parameter.
type AnalyzeFlags uint32

const (
	// StructureOnly discovers subroutines and control flow but does not
	// raise instructions to IR (ControlFlow.Instructions stays nil).
	StructureOnly AnalyzeFlags = 1 << iota
	// NoOptimizations skips optional passes. The analyzer currently has
	// none beyond the mandatory merge/typing pass, so this is accepted
	// and otherwise inert; it exists for forward compatibility with a
	// back-end that adds optimizing rewrites ahead of IR consumption.
	NoOptimizations
)

// IR is the analyzer's output: every subroutine reachable from the entry
// point, keyed by address.
type IR struct {
	EntryPC     uint32
	Subroutines map[uint32]*Subroutine

	// Source is non-nil only for an image recognized as a managed
	// script (see jit/managed/signature.go): Analyze is never called for
	// these, and a *IR carrying only Source is handed directly to
	// jit/managed's Engine instead of a bytecode-derived back-end.
	Source []byte
}
