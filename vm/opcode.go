package vm

// Opcode is the closed bytecode instruction set the Reader decodes and
// the Interpreter executes: a single byte-sized type with a string
// table and arity helpers for the stack-machine instruction set.
type Opcode byte

const (
	OpNop Opcode = iota

	OpCreate
	OpDelete
	OpAssign
	OpJz
	OpJnz
	OpJmp
	OpCall
	OpRetn
	OpAction
	OpSaveState

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpIncOr
	OpExcOr
	OpBoolAnd
	OpLogAnd
	OpLogOr
	OpShLeft
	OpShRight
	OpUShRight
	OpEqual
	OpNEqual
	OpLT
	OpLEq
	OpGT
	OpGEq

	OpNeg
	OpNot
	OpComp
	OpInc
	OpDec

	OpConstInt
	OpConstFloat
	OpConstString
	OpConstObject

	OpCPTopSP
	OpCPDownSP
	OpCPTopBP
	OpCPDownBP

	OpDestruct

	OpHalt
)

var opcodeNames = map[Opcode]string{
	OpNop:         "NOP",
	OpCreate:      "CREATE",
	OpDelete:      "DELETE",
	OpAssign:      "ASSIGN",
	OpJz:          "JZ",
	OpJnz:         "JNZ",
	OpJmp:         "JMP",
	OpCall:        "CALL",
	OpRetn:        "RETN",
	OpAction:      "ACTION",
	OpSaveState:   "SAVE_STATE",
	OpAdd:         "ADD",
	OpSub:         "SUB",
	OpMul:         "MUL",
	OpDiv:         "DIV",
	OpMod:         "MOD",
	OpIncOr:       "INCOR",
	OpExcOr:       "EXCOR",
	OpBoolAnd:     "BOOLAND",
	OpLogAnd:      "LOGAND",
	OpLogOr:       "LOGOR",
	OpShLeft:      "SHLEFT",
	OpShRight:     "SHRIGHT",
	OpUShRight:    "USHRIGHT",
	OpEqual:       "EQUAL",
	OpNEqual:      "NEQUAL",
	OpLT:          "LT",
	OpLEq:         "LEQ",
	OpGT:          "GT",
	OpGEq:         "GEQ",
	OpNeg:         "NEG",
	OpNot:         "NOT",
	OpComp:        "COMP",
	OpInc:         "INC",
	OpDec:         "DEC",
	OpConstInt:    "CONSTI",
	OpConstFloat:  "CONSTF",
	OpConstString: "CONSTS",
	OpConstObject: "CONSTO",
	OpCPTopSP:     "CPTOPSP",
	OpCPDownSP:    "CPDOWNSP",
	OpCPTopBP:     "CPTOPBP",
	OpCPDownBP:    "CPDOWNBP",
	OpDestruct:    "DESTRUCT",
	OpHalt:        "HALT",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return "?unknown?"
}

// binaryOpcodes lists the closed set of binary operators, shared
// between the opcode stream and the IR instruction set, so analyzer and
// interpreter agree on a single enumeration.
var binaryOpcodes = map[Opcode]bool{
	OpAdd: true, OpSub: true, OpMul: true, OpDiv: true, OpMod: true,
	OpIncOr: true, OpExcOr: true, OpBoolAnd: true, OpLogAnd: true, OpLogOr: true,
	OpShLeft: true, OpShRight: true, OpUShRight: true,
	OpEqual: true, OpNEqual: true, OpLT: true, OpLEq: true, OpGT: true, OpGEq: true,
}

func (o Opcode) IsBinary() bool { return binaryOpcodes[o] }

var unaryOpcodes = map[Opcode]bool{
	OpNeg: true, OpNot: true, OpComp: true, OpInc: true, OpDec: true,
}

func (o Opcode) IsUnary() bool { return unaryOpcodes[o] }

// IsBranch reports whether the opcode transfers control (used by the
// analyzer to detect control-flow split points).
func (o Opcode) IsBranch() bool {
	return o == OpJz || o == OpJnz || o == OpJmp || o == OpCall || o == OpRetn
}
