package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Builder assembles a raw instruction stream directly from the closed
// opcode set, for use by tests and by any host that hand-builds a
// script image rather than loading one from a compiler's output. There
// is no textual assembly syntax; this is a minimal two-pass
// label-patching byte builder, not a parser.
type Builder struct {
	buf    []byte
	labels map[string]uint32
	fixups []fixup
}

type fixup struct {
	pos   uint32 // offset of the 4-byte operand to patch
	label string
	// relative selects pc-relative encoding (branch targets); absolute
	// selects a raw PC operand (CALL, SAVE_STATE's resume PC).
	relative bool
}

func NewBuilder() *Builder {
	return &Builder{labels: make(map[string]uint32)}
}

func (b *Builder) pc() uint32 { return uint32(len(b.buf)) }

func (b *Builder) putU8(v uint8) { b.buf = append(b.buf, v) }
func (b *Builder) putU16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}
func (b *Builder) putU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

// Label marks the current position as name, resolvable by later branch/
// call/save-state operands that reference it.
func (b *Builder) Label(name string) *Builder {
	b.labels[name] = b.pc()
	return b
}

func (b *Builder) op(o Opcode) *Builder {
	b.putU8(byte(o))
	return b
}

func (b *Builder) Nop() *Builder  { return b.op(OpNop) }
func (b *Builder) Halt() *Builder { return b.op(OpHalt) }
func (b *Builder) Retn() *Builder { return b.op(OpRetn) }

func (b *Builder) ConstInt(v int32) *Builder {
	b.op(OpConstInt)
	b.putU32(uint32(v))
	return b
}

func (b *Builder) ConstFloat(v float32) *Builder {
	b.op(OpConstFloat)
	b.putU32(math.Float32bits(v))
	return b
}

func (b *Builder) ConstString(s string) *Builder {
	b.op(OpConstString)
	b.putU16(uint16(len(s)))
	b.buf = append(b.buf, []byte(s)...)
	return b
}

func (b *Builder) ConstObject(v ObjectID) *Builder {
	b.op(OpConstObject)
	b.putU32(uint32(v))
	return b
}

func (b *Builder) ConstSelf() *Builder { return b.ConstObject(ObjectIDSelfSentinel) }

func (b *Builder) Binary(o Opcode) *Builder {
	if !o.IsBinary() {
		panic(fmt.Sprintf("not a binary opcode: %s", o))
	}
	return b.op(o)
}

func (b *Builder) Unary(o Opcode) *Builder {
	if !o.IsUnary() {
		panic(fmt.Sprintf("not a unary opcode: %s", o))
	}
	return b.op(o)
}

func (b *Builder) addFixup(label string, relative bool) {
	b.fixups = append(b.fixups, fixup{pos: b.pc(), label: label, relative: relative})
	b.putU32(0)
}

func (b *Builder) Jz(label string) *Builder {
	b.op(OpJz)
	b.addFixup(label, true)
	return b
}

func (b *Builder) Jnz(label string) *Builder {
	b.op(OpJnz)
	b.addFixup(label, true)
	return b
}

func (b *Builder) Jmp(label string) *Builder {
	b.op(OpJmp)
	b.addFixup(label, true)
	return b
}

func (b *Builder) Call(label string) *Builder {
	b.op(OpCall)
	b.addFixup(label, false)
	return b
}

func (b *Builder) Action(id uint16, argc uint8) *Builder {
	b.op(OpAction)
	b.putU16(id)
	b.putU8(argc)
	return b
}

func (b *Builder) SaveState(resumeLabel string, resumeID uint32, globalCount, localCount uint16) *Builder {
	b.op(OpSaveState)
	b.addFixup(resumeLabel, false)
	b.putU32(resumeID)
	b.putU16(globalCount)
	b.putU16(localCount)
	return b
}

func (b *Builder) CPTopSP(offset uint16) *Builder {
	b.op(OpCPTopSP)
	b.putU16(offset)
	return b
}

func (b *Builder) CPDownSP(offset uint16) *Builder {
	b.op(OpCPDownSP)
	b.putU16(offset)
	return b
}

// CPTopBP loads the global at index onto the top of the stack;
// CPDownBP stores the top of the stack into it (without popping).
func (b *Builder) CPTopBP(index uint16) *Builder {
	b.op(OpCPTopBP)
	b.putU16(index)
	return b
}

func (b *Builder) CPDownBP(index uint16) *Builder {
	b.op(OpCPDownBP)
	b.putU16(index)
	return b
}

func (b *Builder) Destruct(count uint16) *Builder {
	b.op(OpDestruct)
	b.putU16(count)
	return b
}

func (b *Builder) Create(tag Tag, slot uint16) *Builder {
	b.op(OpCreate)
	b.putU8(uint8(tag))
	b.putU16(slot)
	return b
}

func (b *Builder) Delete(slot uint16) *Builder {
	b.op(OpDelete)
	b.putU16(slot)
	return b
}

// Bytes resolves all label fixups and returns the finished image. It
// panics if a referenced label was never defined — a programmer error in
// the test fixture, not a runtime condition.
func (b *Builder) Bytes() []byte {
	out := append([]byte(nil), b.buf...)
	for _, f := range b.fixups {
		target, ok := b.labels[f.label]
		if !ok {
			panic(fmt.Sprintf("undefined label %q", f.label))
		}
		var operand uint32
		if f.relative {
			operand = uint32(int64(target) - int64(f.pos+4))
		} else {
			operand = target
		}
		binary.LittleEndian.PutUint32(out[f.pos:], operand)
	}
	return out
}

// LabelPC returns the resolved address of a previously defined label,
// for building an Image's EntryPC/GlobalsPC outside the builder itself.
func (b *Builder) LabelPC(name string) uint32 {
	pc, ok := b.labels[name]
	if !ok {
		panic(fmt.Sprintf("undefined label %q", name))
	}
	return pc
}
