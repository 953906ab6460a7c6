package vm

import (
	"encoding/binary"
	"log/slog"
	"math"
)

// PatchState records whether the stream's loader stub has been rewritten,
// signaling to the analyzer that the usual #loader prologue pattern may
// be absent.
type PatchState int

const (
	PatchStateNone PatchState = iota
	PatchStateLoaderReturnValuePatched
)

// SymbolEntry maps a PC range in the image to a subroutine's declared
// name, parameter types, and return type. The symbol table is optional;
// its absence is never an error.
type SymbolEntry struct {
	StartPC        uint32
	EndPC          uint32
	Name           string
	ParameterTypes []Tag
	ReturnType     Tag
	HasReturn      bool
	// EntryParameterNames exposes optionally-present entry-point
	// parameter metadata so a host can coerce textual command-line
	// arguments into typed values.
	EntryParameterNames []string
}

// SymbolTable is the decoded optional debug/symbol information attached
// to a script image.
type SymbolTable struct {
	Entries []SymbolEntry
}

// Lookup returns the symbol entry whose PC range contains pc, if any.
func (st *SymbolTable) Lookup(pc uint32) (SymbolEntry, bool) {
	if st == nil {
		return SymbolEntry{}, false
	}
	for _, e := range st.Entries {
		if pc >= e.StartPC && pc < e.EndPC {
			return e, true
		}
	}
	return SymbolEntry{}, false
}

// Reader is a random-access view over an immutable instruction stream.
// It decodes no opcodes itself; analyzer and interpreter call its
// primitive readers and interpret the bytes themselves.
type Reader struct {
	image      []byte
	pos        uint32
	name       string
	symbols    *SymbolTable
	patchState PatchState
}

// NewReader constructs a Reader over image. Debug symbol loading is
// best-effort and handled separately via LoadSymbols.
func NewReader(name string, image []byte) *Reader {
	return &Reader{image: image, name: name}
}

// LoadSymbols attempts to decode a raw symbol-table byte blob. Failure is
// logged and silently demoted to "no symbols" — it is never a fatal
// error for the reader or its caller.
func (r *Reader) LoadSymbols(raw []byte) {
	table, err := decodeSymbolTable(raw)
	if err != nil {
		slog.Warn("nwscript: failed to decode debug symbols, continuing without them",
			"script", r.name, "error", err)
		r.symbols = nil
		return
	}
	r.symbols = table
}

// Symbols returns the currently loaded symbol table, or nil if none was
// ever successfully loaded.
func (r *Reader) Symbols() *SymbolTable { return r.symbols }

// PatchState reports whether the loader stub has been rewritten.
func (r *Reader) PatchState() PatchState { return r.patchState }

// SetPatchState lets the analyzer record that it rewrote the loader
// stub's return value, e.g. when eliding the #globals->entry call.
func (r *Reader) SetPatchState(p PatchState) { r.patchState = p }

// ScriptName returns the resref/name this reader was constructed with.
func (r *Reader) ScriptName() string { return r.name }

// Len returns the total length of the image in bytes.
func (r *Reader) Len() uint32 { return uint32(len(r.image)) }

// Bytes returns the underlying image bytes without disturbing the read
// cursor, for callers that need to fingerprint or archive an image
// rather than decode it (package host's continuation wire format).
func (r *Reader) Bytes() []byte { return r.image }

// Seek repositions the read cursor. It is an error to seek outside
// [0, Len()].
func (r *Reader) Seek(pc uint32) error {
	if pc > r.Len() {
		return wrapErr(KindMalformed, nil, "seek past end of image: %d > %d", pc, r.Len())
	}
	r.pos = pc
	return nil
}

// Tell returns the current read cursor position.
func (r *Reader) Tell() uint32 { return r.pos }

func (r *Reader) require(n uint32) error {
	if r.pos+n > r.Len() {
		return wrapErr(KindMalformed, nil, "read past end of image at %d (need %d bytes)", r.pos, n)
	}
	return nil
}

// ReadU8 reads one byte and advances the cursor.
func (r *Reader) ReadU8() (uint8, error) {
	if err := r.require(1); err != nil {
		return 0, err
	}
	v := r.image[r.pos]
	r.pos++
	return v, nil
}

// ReadU16 reads a little-endian uint16 and advances the cursor.
func (r *Reader) ReadU16() (uint16, error) {
	if err := r.require(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.image[r.pos:])
	r.pos += 2
	return v, nil
}

// ReadU32 reads a little-endian uint32 and advances the cursor.
func (r *Reader) ReadU32() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.image[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadF32 reads a little-endian IEEE-754 float32 and advances the cursor.
func (r *Reader) ReadF32() (float32, error) {
	bits, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

// ReadBytes reads exactly n raw bytes and advances the cursor. The
// returned slice aliases the immutable image; callers must copy before
// mutating if they intend to hold onto it past the image's lifetime.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, wrapErr(KindMalformed, nil, "negative read length %d", n)
	}
	if err := r.require(uint32(n)); err != nil {
		return nil, err
	}
	v := r.image[r.pos : r.pos+uint32(n)]
	r.pos += uint32(n)
	return v, nil
}

// decodeSymbolTable parses the raw debug-symbol byte blob. The wire
// shape is deliberately simple — the resource-archive encoding such a
// blob might come from in a real host lives outside this runtime: a
// count, then that many records of {startPC, endPC, name-length, name
// bytes, paramCount, paramTypes..., returnType, hasReturn,
// entryParamCount, entryParamNames...}.
func decodeSymbolTable(raw []byte) (*SymbolTable, error) {
	r := NewReader("<symbols>", raw)
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	entries := make([]SymbolEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		start, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		end, err := r.ReadU32()
		if err != nil {
			return nil, err
		}
		nameLen, err := r.ReadU16()
		if err != nil {
			return nil, err
		}
		nameBytes, err := r.ReadBytes(int(nameLen))
		if err != nil {
			return nil, err
		}
		paramCount, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		params := make([]Tag, paramCount)
		for p := range params {
			tb, err := r.ReadU8()
			if err != nil {
				return nil, err
			}
			params[p] = Tag(tb)
		}
		retTagB, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		hasReturn, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		entryParamCount, err := r.ReadU8()
		if err != nil {
			return nil, err
		}
		entryNames := make([]string, entryParamCount)
		for p := range entryNames {
			l, err := r.ReadU16()
			if err != nil {
				return nil, err
			}
			nb, err := r.ReadBytes(int(l))
			if err != nil {
				return nil, err
			}
			entryNames[p] = string(nb)
		}
		entries = append(entries, SymbolEntry{
			StartPC:             start,
			EndPC:               end,
			Name:                string(nameBytes),
			ParameterTypes:      params,
			ReturnType:          Tag(retTagB),
			HasReturn:           hasReturn != 0,
			EntryParameterNames: entryNames,
		})
	}
	return &SymbolTable{Entries: entries}, nil
}
