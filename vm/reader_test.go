package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReaderPrimitiveReads(t *testing.T) {
	b := NewBuilder()
	b.ConstInt(42).ConstFloat(1.5).ConstString("hi").Halt()

	r := NewReader("test", b.Bytes())
	require.Equal(t, uint32(len(b.Bytes())), r.Len())

	op, err := r.ReadU8()
	require.NoError(t, err)
	require.Equal(t, byte(OpConstInt), op)

	v, err := r.ReadU32()
	require.NoError(t, err)
	require.Equal(t, uint32(42), v)
}

func TestReaderSeekPastEnd(t *testing.T) {
	r := NewReader("test", []byte{1, 2, 3})
	require.Error(t, r.Seek(10))
}

func TestReaderReadPastEnd(t *testing.T) {
	r := NewReader("test", []byte{1, 2, 3})
	_, err := r.ReadU32()
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindMalformed, kind)
}

func TestReaderDebugSymbolsBestEffort(t *testing.T) {
	r := NewReader("test", []byte{})
	// Garbage symbol bytes must demote to "no symbols", never panic or
	// propagate an error to the caller.
	r.LoadSymbols([]byte{0xFF, 0xFF})
	require.Nil(t, r.Symbols())
}

func TestReaderPatchState(t *testing.T) {
	r := NewReader("test", []byte{})
	require.Equal(t, PatchStateNone, r.PatchState())
	r.SetPatchState(PatchStateLoaderReturnValuePatched)
	require.Equal(t, PatchStateLoaderReturnValuePatched, r.PatchState())
}
