package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nwscript/engine"
	"nwscript/vm"
)

func TestCreateMintsDistinctHandles(t *testing.T) {
	r := engine.NewRegistry()
	a, err := r.Create(2, "alpha")
	require.NoError(t, err)
	b, err := r.Create(2, "beta")
	require.NoError(t, err)

	require.Equal(t, uint8(2), a.Type)
	require.NotEqual(t, a.ID, b.ID)

	pa, ok := r.Payload(a)
	require.True(t, ok)
	require.Equal(t, "alpha", pa)
}

func TestEqualFallsBackToIDWithoutComparator(t *testing.T) {
	r := engine.NewRegistry()
	a, _ := r.Create(0, nil)
	b, _ := r.Create(0, nil)

	require.True(t, r.Equal(a, a))
	require.False(t, r.Equal(a, b))
}

func TestEqualUsesRegisteredComparator(t *testing.T) {
	type location struct{ x float32 }

	r := engine.NewRegistry()
	r.SetEqual(3, func(a, b vm.EngineStructHandle) bool {
		pa, _ := r.Payload(a)
		pb, _ := r.Payload(b)
		la, ok1 := pa.(location)
		lb, ok2 := pb.(location)
		return ok1 && ok2 && la.x == lb.x
	})

	a, _ := r.Create(3, location{x: 5})
	b, _ := r.Create(3, location{x: 5})
	c, _ := r.Create(3, location{x: 7})

	require.True(t, r.Equal(a, b))
	require.False(t, r.Equal(a, c))
}

func TestEqualRejectsMismatchedTypes(t *testing.T) {
	r := engine.NewRegistry()
	a, _ := r.Create(1, nil)
	b, _ := r.Create(2, nil)
	require.False(t, r.Equal(a, b))
}

func TestDeleteForgetsPayloadButHandleStaysOpaque(t *testing.T) {
	r := engine.NewRegistry()
	h, _ := r.Create(4, "gone soon")
	r.Delete(h)

	_, ok := r.Payload(h)
	require.False(t, ok)
	require.Equal(t, uint8(4), h.Type)
}

func TestCreateEngineStructureImplementsActionHostContract(t *testing.T) {
	r := engine.NewRegistry()

	h, err := r.CreateEngineStructure(9)
	require.NoError(t, err)
	require.Equal(t, uint8(9), h.Type)

	_, err = r.CreateEngineStructure(10)
	require.Error(t, err)
}
