package idalloc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateSequential(t *testing.T) {
	a := New(10)

	for want := uint32(1); want <= 10; want++ {
		assert.Equal(t, want, a.Allocate())
	}
	assert.Equal(t, Invalid, a.Allocate(), "space should be exhausted")
	assert.Equal(t, 10, a.Len())
}

func TestReleasedIDIsNextSmallest(t *testing.T) {
	a := New(100)
	for i := 0; i < 5; i++ {
		a.Allocate()
	}

	a.Release(3)
	a.Release(2)
	assert.Equal(t, uint32(2), a.Allocate())
	assert.Equal(t, uint32(3), a.Allocate())
	assert.Equal(t, uint32(6), a.Allocate())
}

func TestReleaseNoOps(t *testing.T) {
	a := New(4)
	a.Allocate()

	a.Release(Invalid)
	a.Release(3)  // never allocated
	a.Release(99) // out of range
	assert.Equal(t, 1, a.Len())
	assert.True(t, a.InUse(1))
	assert.False(t, a.InUse(3))
}

func TestExhaustionThenReuse(t *testing.T) {
	a := New(3)
	for i := 0; i < 3; i++ {
		require.NotEqual(t, Invalid, a.Allocate())
	}
	require.Equal(t, Invalid, a.Allocate())

	a.Release(2)
	assert.Equal(t, uint32(2), a.Allocate())
	assert.Equal(t, Invalid, a.Allocate())
}

func TestZeroSpace(t *testing.T) {
	a := New(0)
	assert.Equal(t, Invalid, a.Allocate())
}

func TestWordBoundaries(t *testing.T) {
	a := New(200)
	for i := 0; i < 200; i++ {
		a.Allocate()
	}
	a.Release(64)
	a.Release(128)
	a.Release(63)

	assert.Equal(t, uint32(63), a.Allocate())
	assert.Equal(t, uint32(64), a.Allocate())
	assert.Equal(t, uint32(128), a.Allocate())
	assert.Equal(t, Invalid, a.Allocate())
}

// Random allocate/release sequences checked against a reference model.
func TestRandomSequencesMatchModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	a := New(64 * 3)
	held := map[uint32]bool{}

	smallestFree := func() uint32 {
		for i := uint32(1); i <= a.Max(); i++ {
			if !held[i] {
				return i
			}
		}
		return Invalid
	}

	for step := 0; step < 5000; step++ {
		if rng.Intn(3) > 0 || len(held) == 0 {
			want := smallestFree()
			got := a.Allocate()
			require.Equal(t, want, got, "step %d", step)
			if got != Invalid {
				require.False(t, held[got], "id %d issued twice", got)
				held[got] = true
			}
			continue
		}
		for victim := range held {
			a.Release(victim)
			delete(held, victim)
			break
		}
		require.Equal(t, len(held), a.Len())
	}
}
