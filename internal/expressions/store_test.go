package expressions

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariableStore_SetGet(t *testing.T) {
	s := NewVariableStore(nil)
	s.Set("name", "angela", "step-1")

	val, ok := s.Get("name")
	require.True(t, ok)
	assert.Equal(t, "angela", val)
}

func TestVariableStore_MissingName(t *testing.T) {
	s := NewVariableStore(nil)
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestVariableStore_InitialSeed(t *testing.T) {
	s := NewVariableStore(map[string]any{"env": "prod", "count": 3})

	val, ok := s.Get("env")
	require.True(t, ok)
	assert.Equal(t, "prod", val)
	assert.Equal(t, 2, s.Len())
}

// --- Shadowing ---

func TestVariableStore_LaterWriteShadows(t *testing.T) {
	s := NewVariableStore(nil)
	s.Set("x", 1, "first")
	s.Set("x", 2, "second")

	val, ok := s.Get("x")
	require.True(t, ok)
	assert.Equal(t, 2, val)

	v, ok := s.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, "second", v.SourceStep)
}

func TestVariableStore_SnapshotIsCopy(t *testing.T) {
	s := NewVariableStore(nil)
	s.Set("a", "before", "step-1")

	snap := s.Snapshot()
	s.Set("a", "after", "step-2")

	assert.Equal(t, "before", snap["a"])
}

// --- Concurrency ---

func TestVariableStore_ConcurrentWrites(t *testing.T) {
	s := NewVariableStore(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Set("shared", n, "writer")
			s.Get("shared")
		}(i)
	}
	wg.Wait()

	_, ok := s.Get("shared")
	assert.True(t, ok)
}
