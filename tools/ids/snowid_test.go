package ids

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMonotonic(t *testing.T) {
	prev := Generate()
	for i := 0; i < 1000; i++ {
		id := Generate()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestGenerateConcurrentUnique(t *testing.T) {
	const n = 5000
	var wg sync.WaitGroup
	out := make(chan int64, n)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/10; j++ {
				out <- Generate()
			}
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[int64]struct{}, n)
	for id := range out {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
}

func TestSetNodeIDRange(t *testing.T) {
	SetNodeID(5000) // out of range, falls back
	assert.EqualValues(t, 1, defaultGen.nodeID)
	SetNodeID(42)
	assert.EqualValues(t, 42, defaultGen.nodeID)
	SetNodeID(1)
}
