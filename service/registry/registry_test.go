package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterFirstWins(t *testing.T) {
	r := New[string]()

	got, registered := r.Register("k", "first")
	require.True(t, registered)
	assert.Equal(t, "first", got)

	got, registered = r.Register("k", "second")
	assert.False(t, registered)
	assert.Equal(t, "first", got, "loser gets the winning value back")

	v, ok := r.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "first", v)
}

func TestUnregister(t *testing.T) {
	r := New[int]()
	r.Register("k", 1)

	assert.True(t, r.Unregister("k"))
	assert.False(t, r.Unregister("k"))
	_, ok := r.Lookup("k")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestKeysAndRange(t *testing.T) {
	r := New[int]()
	for i := 0; i < 5; i++ {
		r.Register(fmt.Sprintf("k%d", i), i)
	}
	assert.Len(t, r.Keys(), 5)
	assert.Equal(t, 5, r.Len())

	seen := 0
	r.Range(func(string, int) bool {
		seen++
		return seen < 3 // early stop
	})
	assert.Equal(t, 3, seen)
}

// Concurrent registrations for one key must collapse onto one winner.
func TestRegisterConcurrent(t *testing.T) {
	r := New[int]()
	var wg sync.WaitGroup
	wins := make(chan int, 100)

	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, registered := r.Register("k", i); registered {
				wins <- i
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []int
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)
	v, _ := r.Lookup("k")
	assert.Equal(t, winners[0], v)
}
