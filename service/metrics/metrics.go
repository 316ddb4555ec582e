package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Inc() { c.v.Add(1) }

func (c *Counter) Add(n int64) { c.v.Add(n) }

func (c *Counter) Value() int64 { return c.v.Load() }

func (c *Counter) Reset() int64 { return c.v.Swap(0) }

type registry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
}

var defaultRegistry = &registry{counters: make(map[string]*Counter)}

// GetCounter returns the named counter, creating it on first use.
// Names follow a dotted scheme: "bus.dropped", "buffer.flush_errors".
func GetCounter(name string) *Counter {
	defaultRegistry.mu.RLock()
	c, ok := defaultRegistry.counters[name]
	defaultRegistry.mu.RUnlock()
	if ok {
		return c
	}
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	if c, ok = defaultRegistry.counters[name]; ok {
		return c
	}
	c = &Counter{}
	defaultRegistry.counters[name] = c
	return c
}

// Snapshot returns all counter values. Names gives a sorted key list.
func Snapshot() map[string]int64 {
	defaultRegistry.mu.RLock()
	defer defaultRegistry.mu.RUnlock()
	out := make(map[string]int64, len(defaultRegistry.counters))
	for name, c := range defaultRegistry.counters {
		out[name] = c.Value()
	}
	return out
}

// Names returns the registered counter names in sorted order.
func Names() []string {
	defaultRegistry.mu.RLock()
	defer defaultRegistry.mu.RUnlock()
	out := make([]string, 0, len(defaultRegistry.counters))
	for name := range defaultRegistry.counters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
