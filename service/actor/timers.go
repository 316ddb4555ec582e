package actor

import (
	"time"
)

type timerEntry struct {
	t   *time.Timer
	gen uint64
}

// Timers tracks at most one live timer per key for its owning actor.
// Set cancels and replaces, so two timers for the same key never coexist,
// and a stale firing (replaced between schedule and delivery) is discarded
// by the generation check. All methods must be called from the owning
// actor's mailbox goroutine.
type Timers struct {
	mb      *Mailbox
	m       map[string]timerEntry
	nextGen uint64
}

func NewTimers(mb *Mailbox) *Timers {
	return &Timers{mb: mb, m: make(map[string]timerEntry)}
}

// Set arms (or re-arms) the timer for key. When it fires, the entry is
// removed and fire runs on the actor goroutine.
func (ts *Timers) Set(key string, d time.Duration, fire func()) {
	if e, ok := ts.m[key]; ok {
		e.t.Stop()
	}
	ts.nextGen++
	gen := ts.nextGen
	t := time.AfterFunc(d, func() {
		ts.mb.Cast(func() {
			e, ok := ts.m[key]
			if !ok || e.gen != gen {
				return // superseded or cancelled
			}
			delete(ts.m, key)
			fire()
		})
	})
	ts.m[key] = timerEntry{t: t, gen: gen}
}

// Cancel stops and forgets the timer for key; reports whether one existed.
func (ts *Timers) Cancel(key string) bool {
	e, ok := ts.m[key]
	if !ok {
		return false
	}
	e.t.Stop()
	delete(ts.m, key)
	return true
}

func (ts *Timers) Active(key string) bool {
	_, ok := ts.m[key]
	return ok
}

func (ts *Timers) Len() int { return len(ts.m) }

func (ts *Timers) StopAll() {
	for k, e := range ts.m {
		e.t.Stop()
		delete(ts.m, k)
	}
}
