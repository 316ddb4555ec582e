package actor

import (
	"sync"
	"time"

	"WorkChat/tools/errs"
	"WorkChat/tools/safe"
)

// Mailbox serializes all state mutation of one actor: every message runs on
// a single goroutine, so actor state needs no locking. Timers and blocking
// collaborator calls post their results back in as new messages.
type Mailbox struct {
	ch       chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewMailbox(buf int) *Mailbox {
	if buf <= 0 {
		buf = 128
	}
	m := &Mailbox{
		ch:     make(chan func(), buf),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Mailbox) loop() {
	defer close(m.done)
	for {
		select {
		case <-m.stopCh:
			// drain what was accepted before the stop
			for {
				select {
				case f := <-m.ch:
					safe.Run(f)
				default:
					return
				}
			}
		case f := <-m.ch:
			safe.Run(f)
		}
	}
}

// Cast enqueues f without waiting for it to run. Returns false once the
// mailbox is stopping.
func (m *Mailbox) Cast(f func()) bool {
	select {
	case <-m.stopCh:
		return false
	case m.ch <- f:
		return true
	}
}

// Stop closes the mailbox; accepted messages are drained before the loop
// goroutine exits.
func (m *Mailbox) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Join blocks until the loop goroutine has exited, or d elapses (d <= 0
// waits forever).
func (m *Mailbox) Join(d time.Duration) bool {
	if d <= 0 {
		<-m.done
		return true
	}
	select {
	case <-m.done:
		return true
	case <-time.After(d):
		return false
	}
}

// Done is closed once the loop goroutine has exited; supervisors watch it
// to notice unexpected termination.
func (m *Mailbox) Done() <-chan struct{} { return m.done }

func (m *Mailbox) Stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// Call runs f on the actor goroutine and returns its result.
func Call[R any](m *Mailbox, f func() R) (R, error) {
	reply := make(chan R, 1)
	if !m.Cast(func() { reply <- f() }) {
		var zero R
		return zero, errs.ErrStopped.Wrap()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-m.done:
		// the drain may still have run f
		select {
		case r := <-reply:
			return r, nil
		default:
			var zero R
			return zero, errs.ErrStopped.Wrap()
		}
	}
}

// CallErr is Call for handlers that only produce an error.
func CallErr(m *Mailbox, f func() error) error {
	err, callErr := Call(m, f)
	if callErr != nil {
		return callErr
	}
	return err
}
