package buffer

import (
	"context"
	"time"

	"WorkChat/logger"
	"WorkChat/service/actor"
	"WorkChat/service/metrics"
	"WorkChat/service/storage"
	"WorkChat/tools/ids"
)

type Conf struct {
	BatchSize    int           // flush when pending reaches this
	BatchTimeout time.Duration // flush when the oldest item reaches this age
	WriteTimeout time.Duration // per durable write
	DrainTimeout time.Duration // shutdown flush deadline
	Clock        func() time.Time
}

func (c *Conf) norm() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 3 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

const flushKey = "flush"

// Buffer batches outbound message writes: one durable insert per batch
// instead of one per message. A failed flush keeps the batch and retries
// on the next timer tick; nothing is silently dropped.
type Buffer struct {
	mb     *actor.Mailbox
	timers *actor.Timers
	conf   Conf
	store  storage.Store

	pending  []storage.Message
	flushErr *metrics.Counter
	flushed  *metrics.Counter
}

func New(conf Conf, store storage.Store) *Buffer {
	conf.norm()
	b := &Buffer{
		mb:       actor.NewMailbox(512),
		conf:     conf,
		store:    store,
		flushErr: metrics.GetCounter("buffer.flush_errors"),
		flushed:  metrics.GetCounter("buffer.flushed"),
	}
	b.timers = actor.NewTimers(b.mb)
	return b
}

// Enqueue buffers one message for the next batched write. The message id
// is assigned by the caller (channel actor); callers without one get a
// fresh snowflake.
func (b *Buffer) Enqueue(msg storage.Message) {
	b.mb.Cast(func() {
		if msg.ID == "" {
			msg.ID = ids.GenerateString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = b.conf.Clock()
		}
		b.pending = append(b.pending, msg)
		if len(b.pending) >= b.conf.BatchSize {
			b.flushNow()
			return
		}
		// first buffered item arms the timer; a size flush above cancels
		// and the next first item re-arms
		if len(b.pending) == 1 {
			b.timers.Set(flushKey, b.conf.BatchTimeout, b.onFlushTimer)
		}
	})
}

// Flush forces a flush of whatever is pending and reports the count.
func (b *Buffer) Flush() (int, error) {
	type result struct {
		n   int
		err error
	}
	r, callErr := actor.Call(b.mb, func() result {
		n, err := b.flushNow()
		return result{n: n, err: err}
	})
	if callErr != nil {
		return 0, callErr
	}
	return r.n, r.err
}

// Pending reports the buffered count; test hook.
func (b *Buffer) Pending() int {
	n, _ := actor.Call(b.mb, func() int { return len(b.pending) })
	return n
}

// TimerArmed reports whether a flush timer is live; test hook.
func (b *Buffer) TimerArmed() bool {
	armed, _ := actor.Call(b.mb, func() bool { return b.timers.Active(flushKey) })
	return armed
}

// Done reports actor-loop termination; watched by the supervisor.
func (b *Buffer) Done() <-chan struct{} { return b.mb.Done() }

// Close drains the buffer best-effort under the drain deadline, then
// stops the actor. Partial loss is accepted only if the drain itself
// overruns.
func (b *Buffer) Close() {
	done := make(chan struct{})
	b.mb.Cast(func() {
		defer close(done)
		b.timers.StopAll()
		if len(b.pending) == 0 {
			return
		}
		if _, err := b.flushNow(); err != nil {
			logger.Errorf("[buffer] shutdown flush dropped %d messages: %v", len(b.pending), err)
		}
	})
	select {
	case <-done:
	case <-time.After(b.conf.DrainTimeout):
		logger.Warn("[buffer] shutdown drain deadline exceeded")
	}
	b.mb.Stop()
	b.mb.Join(time.Second)
}

// Stop is Close under the supervisor's child contract.
func (b *Buffer) Stop() { b.Close() }

// ----- internal (buffer goroutine only) -----

func (b *Buffer) onFlushTimer() {
	if _, err := b.flushNow(); err != nil {
		logger.Warnf("[buffer] timed flush failed, retrying: %v", err)
	}
}

// flushNow performs one batched durable write. On failure the batch is
// retained for the next attempt and the retry timer is re-armed.
func (b *Buffer) flushNow() (int, error) {
	if len(b.pending) == 0 {
		b.timers.Cancel(flushKey)
		return 0, nil
	}
	batch := b.pending

	ctx, cancel := context.WithTimeout(context.Background(), b.conf.WriteTimeout)
	defer cancel()
	n, err := b.store.BatchInsert(ctx, batch)
	if err != nil {
		b.flushErr.Inc()
		b.timers.Set(flushKey, b.conf.BatchTimeout, b.onFlushTimer)
		return 0, err
	}
	b.pending = nil
	b.flushed.Add(int64(n))
	b.timers.Cancel(flushKey)
	return n, nil
}
