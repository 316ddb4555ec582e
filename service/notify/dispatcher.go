package notify

import (
	"context"
	"time"

	"WorkChat/logger"
	"WorkChat/service/actor"
	"WorkChat/service/bus"
	"WorkChat/service/metrics"
	"WorkChat/service/storage"
	"WorkChat/tools/ids"
	"WorkChat/tools/safe"
)

type Conf struct {
	BatchSize   int           // pull a batch once the queue reaches this
	BatchWait   time.Duration // or once this timer fires
	MaxRetries  int
	BackoffBase time.Duration // backoff = base * 2^retry_count
	FailedMax   int           // failed list bound
	FailedAge   time.Duration // purge failed entries older than this
	SweepEvery  time.Duration
	Clock       func() time.Time
}

func (c *Conf) norm() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchWait <= 0 {
		c.BatchWait = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.FailedMax <= 0 {
		c.FailedMax = 1000
	}
	if c.FailedAge <= 0 {
		c.FailedAge = 24 * time.Hour
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Hour
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

const (
	batchKey = "batch"
	sweepKey = "sweep"
)

func retryKey(id string) string { return "retry:" + id }

func schedKey(id string) string { return "sched:" + id }

// Dispatcher is the singleton notification queue and retry engine.
// High-priority items jump the queue, batches of up to BatchSize are pulled
// on size or timer, and every item is handed to its type's Deliverer off
// the dispatcher's own sequential path.
type Dispatcher struct {
	mb     *actor.Mailbox
	timers *actor.Timers
	conf   Conf
	bus    bus.Bus
	store  storage.Store // nil disables the persisted trail

	deliverers map[string]Deliverer

	hi       []*Notification
	lo       []*Notification
	deferred map[string]*Notification // scheduled for the future
	inflight map[string]*Notification
	failed   []*Notification

	sent      *metrics.Counter
	failedCnt *metrics.Counter
	retried   *metrics.Counter
}

func NewDispatcher(conf Conf, b bus.Bus, store storage.Store, deliverers ...Deliverer) *Dispatcher {
	conf.norm()
	d := &Dispatcher{
		mb:         actor.NewMailbox(1024),
		conf:       conf,
		bus:        b,
		store:      store,
		deliverers: make(map[string]Deliverer, len(deliverers)),
		deferred:   make(map[string]*Notification),
		inflight:   make(map[string]*Notification),
		sent:       metrics.GetCounter("notify.sent"),
		failedCnt:  metrics.GetCounter("notify.failed"),
		retried:    metrics.GetCounter("notify.retried"),
	}
	for _, dv := range deliverers {
		d.deliverers[dv.Type()] = dv
	}
	d.timers = actor.NewTimers(d.mb)
	d.mb.Cast(d.armSweep)
	return d
}

// Enqueue queues one notification and returns its id.
func (d *Dispatcher) Enqueue(typ, recipientID string, payload map[string]any, opts Opts) string {
	n := &Notification{
		ID:           ids.GenerateString(),
		Type:         typ,
		RecipientID:  recipientID,
		Payload:      payload,
		Priority:     opts.Priority,
		ScheduledFor: opts.ScheduledFor,
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	d.mb.Cast(func() { d.accept(n) })
	return n.ID
}

// EnqueueBatch queues a list in order; ids are assigned for items without one.
func (d *Dispatcher) EnqueueBatch(list []Notification) []string {
	out := make([]string, len(list))
	ns := make([]*Notification, len(list))
	for i := range list {
		n := list[i]
		if n.ID == "" {
			n.ID = ids.GenerateString()
		}
		if n.Priority == "" {
			n.Priority = PriorityNormal
		}
		out[i] = n.ID
		ns[i] = &n
	}
	d.mb.Cast(func() {
		for _, n := range ns {
			d.accept(n)
		}
	})
	return out
}

// ProcessNow forces an immediate batch pull.
func (d *Dispatcher) ProcessNow() {
	d.mb.Cast(d.processBatch)
}

// RetryFailed re-queues everything on the failed list with a fresh retry
// budget; meant for manual or scheduled recovery.
func (d *Dispatcher) RetryFailed() int {
	n, _ := actor.Call(d.mb, func() int {
		moved := len(d.failed)
		for _, item := range d.failed {
			item.RetryCount = 0
			item.FailedAt = time.Time{}
			d.push(item)
		}
		d.failed = nil
		if moved > 0 {
			d.maybeProcess()
		}
		return moved
	})
	return n
}

// QueueLen reports queued (not deferred, not inflight) items; test hook.
func (d *Dispatcher) QueueLen() int {
	n, _ := actor.Call(d.mb, func() int { return len(d.hi) + len(d.lo) })
	return n
}

// FailedList returns a copy of the failed list.
func (d *Dispatcher) FailedList() []Notification {
	out, _ := actor.Call(d.mb, func() []Notification {
		cp := make([]Notification, 0, len(d.failed))
		for _, n := range d.failed {
			cp = append(cp, *n)
		}
		return cp
	})
	return out
}

func (d *Dispatcher) InflightLen() int {
	n, _ := actor.Call(d.mb, func() int { return len(d.inflight) })
	return n
}

// Done reports actor-loop termination; watched by the supervisor.
func (d *Dispatcher) Done() <-chan struct{} { return d.mb.Done() }

func (d *Dispatcher) Stop() {
	_ = actor.CallErr(d.mb, func() error {
		d.timers.StopAll()
		return nil
	})
	d.mb.Stop()
	d.mb.Join(2 * time.Second)
}

// ----- internal (dispatcher goroutine only) -----

func (d *Dispatcher) accept(n *Notification) {
	now := d.conf.Clock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	d.persistTrail(n)

	// future deliveries are deferred, not sent early
	if n.ScheduledFor.After(now) {
		d.deferred[n.ID] = n
		id := n.ID
		d.timers.Set(schedKey(id), n.ScheduledFor.Sub(now), func() {
			item, ok := d.deferred[id]
			if !ok {
				return
			}
			delete(d.deferred, id)
			d.push(item)
			d.maybeProcess()
		})
		return
	}

	d.push(n)
	d.maybeProcess()
}

// push inserts by priority: high at the front partition, the rest at the back.
func (d *Dispatcher) push(n *Notification) {
	if n.Priority == PriorityHigh {
		d.hi = append(d.hi, n)
	} else {
		d.lo = append(d.lo, n)
	}
}

func (d *Dispatcher) maybeProcess() {
	if len(d.hi)+len(d.lo) >= d.conf.BatchSize {
		d.processBatch()
		return
	}
	if !d.timers.Active(batchKey) {
		d.timers.Set(batchKey, d.conf.BatchWait, d.processBatch)
	}
}

func (d *Dispatcher) processBatch() {
	d.timers.Cancel(batchKey)

	batch := make([]*Notification, 0, d.conf.BatchSize)
	for len(batch) < d.conf.BatchSize && len(d.hi) > 0 {
		batch = append(batch, d.hi[0])
		d.hi = d.hi[1:]
	}
	for len(batch) < d.conf.BatchSize && len(d.lo) > 0 {
		batch = append(batch, d.lo[0])
		d.lo = d.lo[1:]
	}
	if len(batch) == 0 {
		return
	}

	for _, n := range batch {
		d.inflight[n.ID] = n
		d.deliver(n)
	}
	// whatever is left re-arms the timer
	if len(d.hi)+len(d.lo) > 0 {
		d.maybeProcess()
	}
}

// deliver runs the type's deliverer off the actor loop and posts the
// outcome back in.
func (d *Dispatcher) deliver(n *Notification) {
	dv, ok := d.deliverers[n.Type]
	if !ok {
		logger.Errorf("[notify] no deliverer for type=%s id=%s", n.Type, n.ID)
		d.moveToFailed(n, "no deliverer for type "+n.Type)
		return
	}
	item := *n
	safe.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := dv.Deliver(ctx, item)
		d.mb.Cast(func() { d.onDelivered(item.ID, err) })
	})
}

func (d *Dispatcher) onDelivered(id string, err error) {
	n, ok := d.inflight[id]
	if !ok {
		return
	}
	delete(d.inflight, id)

	if err == nil {
		d.sent.Inc()
		return
	}

	n.LastError = err.Error()
	if n.RetryCount < d.conf.MaxRetries {
		backoff := d.conf.BackoffBase << uint(n.RetryCount)
		n.RetryCount++
		d.retried.Inc()
		logger.Warnf("[notify] delivery failed id=%s type=%s retry=%d backoff=%s: %v",
			n.ID, n.Type, n.RetryCount, backoff, err)
		d.timers.Set(retryKey(n.ID), backoff, func() {
			d.push(n)
			d.maybeProcess()
		})
		return
	}
	d.moveToFailed(n, err.Error())
}

func (d *Dispatcher) moveToFailed(n *Notification, reason string) {
	delete(d.inflight, n.ID)
	n.FailedAt = d.conf.Clock()
	n.LastError = reason
	d.failed = append(d.failed, n)
	if len(d.failed) > d.conf.FailedMax {
		d.failed = d.failed[len(d.failed)-d.conf.FailedMax:]
	}
	d.failedCnt.Inc()
	d.bus.Publish(bus.TopicNotifyEvents, bus.Event{
		Type: bus.EvNotifyFailed,
		Payload: map[string]any{
			"id":           n.ID,
			"type":         n.Type,
			"recipient_id": n.RecipientID,
			"reason":       reason,
		},
	})
}

func (d *Dispatcher) armSweep() {
	d.timers.Set(sweepKey, d.conf.SweepEvery, func() {
		d.sweepFailed()
		d.armSweep()
	})
}

func (d *Dispatcher) sweepFailed() {
	cutoff := d.conf.Clock().Add(-d.conf.FailedAge)
	kept := d.failed[:0]
	for _, n := range d.failed {
		if n.FailedAt.After(cutoff) {
			kept = append(kept, n)
		}
	}
	if purged := len(d.failed) - len(kept); purged > 0 {
		logger.Infof("[notify] purged %d stale failed notifications", purged)
	}
	d.failed = kept
}

func (d *Dispatcher) persistTrail(n *Notification) {
	if d.store == nil {
		return
	}
	rec := storage.NotificationRecord{
		ID:          n.ID,
		Type:        n.Type,
		RecipientID: n.RecipientID,
		Payload:     n.Payload,
		Priority:    string(n.Priority),
		CreatedAt:   n.CreatedAt,
	}
	safe.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := d.store.CreateNotificationRecord(ctx, rec); err != nil {
			logger.Warnf("[notify] persist record id=%s: %v", rec.ID, err)
		}
	})
}
