package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"WorkChat/service/metrics"
	"WorkChat/tools/errs"
)

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed error = errs.ErrStopped.WithDetail("bus closed")

// Event is the unit of fan-out. Payload keys are event-type specific;
// producers own the schema, consumers must tolerate extra keys.
type Event struct {
	Topic   string         `json:"topic"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	TS      time.Time      `json:"ts"`
}

// Bus is the topic-based publish/subscribe facility every actor and
// singleton fans out through. Publish never blocks the publisher.
type Bus interface {
	Publish(topic string, ev Event)
	// Subscribe delivers events for the given topics on one channel.
	// A topic ending in "*" subscribes to the whole prefix.
	Subscribe(topics ...string) (*Subscription, error)
	Close() error
}

// Subscription carries delivered events until Cancel.
type Subscription struct {
	C      <-chan Event
	id     string
	cancel func()
	once   sync.Once
}

func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type subscriber struct {
	id       string
	ch       chan Event
	exact    map[string]struct{}
	prefixes []string
}

func (s *subscriber) matches(topic string) bool {
	if _, ok := s.exact[topic]; ok {
		return true
	}
	for _, p := range s.prefixes {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// InprocBus is the single-node Bus: per-subscriber buffered channels with
// non-blocking delivery. A consumer that cannot keep up loses events and
// bumps the drop counter rather than stalling publishers.
type InprocBus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	buf     int
	dropped *metrics.Counter
}

func NewInprocBus() *InprocBus {
	return NewInprocBusSize(256)
}

func NewInprocBusSize(buf int) *InprocBus {
	if buf <= 0 {
		buf = 256
	}
	return &InprocBus{
		subs:    make(map[string]*subscriber),
		buf:     buf,
		dropped: metrics.GetCounter("bus.dropped"),
	}
}

func (b *InprocBus) Publish(topic string, ev Event) {
	ev.Topic = topic
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.matches(topic) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Inc()
		}
	}
}

func (b *InprocBus) Subscribe(topics ...string) (*Subscription, error) {
	s := &subscriber{
		id:    uuid.NewString(),
		ch:    make(chan Event, b.buf),
		exact: make(map[string]struct{}, len(topics)),
	}
	for _, t := range topics {
		if strings.HasSuffix(t, "*") {
			s.prefixes = append(s.prefixes, strings.TrimSuffix(t, "*"))
		} else {
			s.exact[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.subs[s.id] = s

	return &Subscription{
		C:  s.ch,
		id: s.id,
		cancel: func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
		},
	}, nil
}

func (b *InprocBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	return nil
}
