package bus

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"WorkChat/logger"
	"WorkChat/service/metrics"
	"WorkChat/tools/errs"
)

// NatsConfig configures the NATS-backed bus for multi-node deployments.
type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

func (c *NatsConfig) norm() {
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Name == "" {
		c.Name = "workchat-core"
	}
}

// NatsBus implements Bus on top of core NATS subjects. Topics map to
// subjects by swapping ":" for "." ("channel:42:messages" ->
// "channel.42.messages"), which keeps the prefix-wildcard contract:
// a "channel:*" subscription becomes "channel.>".
type NatsBus struct {
	nc *nats.Conn

	mu     sync.Mutex
	subs   map[string][]*nats.Subscription
	closed bool

	dropped *metrics.Counter
}

func NewNatsBus(cfg NatsConfig) (*NatsBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.NewCodeError(errs.CodePolicyBase+10, "nats servers missing").Wrap()
	}
	cfg.norm()
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "connect nats")
	}
	return &NatsBus{
		nc:      nc,
		subs:    make(map[string][]*nats.Subscription),
		dropped: metrics.GetCounter("bus.dropped"),
	}, nil
}

func topicToSubject(topic string) string {
	if strings.HasSuffix(topic, "*") {
		return strings.ReplaceAll(strings.TrimSuffix(topic, "*"), ":", ".") + ">"
	}
	return strings.ReplaceAll(topic, ":", ".")
}

func (b *NatsBus) Publish(topic string, ev Event) {
	ev.Topic = topic
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("[bus] marshal event topic=%s: %v", topic, err)
		return
	}
	if err := b.nc.Publish(topicToSubject(topic), data); err != nil {
		b.dropped.Inc()
		logger.Warnf("[bus] nats publish topic=%s: %v", topic, err)
	}
}

func (b *NatsBus) Subscribe(topics ...string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	id := uuid.NewString()
	ch := make(chan Event, 256)
	var created []*nats.Subscription

	cb := func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			logger.Warnf("[bus] drop undecodable event subject=%s: %v", m.Subject, err)
			return
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Inc()
		}
	}

	for _, t := range topics {
		sub, err := b.nc.Subscribe(topicToSubject(t), cb)
		if err != nil {
			for _, s := range created {
				_ = s.Unsubscribe()
			}
			return nil, errs.WrapMsg(err, "nats subscribe", "topic", t)
		}
		created = append(created, sub)
	}
	b.subs[id] = created

	return &Subscription{
		C:  ch,
		id: id,
		cancel: func() {
			b.mu.Lock()
			for _, s := range b.subs[id] {
				_ = s.Unsubscribe()
			}
			delete(b.subs, id)
			b.mu.Unlock()
		},
	}, nil
}

func (b *NatsBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, subs := range b.subs {
		for _, s := range subs {
			_ = s.Drain()
		}
		delete(b.subs, id)
	}
	return b.nc.Drain()
}
