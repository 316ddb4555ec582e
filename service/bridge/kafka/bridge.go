package kafka

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/Shopify/sarama"

	"WorkChat/logger"
	"WorkChat/service/bus"
	"WorkChat/service/metrics"
	"WorkChat/tools/errs"
	"WorkChat/tools/safe"
)

// Conf configures the egress bridge.
type Conf struct {
	Brokers     []string
	Topic       string // kafka destination topic
	BusTopics   []string
	Retries     int
	Compression string // none/snappy/lz4/zstd
	Version     sarama.KafkaVersion
}

func (c *Conf) norm() {
	if c.Topic == "" {
		c.Topic = "workchat.events"
	}
	if len(c.BusTopics) == 0 {
		c.BusTopics = []string{"channel:*", "workspace:*", bus.TopicPresenceGlobal, bus.TopicUploadEvents}
	}
	if c.Retries <= 0 {
		c.Retries = 5
	}
	var zero sarama.KafkaVersion
	if c.Version == zero {
		c.Version = sarama.V2_1_0_0
	}
}

func buildBaseConfig(c Conf) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = c.Version
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = c.Retries
	cfg.Producer.Partitioner = sarama.NewHashPartitioner // key keeps per-entity ordering
	switch strings.ToLower(c.Compression) {
	case "snappy":
		cfg.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		cfg.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		cfg.Producer.Compression = sarama.CompressionZSTD
	default:
		cfg.Producer.Compression = sarama.CompressionNone
	}
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// Bridge relays bus events to a kafka topic for external consumers.
// Delivery is at-least-once; the bus event id (topic+ts) keys partitioning
// so per-entity ordering survives.
type Bridge struct {
	conf     Conf
	producer sarama.SyncProducer
	sub      *bus.Subscription

	stopOnce sync.Once
	stopCh   chan struct{}

	relayed *metrics.Counter
	errors  *metrics.Counter
}

func NewBridge(conf Conf, b bus.Bus) (*Bridge, error) {
	conf.norm()
	if len(conf.Brokers) == 0 {
		return nil, errs.NewCodeError(errs.CodePolicyBase+12, "kafka brokers missing").Wrap()
	}
	client, err := sarama.NewClient(conf.Brokers, buildBaseConfig(conf))
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka client")
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka sync producer")
	}
	sub, err := b.Subscribe(conf.BusTopics...)
	if err != nil {
		_ = producer.Close()
		return nil, err
	}
	br := &Bridge{
		conf:     conf,
		producer: producer,
		sub:      sub,
		stopCh:   make(chan struct{}),
		relayed:  metrics.GetCounter("bridge.kafka.relayed"),
		errors:   metrics.GetCounter("bridge.kafka.errors"),
	}
	safe.Go(br.loop)
	return br, nil
}

func (br *Bridge) loop() {
	for {
		select {
		case <-br.stopCh:
			return
		case ev, ok := <-br.sub.C:
			if !ok {
				return
			}
			br.relay(ev)
		}
	}
}

func (br *Bridge) relay(ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		br.errors.Inc()
		logger.Errorf("[bridge.kafka] marshal event topic=%s: %v", ev.Topic, err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: br.conf.Topic,
		Key:   sarama.StringEncoder(ev.Topic),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := br.producer.SendMessage(msg); err != nil {
		br.errors.Inc()
		logger.Warnf("[bridge.kafka] send topic=%s: %v", ev.Topic, err)
		return
	}
	br.relayed.Inc()
}

func (br *Bridge) Stop() {
	br.stopOnce.Do(func() {
		close(br.stopCh)
		br.sub.Cancel()
		if err := br.producer.Close(); err != nil {
			logger.Warnf("[bridge.kafka] close producer: %v", err)
		}
	})
}
