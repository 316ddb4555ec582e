package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"WorkChat/global/config"
	"WorkChat/logger"
	wsactor "WorkChat/service/actor"
	kafkabridge "WorkChat/service/bridge/kafka"
	"WorkChat/service/buffer"
	"WorkChat/service/bus"
	"WorkChat/service/coordinator"
	"WorkChat/service/notify"
	"WorkChat/service/ops"
	"WorkChat/service/presence"
	"WorkChat/service/storage"
	storeredis "WorkChat/service/storage/redis"
	"WorkChat/service/supervisor"
	"WorkChat/service/upload"
	"WorkChat/tools/ids"
)

// trackerRef lets channel actors reach the current presence tracker even
// after a supervised restart swapped the instance.
type trackerRef struct {
	p atomic.Pointer[presence.Tracker]
}

func (r *trackerRef) Touch(userID string) {
	if t := r.p.Load(); t != nil {
		t.Touch(userID)
	}
}

// sinkRef routes channel enqueues to whichever message buffer the
// supervisor currently runs.
type sinkRef struct {
	p atomic.Pointer[buffer.Buffer]
}

func (r *sinkRef) Enqueue(msg storage.Message) {
	if b := r.p.Load(); b != nil {
		b.Enqueue(msg)
	}
}

// notifierRef does the same for the notification dispatcher.
type notifierRef struct {
	p atomic.Pointer[notify.Dispatcher]
}

func (r *notifierRef) Enqueue(typ, recipientID string, payload map[string]any, opts notify.Opts) string {
	if d := r.p.Load(); d != nil {
		return d.Enqueue(typ, recipientID, payload, opts)
	}
	return ""
}

func loadConfig() config.CoreConfig {
	conf := config.Default()
	path := os.Getenv("WORKCHAT_CONFIG")
	if path == "" {
		return conf
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Errorf("[boot] read config %s: %v", path, err)
		os.Exit(1)
	}
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		logger.Errorf("[boot] parse config %s: %v", path, err)
		os.Exit(1)
	}
	if err := conf.Apply(raw); err != nil {
		logger.Errorf("[boot] apply config %s: %v", path, err)
		os.Exit(1)
	}
	return conf
}

func buildBus() bus.Bus {
	servers := os.Getenv("WORKCHAT_NATS")
	if servers == "" {
		logger.Info("[boot] bus: inproc")
		return bus.NewInprocBus()
	}
	nb, err := bus.NewNatsBus(bus.NatsConfig{Servers: strings.Split(servers, ",")})
	if err != nil {
		logger.Errorf("[boot] nats bus: %v", err)
		os.Exit(1)
	}
	logger.Infof("[boot] bus: nats %s", servers)
	return nb
}

func buildStore() storage.Store {
	uri := os.Getenv("WORKCHAT_MONGO")
	if uri == "" {
		logger.Info("[boot] store: memory")
		return storage.NewMemoryStore()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := storage.NewMongoStore(ctx, storage.MongoConfig{Uri: uri})
	if err != nil {
		logger.Errorf("[boot] mongo store: %v", err)
		os.Exit(1)
	}
	logger.Info("[boot] store: mongo")
	return st
}

func buildMirror(conf config.CoreConfig) presence.Mirror {
	addr := os.Getenv("WORKCHAT_REDIS")
	if !conf.PresenceMirror || addr == "" {
		return nil
	}
	if err := storeredis.Init(storeredis.Config{Addr: addr}); err != nil {
		logger.Errorf("[boot] redis: %v", err)
		os.Exit(1)
	}
	host, _ := os.Hostname()
	logger.Infof("[boot] presence mirror: redis %s", addr)
	return presence.NewRedisMirror(host)
}

func main() {
	conf := loadConfig()
	ids.SetNodeID(conf.NodeID)

	b := buildBus()
	store := buildStore()
	mirror := buildMirror(conf)

	tracker := &trackerRef{}
	sink := &sinkRef{}
	notifier := &notifierRef{}

	deliverers := []notify.Deliverer{
		&notify.InAppDeliverer{Bus: b},
	}

	wsFactory := func(id string) *wsactor.Workspace {
		return wsactor.NewWorkspace(id, wsactor.WorkspaceConf{
			MemberTimeout: conf.MemberTimeout,
		}, b)
	}
	chFactory := func(id, workspaceID string) *wsactor.Channel {
		return wsactor.NewChannel(id, workspaceID, wsactor.ChannelConf{
			TypingTTL:   conf.TypingTTL,
			RecentCache: conf.RecentCacheSize,
		}, b, sink, tracker)
	}

	sup := supervisor.New(supervisor.Conf{
		RestartBudget: conf.RestartBudget,
		RestartWindow: conf.RestartWindow,
	}, wsFactory, chFactory)

	specs := []supervisor.ChildSpec{
		{Name: "presence", Start: func() (supervisor.Child, error) {
			t := presence.NewTracker(presence.Conf{
				AwayTimeout:    conf.AwayTimeout,
				OfflineTimeout: conf.OfflineTimeout,
				SweepEvery:     conf.PresenceSweep,
				MirrorTTL:      conf.PresenceTTL,
			}, b, mirror)
			tracker.p.Store(t)
			return t, nil
		}},
		{Name: "buffer", Start: func() (supervisor.Child, error) {
			bf := buffer.New(buffer.Conf{
				BatchSize:    conf.BatchSize,
				BatchTimeout: conf.BatchTimeout,
				DrainTimeout: conf.DrainTimeout,
			}, store)
			sink.p.Store(bf)
			return bf, nil
		}},
		{Name: "notify", Start: func() (supervisor.Child, error) {
			nd := notify.NewDispatcher(notify.Conf{
				BatchSize:   conf.NotifyBatchSize,
				BatchWait:   conf.NotifyBatchWait,
				MaxRetries:  conf.NotifyMaxRetries,
				BackoffBase: conf.NotifyBackoffBase,
				FailedMax:   conf.FailedListMax,
				FailedAge:   conf.FailedMaxAge,
				SweepEvery:  conf.FailedSweepEvery,
			}, b, store, deliverers...)
			notifier.p.Store(nd)
			return nd, nil
		}},
		{Name: "uploads", Start: func() (supervisor.Child, error) {
			return upload.NewScheduler(upload.Conf{
				MaxConcurrent: conf.MaxConcurrentJobs,
				MaxRetries:    conf.JobMaxRetries,
			}, b, &upload.Pipeline{Store: store})
		}},
	}
	if err := sup.Start(specs); err != nil {
		logger.Errorf("[boot] supervisor: %v", err)
		os.Exit(1)
	}

	coord := coordinator.New(coordinator.Conf{}, b, sup, notifier)
	if err := coord.Start(); err != nil {
		logger.Errorf("[boot] coordinator: %v", err)
		os.Exit(1)
	}

	var bridge *kafkabridge.Bridge
	if brokers := os.Getenv("WORKCHAT_KAFKA"); brokers != "" {
		var err error
		bridge, err = kafkabridge.NewBridge(kafkabridge.Conf{
			Brokers: strings.Split(brokers, ","),
		}, b)
		if err != nil {
			logger.Errorf("[boot] kafka bridge: %v", err)
			os.Exit(1)
		}
		logger.Infof("[boot] kafka bridge: %s", brokers)
	}

	opsSrv := ops.NewServer(conf.OpsPort, sup)
	opsSrv.Start()

	logger.Info("[boot] coordination core up")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("[boot] shutting down")

	opsSrv.Stop()
	if bridge != nil {
		bridge.Stop()
	}
	coord.Stop()
	sup.Stop()
	b.Close()
	storeredis.Close()
	logger.Info("[boot] bye")
}
