package coordinator

import (
	"sync"
	"time"

	"WorkChat/logger"
	wsactor "WorkChat/service/actor"
	"WorkChat/service/bus"
	"WorkChat/service/notify"
	"WorkChat/service/supervisor"
	"WorkChat/tools/safe"
)

type Conf struct {
	Clock func() time.Time
}

func (c *Conf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type trackedActor struct {
	startedAt time.Time
	status    string // "running"
}

// Notifier is the dispatcher surface the coordinator enqueues through.
// Satisfied by *notify.Dispatcher; the composition root may hand in a
// holder that tracks the live instance across restarts.
type Notifier interface {
	Enqueue(typ, recipientID string, payload map[string]any, opts notify.Opts) string
}

// Coordinator lazily starts workspace/channel actors on demand, fans
// cross-cutting bus events to the right singleton, and cascades
// workspace shutdown. Starts are idempotent: an already running actor is
// returned as-is.
type Coordinator struct {
	conf Conf
	bus  bus.Bus
	sup  *supervisor.Supervisor
	nd   Notifier // nil disables mention notifications

	mu         sync.Mutex
	workspaces map[string]trackedActor
	channels   map[string]trackedActor

	sub      *bus.Subscription
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(conf Conf, b bus.Bus, sup *supervisor.Supervisor, nd Notifier) *Coordinator {
	conf.norm()
	return &Coordinator{
		conf:       conf,
		bus:        b,
		sup:        sup,
		nd:         nd,
		workspaces: make(map[string]trackedActor),
		channels:   make(map[string]trackedActor),
		stopCh:     make(chan struct{}),
	}
}

// Start subscribes to the cross-cutting topics and begins re-dispatching.
func (c *Coordinator) Start() error {
	sub, err := c.bus.Subscribe("workspace:*", "channel:*", bus.TopicUploadEvents)
	if err != nil {
		return err
	}
	c.sub = sub
	safe.Go(c.eventLoop)
	return nil
}

// EnsureWorkspace starts the workspace actor if it is not already
// running and returns it.
func (c *Coordinator) EnsureWorkspace(id string) *wsactor.Workspace {
	w, started := c.sup.StartWorkspaceActor(id)
	if started {
		c.track(c.workspaces, id)
		c.watchWorkspace(id, w)
		logger.Infof("[coordinator] started workspace actor id=%s", id)
	}
	return w
}

// EnsureChannel starts the channel actor (and its workspace) if needed.
func (c *Coordinator) EnsureChannel(id, workspaceID string) *wsactor.Channel {
	c.EnsureWorkspace(workspaceID)
	ch, started := c.sup.StartChannelActor(id, workspaceID)
	if started {
		c.track(c.channels, id)
		c.watchChannel(id, ch)
		logger.Infof("[coordinator] started channel actor id=%s workspace=%s", id, workspaceID)
	}
	return ch
}

// ShutdownWorkspace cascades: every channel actor belonging to the
// workspace stops first, then the workspace actor, and both drop out of
// tracking.
func (c *Coordinator) ShutdownWorkspace(id string) {
	for _, ch := range c.sup.ChannelActorsOf(id) {
		chID := ch.ID()
		if err := c.sup.StopChannelActor(chID); err == nil {
			c.untrack(c.channels, chID)
		}
	}
	if err := c.sup.StopWorkspaceActor(id); err == nil {
		c.untrack(c.workspaces, id)
	}
	logger.Infof("[coordinator] shut down workspace id=%s", id)
}

// Tracked reports tracked actor counts (workspaces, channels); test hook.
func (c *Coordinator) Tracked() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.workspaces), len(c.channels)
}

func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.sub != nil {
			c.sub.Cancel()
		}
	})
}

// ----- internal -----

func (c *Coordinator) track(m map[string]trackedActor, id string) {
	c.mu.Lock()
	m[id] = trackedActor{startedAt: c.conf.Clock(), status: "running"}
	c.mu.Unlock()
}

func (c *Coordinator) untrack(m map[string]trackedActor, id string) {
	c.mu.Lock()
	delete(m, id)
	c.mu.Unlock()
}

// watchWorkspace clears bookkeeping if the actor terminates outside
// ShutdownWorkspace (crash, supervisor stop).
func (c *Coordinator) watchWorkspace(id string, w *wsactor.Workspace) {
	safe.Go(func() {
		select {
		case <-w.Done():
			c.untrack(c.workspaces, id)
			c.sup.UnregisterWorkspaceActor(id)
		case <-c.stopCh:
		}
	})
}

func (c *Coordinator) watchChannel(id string, ch *wsactor.Channel) {
	safe.Go(func() {
		select {
		case <-ch.Done():
			c.untrack(c.channels, id)
			c.sup.UnregisterChannelActor(id)
		case <-c.stopCh:
		}
	})
}

func (c *Coordinator) eventLoop() {
	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-c.sub.C:
			if !ok {
				return
			}
			c.handle(ev)
		}
	}
}

// handle re-dispatches one cross-cutting event.
func (c *Coordinator) handle(ev bus.Event) {
	switch ev.Type {
	case bus.EvMemberJoined:
		// a member joining a channel implies the workspace is active
		if wsID, ok := str(ev.Payload, "workspace_id"); ok && wsID != "" {
			w := c.EnsureWorkspace(wsID)
			if userID, ok := str(ev.Payload, "user_id"); ok {
				w.Activity(userID)
			}
		}
	case bus.EvMessageNew:
		c.onNewMessage(ev)
	case bus.EvUploadFailed, bus.EvUploadRejected, bus.EvUploadCompleted:
		c.onUploadEvent(ev)
	}
}

// onNewMessage turns mentions into notification enqueues and keeps the
// sender's workspace membership fresh.
func (c *Coordinator) onNewMessage(ev bus.Event) {
	if wsID, ok := str(ev.Payload, "workspace_id"); ok && wsID != "" {
		if userID, ok := str(ev.Payload, "user_id"); ok {
			if w, running := c.sup.LookupWorkspaceActor(wsID); running {
				w.Activity(userID)
			}
		}
	}
	if c.nd == nil {
		return
	}
	mentions := strSlice(ev.Payload["mentions"])
	if len(mentions) == 0 {
		return
	}
	sender, _ := str(ev.Payload, "user_id")
	channelID, _ := str(ev.Payload, "channel_id")
	for _, target := range mentions {
		if target == sender {
			continue
		}
		c.nd.Enqueue(notify.TypeInApp, target, map[string]any{
			"kind":       "mention",
			"channel_id": channelID,
			"by":         sender,
			"message_id": ev.Payload["message_id"],
		}, notify.Opts{Priority: notify.PriorityHigh})
	}
}

// onUploadEvent tells the submitter how their upload ended.
func (c *Coordinator) onUploadEvent(ev bus.Event) {
	if c.nd == nil {
		return
	}
	submitter, ok := str(ev.Payload, "submit_by")
	if !ok || submitter == "" {
		return
	}
	c.nd.Enqueue(notify.TypeInApp, submitter, map[string]any{
		"kind":      "upload",
		"event":     ev.Type,
		"upload_id": ev.Payload["upload_id"],
		"status":    ev.Payload["status"],
		"reason":    ev.Payload["reason"],
	}, notify.Opts{Priority: notify.PriorityNormal})
}

// strSlice tolerates both []string (in-proc bus) and []any (events that
// round-tripped through JSON on the NATS bus).
func strSlice(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func str(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
