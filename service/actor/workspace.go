package actor

import (
	"time"

	"WorkChat/service/bus"
)

type WorkspaceConf struct {
	MemberTimeout time.Duration // idle force-leave
	Clock         func() time.Time
}

func (c *WorkspaceConf) norm() {
	if c.MemberTimeout <= 0 {
		c.MemberTimeout = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Workspace owns workspace-granularity membership and fan-out. Its
// membership lifecycle is independent of any channel: a user can be
// present in the workspace without having joined a channel. Each member
// carries an idle timer; expiry force-leaves like an explicit leave.
type Workspace struct {
	mb     *Mailbox
	timers *Timers
	conf   WorkspaceConf

	id      string
	bus     bus.Bus
	members map[string]*member
	meta    map[string]any
}

func NewWorkspace(id string, conf WorkspaceConf, b bus.Bus) *Workspace {
	conf.norm()
	w := &Workspace{
		mb:      NewMailbox(256),
		conf:    conf,
		id:      id,
		bus:     b,
		members: make(map[string]*member),
		meta:    make(map[string]any),
	}
	w.timers = NewTimers(w.mb)
	return w
}

func (w *Workspace) ID() string { return w.id }

func memberTimerKey(user string) string { return "member:" + user }

func (w *Workspace) Join(userID, connID string) error {
	return CallErr(w.mb, func() error {
		now := w.conf.Clock()
		m, ok := w.members[userID]
		if !ok {
			m = &member{userID: userID, joinedAt: now, conns: make(map[string]struct{})}
			w.members[userID] = m
		}
		m.conns[connID] = struct{}{}
		m.lastActivity = now
		w.armMemberTimer(userID)
		if !ok {
			w.publishMember(bus.EvMemberJoined, userID, "")
		}
		return nil
	})
}

func (w *Workspace) Leave(userID, connID string) error {
	return CallErr(w.mb, func() error {
		m, ok := w.members[userID]
		if !ok {
			return nil
		}
		delete(m.conns, connID)
		if len(m.conns) > 0 {
			m.lastActivity = w.conf.Clock()
			w.armMemberTimer(userID)
			return nil
		}
		w.removeMember(userID, "leave")
		return nil
	})
}

// Activity resets a member's idle timer; called by the session layer on
// any client action inside the workspace.
func (w *Workspace) Activity(userID string) {
	w.mb.Cast(func() {
		m, ok := w.members[userID]
		if !ok {
			return
		}
		m.lastActivity = w.conf.Clock()
		w.armMemberTimer(userID)
	})
}

// Broadcast fans an event out to the whole workspace.
func (w *Workspace) Broadcast(event string, payload map[string]any) {
	w.mb.Cast(func() {
		if payload == nil {
			payload = map[string]any{}
		}
		payload["workspace_id"] = w.id
		payload["event"] = event
		w.bus.Publish(bus.WorkspaceTopic(w.id), bus.Event{
			Type:    bus.EvBroadcast,
			Payload: payload,
		})
	})
}

// Update merges a metadata patch and announces the change.
func (w *Workspace) Update(patch map[string]any) error {
	return CallErr(w.mb, func() error {
		for k, v := range patch {
			if v == nil {
				delete(w.meta, k)
				continue
			}
			w.meta[k] = v
		}
		w.bus.Publish(bus.WorkspaceTopic(w.id), bus.Event{
			Type: bus.EvWorkspaceUpdated,
			Payload: map[string]any{
				"workspace_id": w.id,
				"patch":        patch,
			},
		})
		return nil
	})
}

func (w *Workspace) Members() []string {
	out, _ := Call(w.mb, func() []string {
		ids := make([]string, 0, len(w.members))
		for id := range w.members {
			ids = append(ids, id)
		}
		return ids
	})
	return out
}

func (w *Workspace) Meta() map[string]any {
	out, _ := Call(w.mb, func() map[string]any {
		cp := make(map[string]any, len(w.meta))
		for k, v := range w.meta {
			cp[k] = v
		}
		return cp
	})
	return out
}

func (w *Workspace) MemberTimerCount() int {
	n, _ := Call(w.mb, func() int { return w.timers.Len() })
	return n
}

// Done reports actor-loop termination; the coordinator watches it to
// clear bookkeeping for actors that die unexpectedly.
func (w *Workspace) Done() <-chan struct{} { return w.mb.Done() }

func (w *Workspace) Stop() {
	_ = CallErr(w.mb, func() error {
		w.timers.StopAll()
		return nil
	})
	w.mb.Stop()
	w.mb.Join(2 * time.Second)
}

// ----- internal (workspace goroutine only) -----

func (w *Workspace) armMemberTimer(userID string) {
	w.timers.Set(memberTimerKey(userID), w.conf.MemberTimeout, func() {
		// same departure event as an explicit leave
		w.removeMember(userID, "timeout")
	})
}

func (w *Workspace) removeMember(userID, reason string) {
	if _, ok := w.members[userID]; !ok {
		return
	}
	delete(w.members, userID)
	w.timers.Cancel(memberTimerKey(userID))
	w.publishMember(bus.EvMemberLeft, userID, reason)
}

func (w *Workspace) publishMember(evType, userID, reason string) {
	w.bus.Publish(bus.WorkspaceTopic(w.id), bus.Event{
		Type: evType,
		Payload: map[string]any{
			"workspace_id": w.id,
			"user_id":      userID,
			"reason":       reason,
		},
	})
}
