package presence

import (
	"time"

	"WorkChat/logger"
	"WorkChat/service/actor"
	"WorkChat/service/bus"
	"WorkChat/tools/errs"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Snapshot is the externally visible view of one presence record.
type Snapshot struct {
	UserID      string         `json:"user_id"`
	Status      Status         `json:"status"`
	LastSeen    time.Time      `json:"last_seen"`
	Connections int            `json:"connections"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// record is owned exclusively by the tracker goroutine.
type record struct {
	userID   string
	status   Status
	lastSeen time.Time
	conns    map[string]struct{}
	meta     map[string]any
}

// Mirror pushes online/offline marks to an external presence index so
// other nodes can answer lookups without asking this process.
type Mirror interface {
	Online(userID string, ttl time.Duration) error
	Offline(userID string) error
}

type Conf struct {
	AwayTimeout    time.Duration // online -> away after idle
	OfflineTimeout time.Duration // away -> offline
	SweepEvery     time.Duration // lost-timer guard
	MirrorTTL      time.Duration
	Clock          func() time.Time
}

func (c *Conf) norm() {
	if c.AwayTimeout <= 0 {
		c.AwayTimeout = 5 * time.Minute
	}
	if c.OfflineTimeout <= 0 {
		c.OfflineTimeout = 30 * time.Second
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 60 * time.Second
	}
	if c.MirrorTTL <= 0 {
		c.MirrorTTL = c.AwayTimeout + c.OfflineTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Tracker is the singleton presence state machine:
// offline --join--> online --away timeout--> away --offline timeout--> offline.
// Activity while online or away re-arms the away timer. A connection set
// tracks multi-device users; an explicit offline only lands when it empties.
type Tracker struct {
	mb     *actor.Mailbox
	timers *actor.Timers
	conf   Conf
	bus    bus.Bus
	mirror Mirror // nil when not mirroring

	recs map[string]*record
}

func NewTracker(conf Conf, b bus.Bus, mirror Mirror) *Tracker {
	conf.norm()
	t := &Tracker{
		mb:     actor.NewMailbox(256),
		conf:   conf,
		bus:    b,
		mirror: mirror,
		recs:   make(map[string]*record),
	}
	t.timers = actor.NewTimers(t.mb)
	t.mb.Cast(t.armSweep)
	return t
}

const sweepKey = "sweep"

func awayKey(user string) string { return "away:" + user }

func offlineKey(user string) string { return "offline:" + user }

// SetOnline registers a connection for user and marks them online.
func (t *Tracker) SetOnline(userID, connID string, meta map[string]any) error {
	return actor.CallErr(t.mb, func() error {
		now := t.conf.Clock()
		r, ok := t.recs[userID]
		if !ok {
			r = &record{userID: userID, status: StatusOffline, conns: make(map[string]struct{})}
			t.recs[userID] = r
		}
		r.conns[connID] = struct{}{}
		if meta != nil {
			r.meta = meta
		}
		t.markActive(r, now)
		return nil
	})
}

// Touch records activity without a connection change; away flips back to
// online, and the away timer re-arms in either state.
func (t *Tracker) Touch(userID string) {
	t.mb.Cast(func() {
		r, ok := t.recs[userID]
		if !ok || len(r.conns) == 0 {
			return
		}
		t.markActive(r, t.conf.Clock())
	})
}

// SetAway forces the away state without waiting for the idle timeout.
func (t *Tracker) SetAway(userID string) error {
	return actor.CallErr(t.mb, func() error {
		r, ok := t.recs[userID]
		if !ok || len(r.conns) == 0 {
			return errs.ErrUnknownUser.WrapMsg("set away", "user", userID)
		}
		t.toAway(r)
		return nil
	})
}

// SetOffline drops one connection; the user only goes offline once the
// connection set is empty.
func (t *Tracker) SetOffline(userID, connID string) error {
	return actor.CallErr(t.mb, func() error {
		r, ok := t.recs[userID]
		if !ok {
			return nil
		}
		delete(r.conns, connID)
		r.lastSeen = t.conf.Clock()
		if len(r.conns) > 0 {
			return nil
		}
		t.toOffline(r)
		return nil
	})
}

// Get returns the snapshot for one user; missing users read as offline.
func (t *Tracker) Get(userID string) (Snapshot, error) {
	return actor.Call(t.mb, func() Snapshot {
		r, ok := t.recs[userID]
		if !ok {
			return Snapshot{UserID: userID, Status: StatusOffline}
		}
		return t.snapshot(r)
	})
}

// GetForWorkspace returns snapshots for every requested user id.
func (t *Tracker) GetForWorkspace(userIDs []string) ([]Snapshot, error) {
	return actor.Call(t.mb, func() []Snapshot {
		out := make([]Snapshot, 0, len(userIDs))
		for _, id := range userIDs {
			if r, ok := t.recs[id]; ok {
				out = append(out, t.snapshot(r))
			} else {
				out = append(out, Snapshot{UserID: id, Status: StatusOffline})
			}
		}
		return out
	})
}

// TimerCount reports live presence timers (sweep excluded); test hook.
func (t *Tracker) TimerCount() int {
	n, _ := actor.Call(t.mb, func() int {
		c := t.timers.Len()
		if t.timers.Active(sweepKey) {
			c--
		}
		return c
	})
	return n
}

// Done reports actor-loop termination; watched by the supervisor.
func (t *Tracker) Done() <-chan struct{} { return t.mb.Done() }

func (t *Tracker) Stop() {
	_ = actor.CallErr(t.mb, func() error {
		t.timers.StopAll()
		return nil
	})
	t.mb.Stop()
	t.mb.Join(2 * time.Second)
}

// ----- internal (tracker goroutine only) -----

func (t *Tracker) markActive(r *record, now time.Time) {
	r.lastSeen = now
	prev := r.status
	r.status = StatusOnline
	t.timers.Cancel(offlineKey(r.userID))
	t.timers.Set(awayKey(r.userID), t.conf.AwayTimeout, func() { t.onAwayTimeout(r.userID) })
	if t.mirror != nil {
		if err := t.mirror.Online(r.userID, t.conf.MirrorTTL); err != nil {
			logger.Warnf("[presence] mirror online user=%s: %v", r.userID, err)
		}
	}
	if prev != StatusOnline {
		t.publishDiff(r)
	}
}

func (t *Tracker) toAway(r *record) {
	if r.status == StatusAway {
		return
	}
	r.status = StatusAway
	t.timers.Cancel(awayKey(r.userID))
	t.timers.Set(offlineKey(r.userID), t.conf.OfflineTimeout, func() { t.onOfflineTimeout(r.userID) })
	t.publishDiff(r)
}

// toOffline publishes the final diff and destroys the record.
func (t *Tracker) toOffline(r *record) {
	r.status = StatusOffline
	t.timers.Cancel(awayKey(r.userID))
	t.timers.Cancel(offlineKey(r.userID))
	delete(t.recs, r.userID)
	if t.mirror != nil {
		if err := t.mirror.Offline(r.userID); err != nil {
			logger.Warnf("[presence] mirror offline user=%s: %v", r.userID, err)
		}
	}
	t.publishDiff(r)
}

func (t *Tracker) onAwayTimeout(userID string) {
	r, ok := t.recs[userID]
	if !ok {
		return
	}
	t.toAway(r)
}

func (t *Tracker) onOfflineTimeout(userID string) {
	r, ok := t.recs[userID]
	if !ok {
		return
	}
	// connections that never produced activity for the whole away+offline
	// window are presumed dead
	t.toOffline(r)
}

func (t *Tracker) armSweep() {
	t.timers.Set(sweepKey, t.conf.SweepEvery, func() {
		t.sweep()
		t.armSweep()
	})
}

// sweep force-offlines records whose lastSeen predates the full idle
// window, guarding against lost timer messages.
func (t *Tracker) sweep() {
	cutoff := t.conf.Clock().Add(-(t.conf.AwayTimeout + t.conf.OfflineTimeout))
	for _, r := range t.recs {
		if r.lastSeen.Before(cutoff) {
			logger.Infof("[presence] sweep force-offline user=%s last_seen=%s", r.userID, r.lastSeen)
			t.toOffline(r)
		}
	}
}

func (t *Tracker) snapshot(r *record) Snapshot {
	return Snapshot{
		UserID:      r.userID,
		Status:      r.status,
		LastSeen:    r.lastSeen,
		Connections: len(r.conns),
		Meta:        r.meta,
	}
}

func (t *Tracker) publishDiff(r *record) {
	ev := bus.Event{
		Type: bus.EvPresenceDiff,
		Payload: map[string]any{
			"user_id":   r.userID,
			"status":    string(r.status),
			"last_seen": r.lastSeen,
		},
		TS: t.conf.Clock(),
	}
	t.bus.Publish(bus.TopicPresenceGlobal, ev)
	t.bus.Publish(bus.PresenceUserTopic(r.userID), ev)
}
