package presence

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"WorkChat/service/bus"
)

type fakeMirror struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (m *fakeMirror) Online(userID string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = append(m.online, userID)
	return nil
}

func (m *fakeMirror) Offline(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = append(m.offline, userID)
	return nil
}

func newTestTracker(t *testing.T, conf Conf) (*Tracker, *bus.InprocBus) {
	t.Helper()
	b := bus.NewInprocBus()
	tr := NewTracker(conf, b, nil)
	t.Cleanup(tr.Stop)
	return tr, b
}

func TestTrackerOnlineOfflineLifecycle(t *testing.T) {
	tr, _ := newTestTracker(t, Conf{})

	snap, err := tr.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, snap.Status, "unknown users read as offline")

	require.NoError(t, tr.SetOnline("alice", "c1", map[string]any{"device": "mac"}))
	snap, err = tr.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, snap.Status)
	assert.Equal(t, 1, snap.Connections)
	assert.Equal(t, "mac", snap.Meta["device"])

	require.NoError(t, tr.SetOffline("alice", "c1"))
	snap, err = tr.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, snap.Status)
	assert.Equal(t, 0, snap.Connections, "record is destroyed on offline")
	assert.Equal(t, 0, tr.TimerCount(), "no timers survive the record")
}

func TestTrackerMultiDevice(t *testing.T) {
	tr, _ := newTestTracker(t, Conf{})

	require.NoError(t, tr.SetOnline("alice", "c1", nil))
	require.NoError(t, tr.SetOnline("alice", "c2", nil))

	require.NoError(t, tr.SetOffline("alice", "c1"))
	snap, err := tr.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, snap.Status, "still online while a device remains")
	assert.Equal(t, 1, snap.Connections)

	require.NoError(t, tr.SetOffline("alice", "c2"))
	snap, _ = tr.Get("alice")
	assert.Equal(t, StatusOffline, snap.Status)
}

func TestTrackerIdleTransitions(t *testing.T) {
	tr, b := newTestTracker(t, Conf{
		AwayTimeout:    50 * time.Millisecond,
		OfflineTimeout: 50 * time.Millisecond,
	})
	sub, err := b.Subscribe(bus.TopicPresenceGlobal)
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, tr.SetOnline("alice", "c1", nil))

	require.Eventually(t, func() bool {
		s, _ := tr.Get("alice")
		return s.Status == StatusAway
	}, time.Second, 10*time.Millisecond, "idle online must decay to away")

	require.Eventually(t, func() bool {
		s, _ := tr.Get("alice")
		return s.Status == StatusOffline
	}, time.Second, 10*time.Millisecond, "idle away must decay to offline")
	assert.Equal(t, 0, tr.TimerCount())

	var statuses []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.C:
			statuses = append(statuses, ev.Payload["status"].(string))
		case <-time.After(time.Second):
			t.Fatalf("missing presence diff %d", i)
		}
	}
	assert.Equal(t, []string{"online", "away", "offline"}, statuses)
}

func TestTrackerTouchRevivesAway(t *testing.T) {
	tr, _ := newTestTracker(t, Conf{AwayTimeout: time.Minute})

	require.NoError(t, tr.SetOnline("alice", "c1", nil))
	require.NoError(t, tr.SetAway("alice"))
	snap, _ := tr.Get("alice")
	require.Equal(t, StatusAway, snap.Status)

	tr.Touch("alice")
	require.Eventually(t, func() bool {
		s, _ := tr.Get("alice")
		return s.Status == StatusOnline
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, tr.TimerCount(), "exactly the away timer")
}

func TestTrackerSetAwayUnknownUser(t *testing.T) {
	tr, _ := newTestTracker(t, Conf{})
	require.Error(t, tr.SetAway("ghost"))
}

func TestTrackerTouchWithoutConnsIsNoop(t *testing.T) {
	tr, _ := newTestTracker(t, Conf{})
	tr.Touch("ghost")
	snap, err := tr.Get("ghost")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, snap.Status)
	assert.Equal(t, 0, tr.TimerCount())
}

func TestTrackerMirrorCalls(t *testing.T) {
	b := bus.NewInprocBus()
	m := &fakeMirror{}
	tr := NewTracker(Conf{}, b, m)
	defer tr.Stop()

	require.NoError(t, tr.SetOnline("alice", "c1", nil))
	require.NoError(t, tr.SetOffline("alice", "c1"))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, []string{"alice"}, m.online)
	assert.Equal(t, []string{"alice"}, m.offline)
}

func TestTrackerGetForWorkspace(t *testing.T) {
	tr, _ := newTestTracker(t, Conf{})
	require.NoError(t, tr.SetOnline("alice", "c1", nil))

	snaps, err := tr.GetForWorkspace([]string{"alice", "ghost"})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, StatusOnline, snaps[0].Status)
	assert.Equal(t, StatusOffline, snaps[1].Status)
}

func TestTrackerSweepForcesOffline(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	cur := now
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return cur
	}
	tr, _ := newTestTracker(t, Conf{
		AwayTimeout:    time.Hour, // state timers never fire in this test
		OfflineTimeout: time.Hour,
		SweepEvery:     30 * time.Millisecond,
		Clock:          clock,
	})

	require.NoError(t, tr.SetOnline("alice", "c1", nil))

	// jump the clock past the whole idle window; only the sweep can notice
	mu.Lock()
	cur = now.Add(3 * time.Hour)
	mu.Unlock()

	require.Eventually(t, func() bool {
		s, _ := tr.Get("alice")
		return s.Status == StatusOffline
	}, time.Second, 10*time.Millisecond, "sweep must force-offline records with lost timers")
}

// Random join/leave churn: whatever the order, a user with zero
// connections never reads online or away.
func TestTrackerChurnInvariant(t *testing.T) {
	tr, _ := newTestTracker(t, Conf{})
	rng := rand.New(rand.NewSource(42))

	conns := map[string]bool{}
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("conn-%d", rng.Intn(20))
		if conns[id] {
			require.NoError(t, tr.SetOffline("user", id))
			delete(conns, id)
		} else {
			require.NoError(t, tr.SetOnline("user", id, nil))
			conns[id] = true
		}

		snap, err := tr.Get("user")
		require.NoError(t, err)
		if len(conns) == 0 {
			require.Equal(t, StatusOffline, snap.Status, "step %d", i)
			require.Equal(t, 0, tr.TimerCount())
		} else {
			require.Equal(t, StatusOnline, snap.Status, "step %d", i)
			require.Equal(t, len(conns), snap.Connections)
		}
	}
}
