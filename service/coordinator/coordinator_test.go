package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wsactor "WorkChat/service/actor"
	"WorkChat/service/buffer"
	"WorkChat/service/bus"
	"WorkChat/service/notify"
	"WorkChat/service/storage"
	"WorkChat/service/supervisor"
	"WorkChat/service/upload"
)

type fixture struct {
	bus   *bus.InprocBus
	store *storage.MemoryStore
	buf   *buffer.Buffer
	nd    *notify.Dispatcher
	sup   *supervisor.Supervisor
	coord *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.NewInprocBus()
	store := storage.NewMemoryStore()
	buf := buffer.New(buffer.Conf{BatchSize: 1}, store)
	nd := notify.NewDispatcher(notify.Conf{
		BatchSize: 1,
		BatchWait: 5 * time.Millisecond,
	}, b, nil, &notify.InAppDeliverer{Bus: b})

	sup := supervisor.New(supervisor.Conf{},
		func(id string) *wsactor.Workspace {
			return wsactor.NewWorkspace(id, wsactor.WorkspaceConf{}, b)
		},
		func(id, workspaceID string) *wsactor.Channel {
			return wsactor.NewChannel(id, workspaceID, wsactor.ChannelConf{}, b, buf, nil)
		})

	coord := New(Conf{}, b, sup, nd)
	require.NoError(t, coord.Start())

	t.Cleanup(func() {
		coord.Stop()
		sup.Stop()
		nd.Stop()
		buf.Close()
	})
	return &fixture{bus: b, store: store, buf: buf, nd: nd, sup: sup, coord: coord}
}

func TestCoordinatorEnsureIdempotent(t *testing.T) {
	f := newFixture(t)

	ch1 := f.coord.EnsureChannel("ch1", "ws1")
	ch2 := f.coord.EnsureChannel("ch1", "ws1")
	assert.Same(t, ch1, ch2)

	ws, chs := f.coord.Tracked()
	assert.Equal(t, 1, ws, "channel start pulls its workspace up")
	assert.Equal(t, 1, chs)
}

func TestCoordinatorShutdownCascades(t *testing.T) {
	f := newFixture(t)

	f.coord.EnsureChannel("ch1", "ws1")
	f.coord.EnsureChannel("ch2", "ws1")
	f.coord.EnsureChannel("other", "ws2")

	f.coord.ShutdownWorkspace("ws1")

	ws, chs := f.coord.Tracked()
	assert.Equal(t, 1, ws, "only ws2 remains")
	assert.Equal(t, 1, chs)
	_, ok := f.sup.LookupChannelActor("ch1")
	assert.False(t, ok)
	_, ok = f.sup.LookupWorkspaceActor("ws2")
	assert.True(t, ok)
}

func TestCoordinatorMemberJoinActivatesWorkspace(t *testing.T) {
	f := newFixture(t)

	ch := f.coord.EnsureChannel("ch1", "ws1")
	require.NoError(t, ch.Join("alice", "conn-1"))

	// the member.joined event must land the user in the workspace's view
	// via Activity; the workspace actor itself only tracks explicit joins,
	// so here we just verify the workspace actor stayed up and running.
	require.Eventually(t, func() bool {
		_, ok := f.sup.LookupWorkspaceActor("ws1")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestCoordinatorMentionNotifies(t *testing.T) {
	f := newFixture(t)
	sub, err := f.bus.Subscribe(bus.NotifyUserTopic("bob"))
	require.NoError(t, err)
	defer sub.Cancel()

	ch := f.coord.EnsureChannel("ch1", "ws1")
	require.NoError(t, ch.Join("alice", "conn-1"))
	require.NoError(t, ch.Join("bob", "conn-2"))

	_, err = ch.SendMessage("alice", "ping @bob and @alice", nil)
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		payload := ev.Payload["payload"].(map[string]any)
		assert.Equal(t, "mention", payload["kind"])
		assert.Equal(t, "alice", payload["by"])
		assert.Equal(t, "ch1", payload["channel_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("mentioned user got no notification")
	}

	// self-mentions stay silent
	selfSub, err := f.bus.Subscribe(bus.NotifyUserTopic("alice"))
	require.NoError(t, err)
	defer selfSub.Cancel()
	select {
	case <-selfSub.C:
		t.Fatal("sender notified about their own mention")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoordinatorUploadOutcomeNotifiesSubmitter(t *testing.T) {
	f := newFixture(t)
	sub, err := f.bus.Subscribe(bus.NotifyUserTopic("alice"))
	require.NoError(t, err)
	defer sub.Cancel()

	sched, err := upload.NewScheduler(upload.Conf{MaxConcurrent: 1}, f.bus, &upload.Pipeline{Store: f.store})
	require.NoError(t, err)
	defer sched.Stop()

	sched.Submit("up-1", "/tmp/f", upload.Options{Kind: upload.KindDocument, SubmitBy: "alice"})

	select {
	case ev := <-sub.C:
		payload := ev.Payload["payload"].(map[string]any)
		assert.Equal(t, "upload", payload["kind"])
		assert.Equal(t, "up-1", payload["upload_id"])
		assert.Equal(t, bus.EvUploadCompleted, payload["event"])
	case <-time.After(2 * time.Second):
		t.Fatal("submitter got no upload notification")
	}
}

func TestCoordinatorCrashedActorUntracked(t *testing.T) {
	f := newFixture(t)

	ch := f.coord.EnsureChannel("ch1", "ws1")
	ch.Stop() // actor dies outside ShutdownWorkspace

	require.Eventually(t, func() bool {
		_, chs := f.coord.Tracked()
		return chs == 0
	}, time.Second, 5*time.Millisecond, "watcher must clear bookkeeping")
	_, ok := f.sup.LookupChannelActor("ch1")
	assert.False(t, ok, "dead actor must not shadow a future start")
}
