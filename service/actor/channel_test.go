package actor

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"WorkChat/service/bus"
	"WorkChat/service/storage"
	"WorkChat/tools/errs"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []storage.Message
}

func (s *captureSink) Enqueue(msg storage.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *captureSink) all() []storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

type touchRecorder struct {
	mu    sync.Mutex
	users []string
}

func (r *touchRecorder) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
}

func newTestChannel(t *testing.T, conf ChannelConf) (*Channel, *captureSink, *bus.InprocBus) {
	t.Helper()
	b := bus.NewInprocBus()
	sink := &captureSink{}
	ch := NewChannel("ch1", "ws1", conf, b, sink, nil)
	t.Cleanup(ch.Stop)
	return ch, sink, b
}

func TestChannelJoinLeaveMultiDevice(t *testing.T) {
	ch, _, _ := newTestChannel(t, ChannelConf{})

	require.NoError(t, ch.Join("alice", "conn-1"))
	require.NoError(t, ch.Join("alice", "conn-2"))
	require.Equal(t, []string{"alice"}, ch.Members())

	require.NoError(t, ch.Leave("alice", "conn-1"))
	require.Equal(t, []string{"alice"}, ch.Members(), "member survives while a device remains")

	require.NoError(t, ch.Leave("alice", "conn-2"))
	require.Empty(t, ch.Members())

	// leaving again is a no-op
	require.NoError(t, ch.Leave("alice", "conn-2"))
}

func TestChannelNonMemberSendRejected(t *testing.T) {
	ch, sink, _ := newTestChannel(t, ChannelConf{})

	_, err := ch.SendMessage("ghost", "hello", nil)
	require.Error(t, err)
	assert.True(t, errs.ErrNotMember.Is(err))
	assert.Empty(t, sink.all(), "rejected send must have no side effects")
	assert.Empty(t, ch.RecentMessages(0))
}

func TestChannelSendMessage(t *testing.T) {
	ch, sink, b := newTestChannel(t, ChannelConf{})
	sub, err := b.Subscribe(bus.ChannelMessagesTopic("ch1"))
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, ch.Join("alice", "c1"))
	require.NoError(t, ch.Join("bob", "c2"))

	msg, err := ch.SendMessage("alice", "hi @bob, see @bob and @carol", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "ch1", msg.ChannelID)
	assert.False(t, msg.CreatedAt.IsZero())

	require.Len(t, sink.all(), 1)
	assert.Equal(t, msg.ID, sink.all()[0].ID)

	select {
	case ev := <-sub.C:
		assert.Equal(t, bus.EvMessageNew, ev.Type)
		assert.Equal(t, msg.ID, ev.Payload["message_id"])
		assert.Equal(t, []string{"bob", "carol"}, ev.Payload["mentions"], "mentions deduped, in order")
	case <-time.After(time.Second):
		t.Fatal("no message event published")
	}

	recent := ch.RecentMessages(0)
	require.Len(t, recent, 1)
	assert.Equal(t, msg.ID, recent[0].ID)
}

func TestChannelRecentCacheEviction(t *testing.T) {
	ch, _, _ := newTestChannel(t, ChannelConf{RecentCache: 5})
	require.NoError(t, ch.Join("alice", "c1"))

	var last storage.Message
	for i := 0; i < 12; i++ {
		m, err := ch.SendMessage("alice", fmt.Sprintf("msg %d", i), nil)
		require.NoError(t, err)
		last = m
	}
	recent := ch.RecentMessages(0)
	require.Len(t, recent, 5)
	assert.Equal(t, "msg 7", recent[0].Content, "oldest first")
	assert.Equal(t, last.ID, recent[4].ID)

	limited := ch.RecentMessages(2)
	require.Len(t, limited, 2)
	assert.Equal(t, last.ID, limited[1].ID)
}

func TestChannelTypingExpires(t *testing.T) {
	ch, _, _ := newTestChannel(t, ChannelConf{TypingTTL: 50 * time.Millisecond})
	require.NoError(t, ch.Join("alice", "c1"))

	require.NoError(t, ch.SetTyping("alice", true))
	assert.Equal(t, []string{"alice"}, ch.TypingSet())
	assert.Equal(t, 1, ch.TypingTimerCount())

	// re-arming must not stack timers
	require.NoError(t, ch.SetTyping("alice", true))
	assert.Equal(t, 1, ch.TypingTimerCount())

	require.Eventually(t, func() bool {
		return len(ch.TypingSet()) == 0
	}, time.Second, 10*time.Millisecond, "typing must expire after the TTL")
	assert.Equal(t, 0, ch.TypingTimerCount())
}

func TestChannelSendClearsTyping(t *testing.T) {
	ch, _, b := newTestChannel(t, ChannelConf{TypingTTL: time.Minute})
	sub, err := b.Subscribe(bus.ChannelTypingTopic("ch1"))
	require.NoError(t, err)
	defer sub.Cancel()

	require.NoError(t, ch.Join("alice", "c1"))
	require.NoError(t, ch.SetTyping("alice", true))
	<-sub.C // typing started

	_, err = ch.SendMessage("alice", "done typing", nil)
	require.NoError(t, err)

	assert.Empty(t, ch.TypingSet())
	assert.Equal(t, 0, ch.TypingTimerCount())
	select {
	case ev := <-sub.C:
		assert.Equal(t, bus.EvTypingChanged, ev.Type)
		assert.Empty(t, ev.Payload["typing"])
	case <-time.After(time.Second):
		t.Fatal("no typing-cleared event")
	}
}

func TestChannelTypingNonMember(t *testing.T) {
	ch, _, _ := newTestChannel(t, ChannelConf{})
	err := ch.SetTyping("ghost", true)
	require.Error(t, err)
	assert.True(t, errs.ErrNotMember.Is(err))
}

func TestChannelLeaveClearsTyping(t *testing.T) {
	ch, _, _ := newTestChannel(t, ChannelConf{TypingTTL: time.Minute})
	require.NoError(t, ch.Join("alice", "c1"))
	require.NoError(t, ch.SetTyping("alice", true))

	require.NoError(t, ch.Leave("alice", "c1"))
	assert.Empty(t, ch.TypingSet())
	assert.Equal(t, 0, ch.TypingTimerCount())
}

func TestChannelTouchesPresence(t *testing.T) {
	b := bus.NewInprocBus()
	rec := &touchRecorder{}
	ch := NewChannel("ch1", "ws1", ChannelConf{}, b, &captureSink{}, rec)
	defer ch.Stop()

	require.NoError(t, ch.Join("alice", "c1"))
	_, err := ch.SendMessage("alice", "hello", nil)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"alice"}, rec.users)
}

func TestExtractMentions(t *testing.T) {
	assert.Nil(t, extractMentions("no mentions here"))
	assert.Equal(t, []string{"bob"}, extractMentions("hey @bob"))
	assert.Equal(t, []string{"a.b", "c-d"}, extractMentions("@a.b and @c-d and @a.b again"))
}
