package actor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMailboxSerializesInOrder(t *testing.T) {
	mb := NewMailbox(64)
	defer mb.Stop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, mb.Cast(func() { got = append(got, i) }))
	}
	out, err := Call(mb, func() []int { return got })
	require.NoError(t, err)
	require.Len(t, out, 100)
	for i, v := range out {
		require.Equal(t, i, v)
	}
}

func TestMailboxCallAfterStop(t *testing.T) {
	mb := NewMailbox(8)
	mb.Stop()
	require.True(t, mb.Join(time.Second))

	require.False(t, mb.Cast(func() {}))
	_, err := Call(mb, func() int { return 1 })
	require.Error(t, err)
}

func TestMailboxDrainsAcceptedOnStop(t *testing.T) {
	mb := NewMailbox(64)
	done := make(chan struct{})
	ran := 0
	for i := 0; i < 10; i++ {
		mb.Cast(func() { ran++ })
	}
	mb.Cast(func() { close(done) })
	mb.Stop()
	require.True(t, mb.Join(time.Second))
	<-done
	require.Equal(t, 10, ran)
}

func TestMailboxRecoversPanic(t *testing.T) {
	mb := NewMailbox(8)
	defer mb.Stop()

	mb.Cast(func() { panic("boom") })
	// loop must survive and keep serving
	v, err := Call(mb, func() string { return "alive" })
	require.NoError(t, err)
	require.Equal(t, "alive", v)
}

func TestTimersReplaceAndCancel(t *testing.T) {
	mb := NewMailbox(8)
	defer mb.Stop()

	fired := make(chan string, 4)
	err := CallErr(mb, func() error {
		ts := NewTimers(mb)
		ts.Set("k", 40*time.Millisecond, func() { fired <- "first" })
		ts.Set("k", 40*time.Millisecond, func() { fired <- "second" })
		require.Equal(t, 1, ts.Len())
		return nil
	})
	require.NoError(t, err)

	select {
	case got := <-fired:
		require.Equal(t, "second", got)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	select {
	case got := <-fired:
		t.Fatalf("superseded timer fired: %s", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimersCancelStopsDelivery(t *testing.T) {
	mb := NewMailbox(8)
	defer mb.Stop()

	fired := make(chan struct{}, 1)
	_ = CallErr(mb, func() error {
		ts := NewTimers(mb)
		ts.Set("k", 20*time.Millisecond, func() { fired <- struct{}{} })
		require.True(t, ts.Cancel("k"))
		require.False(t, ts.Active("k"))
		return nil
	})

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}
