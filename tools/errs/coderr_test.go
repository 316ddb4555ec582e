package errs

import (
	"fmt"
	"testing"

	perrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeErrorIs(t *testing.T) {
	err := ErrNotMember.WrapMsg("send", "channel", "ch1")
	assert.True(t, ErrNotMember.Is(err))
	assert.False(t, ErrUnknownJob.Is(err))

	wrapped := perrors.WithMessage(err, "outer layer")
	assert.True(t, ErrNotMember.Is(wrapped), "Is must see through wrapping")

	assert.False(t, ErrNotMember.Is(fmt.Errorf("plain error")))
}

func TestWithDetailAccumulates(t *testing.T) {
	e := ErrQueueFull.WithDetail("first").WithDetail("second")
	assert.Contains(t, e.Error(), "first, second")
	assert.Equal(t, ErrQueueFull.Code, e.Code)
}

func TestWrapMsgFormatsKV(t *testing.T) {
	err := ErrDeliveryFailed.WrapMsg("push send", "user", "alice", "attempt", 3)
	msg := err.Error()
	assert.Contains(t, msg, "push send")
	assert.Contains(t, msg, "user=alice")
	assert.Contains(t, msg, "attempt=3")
}

func TestTransientAndTerminalRanges(t *testing.T) {
	assert.True(t, IsTransient(ErrStorageWrite.Wrap()))
	assert.True(t, IsTransient(ErrDeliveryFailed.Wrap()))
	assert.True(t, IsTransient(ErrScanTimeout.Wrap()))

	assert.False(t, IsTransient(ErrNotMember.Wrap()))
	assert.False(t, IsTransient(ErrVirusDetected.Wrap()))

	assert.True(t, IsTerminal(ErrVirusDetected.Wrap()))
	assert.False(t, IsTerminal(ErrScanTimeout.Wrap()))
	assert.False(t, IsTerminal(fmt.Errorf("plain")))
}

func TestPackageLevelWrap(t *testing.T) {
	require.NoError(t, Wrap(nil))
	require.NoError(t, WrapMsg(nil, "ctx"))

	err := WrapMsg(fmt.Errorf("boom"), "reading file", "path", "/tmp/x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "path=/tmp/x")
}
