package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerArmFirstDeadline(t *testing.T) {
	skipIfNoIOURing(t)
	ring := newTestRing(t)
	sq := newSubmissionQueue(ring)
	tm := newTimer()

	require.Equal(t, int64(noDeadline), tm.curDeadline)

	err := tm.arm(sq, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), tm.curDeadline)
}

func TestTimerArmSoonerDeadlineRemovesFirst(t *testing.T) {
	skipIfNoIOURing(t)
	ring := newTestRing(t)
	sq := newSubmissionQueue(ring)
	tm := newTimer()

	require.NoError(t, tm.arm(sq, 5_000_000_000))
	require.NoError(t, tm.arm(sq, 1_000_000_000))

	assert.Equal(t, int64(1_000_000_000), tm.curDeadline)
	assert.True(t, tm.removePending, "a TIMEOUT_REMOVE must have been submitted for the earlier deadline")
}

func TestTimerArmReceedingDeadlineReplacesEarlierOne(t *testing.T) {
	skipIfNoIOURing(t)
	ring := newTestRing(t)
	sq := newSubmissionQueue(ring)
	tm := newTimer()

	require.NoError(t, tm.arm(sq, 1_000_000_000))
	require.NoError(t, tm.arm(sq, 5_000_000_000))

	assert.Equal(t, int64(5_000_000_000), tm.curDeadline, "a receding nearest deadline must still replace the stale armed one")
	assert.True(t, tm.removePending, "a TIMEOUT_REMOVE must have been submitted for the earlier deadline")
}

func TestTimerArmSameDeadlineIsNoop(t *testing.T) {
	skipIfNoIOURing(t)
	ring := newTestRing(t)
	sq := newSubmissionQueue(ring)
	tm := newTimer()

	require.NoError(t, tm.arm(sq, 1_000_000_000))
	require.NoError(t, tm.arm(sq, 1_000_000_000))

	assert.Equal(t, int64(1_000_000_000), tm.curDeadline)
	assert.False(t, tm.removePending, "re-arming the same deadline must not touch the outstanding TIMEOUT")
}

func TestTimerArmDefersWhileRemovePending(t *testing.T) {
	skipIfNoIOURing(t)
	ring := newTestRing(t)
	sq := newSubmissionQueue(ring)
	tm := newTimer()

	require.NoError(t, tm.arm(sq, 1_000_000_000))
	require.NoError(t, tm.arm(sq, 5_000_000_000))
	require.True(t, tm.removePending)

	// A second deadline change while the TIMEOUT_REMOVE is still in flight
	// must not submit a competing TIMEOUT under the same user-data word.
	require.NoError(t, tm.arm(sq, 9_000_000_000))
	assert.Equal(t, int64(5_000_000_000), tm.curDeadline, "arm must defer until onTimeoutRemoveComplete clears removePending")

	tm.onTimeoutRemoveComplete()
	require.NoError(t, tm.arm(sq, 9_000_000_000))
	assert.Equal(t, int64(9_000_000_000), tm.curDeadline)
}

func TestTimerCancelClearsDeadline(t *testing.T) {
	skipIfNoIOURing(t)
	ring := newTestRing(t)
	sq := newSubmissionQueue(ring)
	tm := newTimer()

	require.NoError(t, tm.arm(sq, 1_000_000_000))
	require.NoError(t, tm.cancel(sq))

	assert.Equal(t, int64(noDeadline), tm.curDeadline)
}

func TestTimerOnTimeoutCompleteClearsDeadline(t *testing.T) {
	tm := newTimer()
	tm.curDeadline = 42
	tm.onTimeoutComplete()
	assert.Equal(t, int64(noDeadline), tm.curDeadline)
}
