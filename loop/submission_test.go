package loop

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sderr/uringloop/iouring"
)

func TestSubmissionQueueReadWriteRoundTrip(t *testing.T) {
	skipIfNoIOURing(t)
	ring := newTestRing(t)
	sq := newSubmissionQueue(ring)

	f, err := os.CreateTemp(t.TempDir(), "loop-sq-*")
	require.NoError(t, err)
	defer f.Close()

	fd := int32(f.Fd())
	payload := []byte("hello io_uring")

	require.NoError(t, sq.addWrite(fd, payload, 0))
	n, err := sq.submitAndWait(1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	userData, res, _, ok := ring.PeekCQE()
	require.True(t, ok)
	ring.SeenCQE()
	require.Equal(t, int32(len(payload)), res)

	gotFd, gotOp, _ := decodeUserData(userData)
	assert.Equal(t, fd, gotFd)
	assert.Equal(t, opWrite, gotOp)

	readBuf := make([]byte, len(payload))
	require.NoError(t, sq.addRead(fd, readBuf, 0))
	_, err = sq.submitAndWait(1)
	require.NoError(t, err)

	_, res, _, ok = ring.PeekCQE()
	require.True(t, ok)
	ring.SeenCQE()
	require.Equal(t, int32(len(payload)), res)
	assert.Equal(t, payload, readBuf)
}

func TestSubmissionQueueAddCloseDoesNotCountAsInFlight(t *testing.T) {
	skipIfNoIOURing(t)
	ring := newTestRing(t)
	sq := newSubmissionQueue(ring)

	require.Equal(t, int64(0), sq.ioInFlight)
	require.NoError(t, sq.addClose(999999)) // never submitted; just checks bookkeeping
	assert.Equal(t, int64(0), sq.ioInFlight, "addClose must not count as in-flight (spec §4.1)")
}

func TestSubmissionQueueCountedOpsTrackInFlight(t *testing.T) {
	skipIfNoIOURing(t)
	ring := newTestRing(t)
	sq := newSubmissionQueue(ring)

	f, err := os.CreateTemp(t.TempDir(), "loop-sq-*")
	require.NoError(t, err)
	defer f.Close()

	require.Equal(t, int64(0), sq.ioInFlight)
	require.NoError(t, sq.addWrite(int32(f.Fd()), []byte("x"), 0))
	assert.Equal(t, int64(1), sq.ioInFlight)
}

func TestSubmissionQueuePollTimeoutAndEventfdReadExemptFromInFlight(t *testing.T) {
	skipIfNoIOURing(t)
	ring := newTestRing(t)
	sq := newSubmissionQueue(ring)

	f, err := os.CreateTemp(t.TempDir(), "loop-sq-*")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, sq.addPoll(int32(f.Fd()), PollIn))
	assert.Equal(t, int64(0), sq.ioInFlight, "poll is exempt (spec §4.5)")

	ts := &iouring.Timespec{Sec: 1}
	require.NoError(t, sq.addTimeout(ts, encodeUserData(0, opTimeout, 0), false))
	assert.Equal(t, int64(0), sq.ioInFlight, "timeout is exempt (spec §4.5)")

	buf := make([]byte, 8)
	require.NoError(t, sq.addEventfdRead(3, buf, encodeUserData(3, opRead, 0)))
	assert.Equal(t, int64(0), sq.ioInFlight, "the standing eventfd READ is exempt (spec §4.5, §8)")
}

func TestSubmissionQueuePendingReflectsUnsubmittedSQEs(t *testing.T) {
	skipIfNoIOURing(t)
	ring := newTestRing(t)
	sq := newSubmissionQueue(ring)

	require.NoError(t, sq.addClose(3))
	assert.Equal(t, uint32(1), sq.pending())

	_, err := sq.submit()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), sq.pending())
}
