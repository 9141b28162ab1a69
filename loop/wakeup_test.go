package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWakeupSignalSetsAwakeAndWritesEventfd(t *testing.T) {
	w, err := newWakeup()
	require.NoError(t, err)
	defer w.close()

	w.signal(false)
	assert.Equal(t, wakeupAwake, w.nextWakeupNanos.Load())

	buf := make([]byte, 8)
	n, err := readNonBlocking(t, w.fd, buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestWakeupSignalInEventLoopDoesNotWriteEventfd(t *testing.T) {
	w, err := newWakeup()
	require.NoError(t, err)
	defer w.close()

	w.signal(true)
	assert.Equal(t, wakeupAwake, w.nextWakeupNanos.Load())

	buf := make([]byte, 8)
	_, err = readNonBlocking(t, w.fd, buf)
	assert.Error(t, err, "no eventfd write should have happened for an in-loop signal")
}

func TestWakeupSignalIsIdempotentWhileAwake(t *testing.T) {
	w, err := newWakeup()
	require.NoError(t, err)
	defer w.close()

	w.signal(false)
	w.signal(false) // second signal must not write a second time

	buf := make([]byte, 8)
	_, err = readNonBlocking(t, w.fd, buf)
	require.NoError(t, err)
	_, err = readNonBlocking(t, w.fd, buf)
	assert.Error(t, err, "only one eventfd write should have occurred")
}

func TestWakeupObserveWakeArmsPendingRead(t *testing.T) {
	w, err := newWakeup()
	require.NoError(t, err)
	defer w.close()

	w.observeWake()
	assert.True(t, w.pendingWakeup.Load())
	assert.Equal(t, wakeupAwake, w.nextWakeupNanos.Load())

	w.onEventfdComplete()
	assert.False(t, w.pendingWakeup.Load())
}

func TestWakeupArmDeadline(t *testing.T) {
	w, err := newWakeup()
	require.NoError(t, err)
	defer w.close()

	w.armDeadline(123)
	assert.Equal(t, int64(123), w.nextWakeupNanos.Load())

	w.armDeadline(wakeupNone)
	assert.Equal(t, wakeupNone, w.nextWakeupNanos.Load())
}
