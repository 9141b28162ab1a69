package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEventLoop(t *testing.T) *EventLoop {
	t.Helper()
	el, err := New(WithEntries(64))
	require.NoError(t, err)
	t.Cleanup(func() { el.Close() })
	return el
}

func TestFixedBuffersReconcileNoopWhenClean(t *testing.T) {
	skipIfNoIOURing(t)
	el := newTestEventLoop(t)

	require.False(t, el.fixedBufs.dirty.Load())
	require.NoError(t, el.fixedBufs.reconcile(el))
}

func TestFixedBuffersSetMarksDirty(t *testing.T) {
	skipIfNoIOURing(t)
	el := newTestEventLoop(t)

	el.fixedBufs.set([][]byte{make([]byte, 4096)})
	assert.True(t, el.fixedBufs.dirty.Load())
}

func TestFixedBuffersReconcileRegistersAndClearsDirty(t *testing.T) {
	skipIfNoIOURing(t)
	el := newTestEventLoop(t)
	if !el.fixedBufs.supported {
		t.Skip("kernel does not support REGISTER_BUFFERS")
	}

	el.fixedBufs.set([][]byte{make([]byte, 4096)})
	require.NoError(t, el.fixedBufs.reconcile(el))
	assert.False(t, el.fixedBufs.dirty.Load())
	assert.True(t, el.fixedBufs.registered)
}

func TestFixedBuffersReconcileDefersWhileInFlight(t *testing.T) {
	skipIfNoIOURing(t)
	el := newTestEventLoop(t)
	if !el.fixedBufs.supported {
		t.Skip("kernel does not support REGISTER_BUFFERS")
	}

	// Simulate a non-poll op in flight: reconcile must pause rather than
	// register immediately (spec §4.5).
	el.sq.ioInFlight = 1
	el.fixedBufs.set([][]byte{make([]byte, 4096)})

	require.NoError(t, el.fixedBufs.reconcile(el))
	assert.True(t, el.fixedBufs.dirty.Load(), "must stay dirty until in-flight drains")
	assert.True(t, el.fixedBufs.draining)
	assert.False(t, el.fixedBufs.registered)

	// Once in-flight drains, the deferred reconcile completes.
	el.sq.ioInFlight = 0
	require.NoError(t, el.fixedBufs.reconcile(el))
	assert.False(t, el.fixedBufs.dirty.Load())
	assert.True(t, el.fixedBufs.registered)
	assert.False(t, el.fixedBufs.draining)
}
