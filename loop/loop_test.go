package loop

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pipeChannel is a minimal Channel used by the end-to-end tests: it
// carries a single outstanding read/write request's result back to the
// test through a channel-of-results, rather than implementing any real
// protocol state machine (out of THE CORE's scope, spec §1).
type pipeChannel struct {
	fd       int
	active   bool
	closed   bool
	reads    chan int32
	writes   chan int32
	connects chan int32
	polls    chan string
}

func newPipeChannel(fd int) *pipeChannel {
	return &pipeChannel{
		fd:       fd,
		active:   true,
		reads:    make(chan int32, 8),
		writes:   make(chan int32, 8),
		connects: make(chan int32, 8),
		polls:    make(chan string, 8),
	}
}

func (p *pipeChannel) Fd() int               { return p.fd }
func (p *pipeChannel) ReadComplete(r int32)  { p.reads <- r }
func (p *pipeChannel) WriteComplete(r int32) { p.writes <- r }
func (p *pipeChannel) ConnectComplete(r int32) { p.connects <- r }
func (p *pipeChannel) PollIn()    { p.polls <- "in" }
func (p *pipeChannel) PollOut()   { p.polls <- "out" }
func (p *pipeChannel) PollRdHup() { p.polls <- "rdhup" }
func (p *pipeChannel) Active() bool { return p.active }
func (p *pipeChannel) Closed() bool { return p.closed }
func (p *pipeChannel) ProcessDelayedClose() {}
func (p *pipeChannel) Close() {
	if !p.closed {
		unix.Close(p.fd)
		p.closed = true
	}
}

func runLoopInBackground(t *testing.T, el *EventLoop) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- el.Run() }()
	return done
}

func TestEventLoopSocketpairWriteReadRoundTrip(t *testing.T) {
	skipIfNoIOURing(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	el, err := New(WithEntries(64))
	require.NoError(t, err)
	defer el.Close()

	a := newPipeChannel(fds[0])
	b := newPipeChannel(fds[1])
	el.Register(a)
	el.Register(b)

	done := runLoopInBackground(t, el)

	enqueueErrs := make(chan error, 2)

	payload := []byte("ping")
	el.ScheduleTask(func() {
		enqueueErrs <- el.EnqueueWrite(int32(fds[0]), payload, 0)
	})
	require.NoError(t, <-enqueueErrs)

	select {
	case res := <-a.writes:
		assert.Equal(t, int32(len(payload)), res)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for write completion")
	}

	readBuf := make([]byte, len(payload))
	el.ScheduleTask(func() {
		enqueueErrs <- el.EnqueueRead(int32(fds[1]), readBuf, 0)
	})
	require.NoError(t, <-enqueueErrs)

	select {
	case res := <-b.reads:
		assert.Equal(t, int32(len(payload)), res)
		assert.Equal(t, payload, readBuf)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for read completion")
	}

	el.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not shut down")
	}
}

func TestEventLoopScheduleTaskWakesLoop(t *testing.T) {
	skipIfNoIOURing(t)

	el, err := New(WithEntries(32))
	require.NoError(t, err)
	defer el.Close()

	done := runLoopInBackground(t, el)

	var mu sync.Mutex
	ran := false
	el.ScheduleTask(func() {
		mu.Lock()
		ran = true
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran
	}, 2*time.Second, 10*time.Millisecond)

	el.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not shut down")
	}
}

func TestEventLoopScheduleAtFiresAfterDeadline(t *testing.T) {
	skipIfNoIOURing(t)

	el, err := New(WithEntries(32))
	require.NoError(t, err)
	defer el.Close()

	done := runLoopInBackground(t, el)

	fired := make(chan struct{})
	deadline := time.Now().Add(50 * time.Millisecond).UnixNano()
	el.ScheduleAt(deadline, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled task never fired")
	}

	el.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not shut down")
	}
}

func TestEventLoopShutdownWithNoChannels(t *testing.T) {
	skipIfNoIOURing(t)

	el, err := New(WithEntries(16))
	require.NoError(t, err)
	defer el.Close()

	done := runLoopInBackground(t, el)
	el.Shutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not shut down")
	}
}

func TestEventLoopStats(t *testing.T) {
	skipIfNoIOURing(t)

	el, err := New(WithEntries(16))
	require.NoError(t, err)
	defer el.Close()

	stats := el.Stats()
	assert.Equal(t, int64(noDeadline), stats.ArmedDeadline)
	assert.Equal(t, 0, stats.RegisteredFds)
}
