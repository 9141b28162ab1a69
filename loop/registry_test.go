package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	fd     int
	closed bool
	active bool
}

func (f *fakeChannel) Fd() int                  { return f.fd }
func (f *fakeChannel) ReadComplete(int32)       {}
func (f *fakeChannel) WriteComplete(int32)      {}
func (f *fakeChannel) ConnectComplete(int32)    {}
func (f *fakeChannel) PollIn()                  {}
func (f *fakeChannel) PollOut()                 {}
func (f *fakeChannel) PollRdHup()               {}
func (f *fakeChannel) Active() bool             { return f.active }
func (f *fakeChannel) Closed() bool             { return f.closed }
func (f *fakeChannel) ProcessDelayedClose()     {}
func (f *fakeChannel) Close()                   { f.closed = true }

func TestRegistryAddGet(t *testing.T) {
	r := newChannelRegistry()
	ch := &fakeChannel{fd: 3}
	r.add(ch)

	got, ok := r.get(3)
	require.True(t, ok)
	assert.Same(t, ch, got)

	_, ok = r.get(4)
	assert.False(t, ok)
}

func TestRegistryRemoveOwnMapping(t *testing.T) {
	r := newChannelRegistry()
	ch := &fakeChannel{fd: 3}
	r.add(ch)

	removed := r.remove(ch)
	assert.True(t, removed)

	_, ok := r.get(3)
	assert.False(t, ok)
}

func TestRegistryRemoveStaleAfterFdReuse(t *testing.T) {
	r := newChannelRegistry()
	stale := &fakeChannel{fd: 3, closed: true}
	r.add(stale)

	fresh := &fakeChannel{fd: 3}
	r.add(fresh) // kernel reused fd 3 before stale's removal ran

	removed := r.remove(stale)
	assert.False(t, removed, "stale removal must not evict the fresh mapping")

	got, ok := r.get(3)
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistryRemoveClosesOutgoingIfNotAlreadyClosed(t *testing.T) {
	r := newChannelRegistry()
	stale := &fakeChannel{fd: 3}
	fresh := &fakeChannel{fd: 3}
	r.add(fresh)

	r.remove(stale)
	assert.True(t, stale.closed, "remove must close a losing outgoing channel")
}

func TestRegistryAllAndLen(t *testing.T) {
	r := newChannelRegistry()
	r.add(&fakeChannel{fd: 1})
	r.add(&fakeChannel{fd: 2})

	assert.Equal(t, 2, r.len())
	assert.Len(t, r.all(), 2)
}
