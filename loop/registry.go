package loop

// channelRegistry maps fd -> Channel. It is a relation, not an owner: it
// never closes a channel itself except when an fd-reuse conflict forces
// retirement of a stale entry (spec §3 "Channel Map", §4.4).
//
// The registry is only ever mutated from the event-loop thread (spec §5
// "Multi-producer boundary": external threads never touch this map), so
// it needs no internal locking.
type channelRegistry struct {
	byFd map[int]Channel
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{byFd: make(map[int]Channel)}
}

// add inserts ch under its own fd, registering it for completion dispatch.
func (r *channelRegistry) add(ch Channel) {
	r.byFd[ch.Fd()] = ch
}

// get looks up the channel registered for fd, returning (nil, false) if
// none is registered — the loop's completion dispatch drops such
// completions silently (spec §4.3 "If absent, drop silently").
func (r *channelRegistry) get(fd int) (Channel, bool) {
	ch, ok := r.byFd[fd]
	return ch, ok
}

// remove removes ch's mapping iff the registry's current entry for ch.Fd()
// is still ch itself. If a newer channel has already taken that fd (the
// kernel reused the descriptor before this removal ran), the newer mapping
// is left untouched and the outgoing channel is closed here if it is not
// closed already (spec §3 "Channel Map", §4.4).
//
// Returns true if ch's own mapping was removed, false if a newer mapping
// won the race.
func (r *channelRegistry) remove(ch Channel) bool {
	fd := ch.Fd()
	current, ok := r.byFd[fd]
	if !ok || current != ch {
		// fd was reused for a different channel (or already gone); leave
		// the current mapping alone. The outgoing channel must be closed.
		if !ch.Closed() {
			ch.Close()
		}
		return false
	}
	delete(r.byFd, fd)
	return true
}

// all returns every registered channel. Used by shutdown to close every
// channel still registered (spec §4.3 step 2, §5 "Shutdown is
// cooperative").
func (r *channelRegistry) all() []Channel {
	out := make([]Channel, 0, len(r.byFd))
	for _, ch := range r.byFd {
		out = append(out, ch)
	}
	return out
}

// len reports the number of registered channels (used by EventLoop.Stats).
func (r *channelRegistry) len() int {
	return len(r.byFd)
}
