package loop

// Channel is the capability set the event loop dispatches completions
// against (spec §9 "Channel polymorphism"). Channel/socket state machines
// themselves are out of THE CORE's scope (spec §1 Out of scope); the loop
// only ever calls these methods by fd, never inherits from a channel type.
type Channel interface {
	// Fd returns the file descriptor this channel owns. Used by the
	// registry and by the loop's fd-reuse reconciliation.
	Fd() int

	// ReadComplete delivers the result of a READ or ACCEPT completion.
	// res is the raw CQE result: non-negative is a byte count (READ) or a
	// new connection fd (ACCEPT); negative is -errno.
	ReadComplete(res int32)

	// WriteComplete delivers the result of a WRITE completion.
	WriteComplete(res int32)

	// ConnectComplete delivers the result of a CONNECT completion.
	ConnectComplete(res int32)

	// PollIn/PollOut/PollRdHup are invoked once per set bit when a
	// POLL_ADD completes successfully (spec §4.3 completion dispatch).
	PollIn()
	PollOut()
	PollRdHup()

	// Active reports whether the channel still wants I/O serviced. The
	// loop consults it only on the POLL_ADD -ECANCELED re-arm path (spec
	// §4.3); a POLL_REMOVE completion does not consult it and never
	// removes or closes a channel.
	Active() bool

	// Closed reports whether the channel has already been closed, for the
	// registry's fd-reuse assertion (spec §4.4).
	Closed() bool

	// ProcessDelayedClose gives the channel a chance to finish a close
	// that was deferred until in-flight I/O drained (spec §4.3 "After
	// dispatch, give the channel a chance to finalize delayed close").
	ProcessDelayedClose()

	// Close closes the channel. Called by the event loop during
	// shutdown (spec §5 "Shutdown is cooperative") and by the registry
	// when an fd-reuse conflict is detected (spec §4.4).
	Close()
}
