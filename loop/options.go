package loop

import "go.uber.org/zap"

// config collects loop-level construction options, continuing the
// teacher's functional-options idiom (iouring.Option func(*sys.Params))
// one level up the stack (SPEC_FULL.md §2.3).
type config struct {
	log                 *zap.Logger
	entries             uint32
	fixedBuffers        [][]byte
	registerEventfdFast bool
}

// Option configures an EventLoop at construction time.
type Option func(*config)

func defaultConfig() *config {
	return &config{entries: 256}
}

// WithLogger attaches a zap logger for the loop's structured log sites
// (SPEC_FULL.md §2.1). A nil or omitted logger defaults to zap.NewNop().
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithEntries sets the ring's submission-queue entry count, passed through
// to iouring.New. Defaults to 256.
func WithEntries(entries uint32) Option {
	return func(c *config) { c.entries = entries }
}

// WithFixedBuffers pre-registers a buffer set for REGISTER_BUFFERS at
// startup, gated on kernel support (SPEC_FULL.md §4 "Probe-gated fixed
// buffers").
func WithFixedBuffers(bufs [][]byte) Option {
	return func(c *config) { c.fixedBuffers = bufs }
}

// WithRegisterEventfdFast records a preference for IORING_REGISTER_EVENTFD,
// where the kernel itself posts to the eventfd on every completion rather
// than the loop re-arming a blocking READ SQE for it. New does not read
// the recorded value: the wake-up subsystem always uses the blocking
// eventfd READ, whether or not this option is given (SPEC_FULL.md §2.3).
func WithRegisterEventfdFast(enabled bool) Option {
	return func(c *config) { c.registerEventfdFast = enabled }
}
