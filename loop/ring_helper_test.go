package loop

import (
	"syscall"
	"testing"

	"github.com/sderr/uringloop/iouring"
)

// skipIfNoIOURing mirrors iouring's own test helper (SPEC_FULL.md §2.4):
// components here that exercise the kernel ring skip gracefully wherever
// io_uring itself is unavailable.
func skipIfNoIOURing(t *testing.T) {
	t.Helper()
	ring, err := iouring.New(4)
	if err != nil {
		if err == syscall.ENOSYS {
			t.Skip("io_uring not supported on this kernel")
		}
		if err == syscall.EPERM {
			t.Skip("io_uring blocked by seccomp or permissions")
		}
		t.Skipf("io_uring unavailable: %v", err)
	}
	ring.Close()
}

func newTestRing(t *testing.T) *iouring.Ring {
	t.Helper()
	ring, err := iouring.New(64)
	if err != nil {
		t.Fatalf("iouring.New: %v", err)
	}
	t.Cleanup(func() { ring.Close() })
	return ring
}
