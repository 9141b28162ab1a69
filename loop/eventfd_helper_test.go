package loop

import (
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

// readNonBlocking reads from fd only if it is immediately readable,
// avoiding a hang on the wakeup eventfd's default blocking mode. Returns
// an error if no data is ready.
func readNonBlocking(t *testing.T, fd int, buf []byte) (int, error) {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return unix.Read(fd, buf)
}
