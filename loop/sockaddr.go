package loop

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// sockaddrIn4/6 construct raw sockaddr structures for PrepConnect callers,
// grounded in the pack's convention (gvisor, go-ublk, momentics-hioload-ws,
// ianic-xnet) of using golang.org/x/sys/unix's RawSockaddrInet4/6 directly
// rather than net.Addr for syscall-adjacent code.

// sockaddrIn4 returns a pointer to a populated RawSockaddrInet4 and its
// length, suitable for submissionQueue.addConnect.
func sockaddrIn4(ip [4]byte, port uint16) (unsafe.Pointer, uint32) {
	sa := &unix.RawSockaddrInet4{
		Family: unix.AF_INET,
		Addr:   ip,
	}
	sa.Port[0] = byte(port >> 8)
	sa.Port[1] = byte(port)
	return unsafe.Pointer(sa), uint32(unsafe.Sizeof(*sa))
}

// sockaddrIn6 returns a pointer to a populated RawSockaddrInet6 and its
// length, suitable for submissionQueue.addConnect.
func sockaddrIn6(ip [16]byte, port uint16) (unsafe.Pointer, uint32) {
	sa := &unix.RawSockaddrInet6{
		Family: unix.AF_INET6,
		Addr:   ip,
	}
	sa.Port[0] = byte(port >> 8)
	sa.Port[1] = byte(port)
	return unsafe.Pointer(sa), uint32(unsafe.Sizeof(*sa))
}
