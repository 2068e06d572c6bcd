//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// setNotSentLowat caps unsent bytes in the kernel send buffer so a stalled
// tablet backs up into the frame queue, where stale frames get dropped.
func setNotSentLowat(c *net.TCPConn, n int) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NOTSENT_LOWAT, n)
	}); err != nil {
		return err
	}
	return sockErr
}
