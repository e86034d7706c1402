//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package responder

import (
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// reuseAddrControl lets the responder share port 5353 with other mDNS stacks on the host.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = multierr.Append(
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1),
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1),
		)
	})
	if err != nil {
		return err
	}

	return sockErr
}
