//go:build linux

package transport

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// setUserTimeout arms TCP_USER_TIMEOUT so a dead peer fails the stream
// in bounded time instead of waiting out the retransmission schedule.
func setUserTimeout(conn *net.TCPConn, d time.Duration) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var soErr error
	err = raw.Control(func(fd uintptr) {
		soErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(d.Milliseconds()))
	})
	if err != nil {
		return err
	}
	return soErr
}
