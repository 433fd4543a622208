//go:build !linux

package transport

import (
	"net"
	"time"
)

// setUserTimeout is a no-op where TCP_USER_TIMEOUT is unavailable.
func setUserTimeout(conn *net.TCPConn, d time.Duration) error {
	return nil
}
