package transport

import (
	"bufio"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"time"
)

const (
	tcpKeepAlivePeriod = 15 * time.Second
	// tcpUserTimeout bounds how long unacknowledged stream data may sit
	// in the kernel before the connection is declared dead (Linux only).
	tcpUserTimeout = 30 * time.Second
)

// TCPConfig carries the construction parameters of the TCP transport.
type TCPConfig struct {
	Addr      string // host:port
	TLS       bool
	TLSVerify bool
	TLSCa     string

	// Username and AuthKey enable the challenge-response authentication
	// handshake.  Both must be set for the handshake to run.
	Username string
	AuthKey  *rsa.PrivateKey
}

// TCP maintains one persistent stream to the server and appends each
// payload to it.  Sends are not retried; a failed write surfaces to the
// flushing caller and the connection should be closed.
type TCP struct {
	cfg  TCPConfig
	conn net.Conn
}

// NewTCP creates a TCP transport.  Connect must be called before the
// first Send.
func NewTCP(cfg TCPConfig) *TCP {
	return &TCP{cfg: cfg}
}

// Connect opens the socket, wraps it in TLS when configured, and runs
// the authentication handshake when a username and key are present.
func (t *TCP) Connect(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	d := net.Dialer{KeepAlive: tcpKeepAlivePeriod}
	conn, err := d.DialContext(ctx, "tcp", t.cfg.Addr)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", t.cfg.Addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := setUserTimeout(tc, tcpUserTimeout); err != nil {
			log.Printf("WARNING: could not set TCP user timeout: %v", err)
		}
	}
	if t.cfg.TLS {
		tlsCfg, err := newTLSConfig(t.cfg.TLSVerify, t.cfg.TLSCa)
		if err != nil {
			conn.Close()
			return err
		}
		if host, _, err := net.SplitHostPort(t.cfg.Addr); err == nil {
			tlsCfg.ServerName = host
		}
		tlsConn := tls.Client(conn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("TLS handshake with %s failed: %w", t.cfg.Addr, err)
		}
		conn = tlsConn
	}
	if t.cfg.Username != "" && t.cfg.AuthKey != nil {
		if err := t.authenticate(ctx, conn); err != nil {
			conn.Close()
			return err
		}
	}
	t.conn = conn
	log.Println("Connected to", conn.RemoteAddr())
	return nil
}

// authenticate runs the challenge-response exchange: the username, a
// challenge line from the server, and the base64 RSA-SHA256 signature
// of the challenge.  Authentication is complete once the signature line
// is written; the server stays silent afterwards, so any further
// inbound byte is unexpected.
func (t *TCP) authenticate(ctx context.Context, conn net.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	if _, err := conn.Write([]byte(t.cfg.Username + "\n")); err != nil {
		return fmt.Errorf("could not send username: %w", err)
	}
	challenge, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("could not read auth challenge: %w", err)
	}
	digest := sha256.Sum256(challenge[:len(challenge)-1])
	sig, err := rsa.SignPKCS1v15(rand.Reader, t.cfg.AuthKey, crypto.SHA256, digest[:])
	if err != nil {
		return fmt.Errorf("could not sign auth challenge: %w", err)
	}
	if _, err := conn.Write([]byte(base64.StdEncoding.EncodeToString(sig) + "\n")); err != nil {
		return fmt.Errorf("could not send auth signature: %w", err)
	}
	go watchUnexpected(conn)
	return nil
}

// watchUnexpected logs if the server ever sends data after the auth
// exchange.  The read unblocks with an error when the connection is
// closed, which ends the goroutine.
func watchUnexpected(conn net.Conn) {
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	if n > 0 {
		log.Printf("WARNING: unexpected data from %v after authentication", conn.RemoteAddr())
	}
}

// Send writes the payload on the stream.  No retry: either the OS
// accepts all the bytes or the error surfaces.
func (t *TCP) Send(ctx context.Context, payload []byte) error {
	if t.conn == nil {
		return ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(payload); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

// Close destroys the socket if present.
func (t *TCP) Close() error {
	if t.conn == nil {
		return nil
	}
	log.Println("Closing connection to", t.conn.RemoteAddr())
	err := t.conn.Close()
	t.conn = nil
	return err
}
