package transport_test

import (
	"bufio"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-lab/qdb-client/transport"
)

// tcpServer accepts exactly one connection and runs serve on it.
func tcpServer(t *testing.T, serve func(conn net.Conn)) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()
	return ln.Addr()
}

func TestSendWithoutConnect(t *testing.T) {
	tr := transport.NewTCP(transport.TCPConfig{Addr: "127.0.0.1:1"})
	err := tr.Send(context.Background(), []byte("t v=1i\n"))
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestConnectSendClose(t *testing.T) {
	received := make(chan string, 1)
	addr := tcpServer(t, func(conn net.Conn) {
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err == nil {
			received <- line
		}
	})

	tr := transport.NewTCP(transport.TCPConfig{Addr: addr.String()})
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	// Connect is idempotent while the socket is up.
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Send(ctx, []byte("t v=1i\n")))

	select {
	case line := <-received:
		assert.Equal(t, "t v=1i\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive the payload")
	}

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Send(ctx, []byte("x v=2i\n")), transport.ErrNotConnected)
	// Double close is fine.
	require.NoError(t, tr.Close())
}

func TestAuthHandshake(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	rtx.Must(err, "Could not generate test key")

	type result struct {
		user    string
		sigOK   bool
		payload string
	}
	done := make(chan result, 1)
	const challenge = "abcd"

	addr := tcpServer(t, func(conn net.Conn) {
		rd := bufio.NewReader(conn)
		user, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		if _, err := conn.Write([]byte(challenge + "\n")); err != nil {
			return
		}
		sigLine, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		sig, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(sigLine, "\n"))
		if err != nil {
			return
		}
		digest := sha256.Sum256([]byte(challenge))
		sigOK := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig) == nil
		payload, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		done <- result{user: user, sigOK: sigOK, payload: payload}
	})

	tr := transport.NewTCP(transport.TCPConfig{
		Addr:     addr.String(),
		Username: "user",
		AuthKey:  key,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx))
	// A flush after authentication writes only the row bytes.
	require.NoError(t, tr.Send(ctx, []byte("t v=1i\n")))

	select {
	case r := <-done:
		assert.Equal(t, "user\n", r.user)
		assert.True(t, r.sigOK, "server could not verify the challenge signature")
		assert.Equal(t, "t v=1i\n", r.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
	require.NoError(t, tr.Close())
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	tr := transport.NewTCP(transport.TCPConfig{Addr: addr})
	assert.Error(t, tr.Connect(context.Background()))
}
