package sender_test

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-lab/qdb-client/buffer"
	"github.com/m-lab/qdb-client/metrics"
	"github.com/m-lab/qdb-client/sender"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var ctx = context.Background()

// ingestServer captures every POST body and serves a settings document
// when versions is non-nil.
type ingestServer struct {
	srv      *httptest.Server
	versions []int

	mu     sync.Mutex
	bodies []string
	paths  []string
}

func newIngestServer(t *testing.T, versions []int) *ingestServer {
	t.Helper()
	is := &ingestServer{versions: versions}
	is.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/settings" {
			if is.versions == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			list := make([]string, len(is.versions))
			for i, v := range is.versions {
				list[i] = fmt.Sprint(v)
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"config":{"line.proto.support.versions":[%s]}}`, strings.Join(list, ","))
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		is.mu.Lock()
		is.bodies = append(is.bodies, string(body))
		is.paths = append(is.paths, r.URL.Path+"?"+r.URL.RawQuery)
		is.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(is.srv.Close)
	return is
}

func (is *ingestServer) addr() string {
	return strings.TrimPrefix(is.srv.URL, "http://")
}

func (is *ingestServer) sent() []string {
	is.mu.Lock()
	defer is.mu.Unlock()
	return append([]string(nil), is.bodies...)
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestScenarioSingleRowV1(t *testing.T) {
	is := newIngestServer(t, nil)
	s, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s;auto_flush=off;protocol_version=1", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	rows := counterValue(t, metrics.RowCount)
	require.NoError(t,
		s.Table("t").Symbol("s", "x").Float64Column("f", 1.5).At(ctx, 1700000000000000000, buffer.Nanos))
	sent, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, sent)

	bodies := is.sent()
	require.Len(t, bodies, 1)
	assert.Equal(t, "t,s=x f=1.5 1700000000000000000\n", bodies[0])
	assert.Equal(t, "/write?precision=n", is.paths[0])
	assert.Equal(t, rows+1, counterValue(t, metrics.RowCount))
}

func TestScenarioSingleRowV2(t *testing.T) {
	is := newIngestServer(t, nil)
	s, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s;auto_flush=off;protocol_version=2", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t,
		s.Table("t").Symbol("s", "x").Float64Column("f", 1.5).At(ctx, 1700000000000000000, buffer.Nanos))
	_, err = s.Flush(ctx)
	require.NoError(t, err)

	le := make([]byte, 8)
	binary.LittleEndian.PutUint64(le, math.Float64bits(1.5))
	want := "t,s=x f=\x10" + string(le) + " 1700000000000000000\n"
	bodies := is.sent()
	require.Len(t, bodies, 1)
	assert.Equal(t, want, bodies[0])
}

func TestScenarioBoolAndString(t *testing.T) {
	is := newIngestServer(t, nil)
	s, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s;auto_flush=off;protocol_version=1", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Table("t").BoolColumn("b", true).AtNow(ctx))
	require.NoError(t, s.Table("t").BoolColumn("b", true).StringColumn("s", "a b,c=d").AtNow(ctx))
	_, err = s.Flush(ctx)
	require.NoError(t, err)

	bodies := is.sent()
	require.Len(t, bodies, 1)
	assert.Equal(t, "t b=t\nt b=t,s=\"a b,c=d\"\n", bodies[0])
}

func TestScenarioAutoFlushRows(t *testing.T) {
	is := newIngestServer(t, nil)
	s, err := sender.FromConfig(ctx, fmt.Sprintf(
		"http::addr=%s;auto_flush_rows=2;auto_flush_interval=0;protocol_version=1", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Table("t").Int64Column("v", 1).At(ctx, 1, buffer.Micros))
	assert.Empty(t, is.sent(), "no flush after one row")
	require.NoError(t, s.Table("t").Int64Column("v", 2).At(ctx, 2, buffer.Micros))
	assert.Len(t, is.sent(), 1, "exactly one flush after the threshold")

	// A third row-building call before the next terminator does not flush.
	s.Table("t").Int64Column("v", 3)
	assert.Len(t, is.sent(), 1)

	require.NoError(t, s.At(ctx, 3, buffer.Micros))
	assert.Len(t, is.sent(), 1, "counter was reset by the auto-flush")

	bodies := is.sent()
	assert.Equal(t, "t v=1i 1000\nt v=2i 2000\n", bodies[0])
}

func TestScenarioAutoFlushInterval(t *testing.T) {
	is := newIngestServer(t, nil)
	s, err := sender.FromConfig(ctx, fmt.Sprintf(
		"http::addr=%s;auto_flush_rows=0;auto_flush_interval=1;protocol_version=1", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Table("t").Int64Column("v", 1).AtNow(ctx))
	assert.Len(t, is.sent(), 1, "interval elapsed, row boundary flushes")
}

func TestScenarioRowIncomplete(t *testing.T) {
	is := newIngestServer(t, nil)
	s, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s;auto_flush=off;protocol_version=1", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	err = s.Table("t").At(ctx, 0, buffer.Micros)
	assert.ErrorIs(t, err, buffer.ErrRowIncomplete)

	// No bytes of the failed row reach the wire.
	sent, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, is.sent())
}

func TestFluentErrorDeferred(t *testing.T) {
	is := newIngestServer(t, nil)
	s, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s;auto_flush=off;protocol_version=1", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	// The invalid name poisons the chain; the error surfaces at At.
	err = s.Table("t").Int64Column("bad.col", 1).Int64Column("ok", 2).At(ctx, 1, buffer.Micros)
	assert.Error(t, err)

	// The failing call was undone; the row is still writable.
	require.NoError(t, s.Int64Column("v", 1).AtNow(ctx))
	_, err = s.Flush(ctx)
	require.NoError(t, err)
	bodies := is.sent()
	require.Len(t, bodies, 1)
	assert.Equal(t, "t v=1i\n", bodies[0])
}

func TestVersionNegotiation(t *testing.T) {
	is := newIngestServer(t, []int{1, 2})
	s, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s;auto_flush=off", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	// Version 2 was negotiated: floats go binary.
	require.NoError(t, s.Table("t").Float64Column("f", 1.5).AtNow(ctx))
	_, err = s.Flush(ctx)
	require.NoError(t, err)
	bodies := is.sent()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "f=\x10")
}

func TestVersionNegotiationPrefersHighestImplemented(t *testing.T) {
	is := newIngestServer(t, []int{1, 2, 3, 9})
	s, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s;auto_flush=off", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	// Version 3 is the highest this client implements.
	require.NoError(t, s.Table("t").DecimalTextColumn("d", "1.5").AtNow(ctx))
	_, err = s.Flush(ctx)
	require.NoError(t, err)
	bodies := is.sent()
	require.Len(t, bodies, 1)
	assert.Equal(t, "t d=1.5d\n", bodies[0])
}

func TestVersionNegotiationNoCommon(t *testing.T) {
	is := newIngestServer(t, []int{99})
	_, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s", is.addr()))
	assert.ErrorIs(t, err, sender.ErrNoCommonVersion)
}

func TestVersionNegotiationLegacyServer(t *testing.T) {
	is := newIngestServer(t, nil) // 404 on /settings
	s, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s;auto_flush=off", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	// Fell back to version 1: floats stay textual.
	require.NoError(t, s.Table("t").Float64Column("f", 1.5).AtNow(ctx))
	_, err = s.Flush(ctx)
	require.NoError(t, err)
	bodies := is.sent()
	require.Len(t, bodies, 1)
	assert.Equal(t, "t f=1.5\n", bodies[0])
}

func TestFlushEmpty(t *testing.T) {
	is := newIngestServer(t, nil)
	s, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s;auto_flush=off;protocol_version=1", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	sent, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestCapacityError(t *testing.T) {
	is := newIngestServer(t, nil)
	s, err := sender.FromConfig(ctx, fmt.Sprintf(
		"http::addr=%s;auto_flush=off;protocol_version=1;init_buf_size=64;max_buf_size=128", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	err = s.Table("t").StringColumn("v", strings.Repeat("x", 200)).AtNow(ctx)
	assert.ErrorIs(t, err, buffer.ErrOverflow)
	assert.Empty(t, is.sent())
}

func TestSendFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	s, err := sender.FromConfig(ctx, fmt.Sprintf(
		"http::addr=%s;auto_flush=off;protocol_version=1", strings.TrimPrefix(srv.URL, "http://")))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Table("t").Int64Column("v", 1).AtNow(ctx))
	sent, err := s.Flush(ctx)
	assert.False(t, sent)
	assert.Error(t, err)

	// The drained payload was discarded: a new flush has nothing to send.
	sent, err = s.Flush(ctx)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestTCPSenderFlush(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var received atomic.Value
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err == nil {
			received.Store(line)
		}
	}()

	s, err := sender.FromConfig(ctx, fmt.Sprintf("tcp::addr=%s;auto_flush=off", ln.Addr()))
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx))

	require.NoError(t, s.Table("t").Symbol("s", "x").Int64Column("v", 7).AtNow(ctx))
	sent, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, sent)
	require.NoError(t, s.Close())

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, "t,s=x v=7i\n", received.Load())
}

func TestTCPFlushWithoutConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s, err := sender.FromConfig(ctx, fmt.Sprintf("tcp::addr=%s;auto_flush=off", ln.Addr()))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Table("t").Int64Column("v", 1).AtNow(ctx))
	_, err = s.Flush(ctx)
	assert.Error(t, err)
}

func TestCloseWarnsOnBufferedRows(t *testing.T) {
	is := newIngestServer(t, nil)
	s, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s;auto_flush=off;protocol_version=1", is.addr()))
	require.NoError(t, err)
	require.NoError(t, s.Table("t").Int64Column("v", 1).AtNow(ctx))
	// Close drops the buffered row; nothing is sent.
	require.NoError(t, s.Close())
	assert.Empty(t, is.sent())

	// Operations after Close fail.
	assert.ErrorIs(t, s.AtNow(ctx), sender.ErrClosed)
	_, err = s.Flush(ctx)
	assert.ErrorIs(t, err, sender.ErrClosed)
}

func TestReset(t *testing.T) {
	is := newIngestServer(t, nil)
	s, err := sender.FromConfig(ctx, fmt.Sprintf("http::addr=%s;auto_flush=off;protocol_version=1", is.addr()))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Table("t").Int64Column("v", 1).AtNow(ctx))
	s.Reset()
	sent, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestFromEnv(t *testing.T) {
	is := newIngestServer(t, nil)
	t.Setenv("QDB_CLIENT_CONF", fmt.Sprintf("http::addr=%s;auto_flush=off;protocol_version=1", is.addr()))
	s, err := sender.FromEnv(ctx)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Table("t").Int64Column("v", 1).AtNow(ctx))
	sent, err := s.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, sent)
}
