// Package sender owns a line-protocol buffer and a transport and drives
// rows through them.  A Sender is used from one goroutine at a time;
// the fan-in idiom is one Sender per worker, each with its private
// buffer and connection.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/m-lab/qdb-client/buffer"
	"github.com/m-lab/qdb-client/conf"
	"github.com/m-lab/qdb-client/metrics"
	"github.com/m-lab/qdb-client/transport"
)

// settingsVersionsKey is where the server's settings endpoint lists the
// line-protocol versions it accepts.
const settingsVersionsKey = "line.proto.support.versions"

// maxImplementedVersion is the newest line-protocol version this client
// can encode.
const maxImplementedVersion = 3

// Error types.
var (
	ErrNoCommonVersion = errors.New("server supports no line-protocol version this client implements")
	ErrClosed          = errors.New("sender is closed")
)

// Sender is the row-building front of the client.  The fluent methods
// defer their errors: a failing call marks the Sender and every later
// fluent call is a no-op until the error is surfaced by the next
// terminal call (At, AtNow or Flush).
type Sender struct {
	buf  *buffer.Buffer
	tr   transport.Transport
	opts *conf.Options

	pendingRows int
	lastFlush   time.Time
	err         error
	closed      bool
}

// New builds a Sender from resolved options: it constructs the
// transport, negotiates the protocol version when the options ask for
// auto, and sizes the buffer.  ctx bounds the negotiation probe.
func New(ctx context.Context, opts *conf.Options) (*Sender, error) {
	var tr transport.Transport
	version := opts.ProtocolVersion
	if opts.Protocol.IsHTTP() {
		httpTr, err := transport.NewHTTP(transport.HTTPConfig{
			Addr:           opts.Addr,
			TLS:            opts.Protocol.IsTLS(),
			TLSVerify:      opts.TLSVerify,
			TLSCa:          opts.TLSCa,
			Username:       opts.Username,
			Password:       opts.Password,
			Token:          opts.Token,
			RequestTimeout: opts.RequestTimeout,
			MinThroughput:  opts.MinThroughput,
			RetryTimeout:   opts.RetryTimeout,
		})
		if err != nil {
			return nil, err
		}
		if version == conf.VersionAuto {
			version, err = negotiateVersion(ctx, httpTr)
			if err != nil {
				return nil, err
			}
		}
		tr = httpTr
	} else {
		if version == conf.VersionAuto {
			version = 1
		}
		tr = transport.NewTCP(transport.TCPConfig{
			Addr:      opts.Addr,
			TLS:       opts.Protocol.IsTLS(),
			TLSVerify: opts.TLSVerify,
			TLSCa:     opts.TLSCa,
			Username:  opts.Username,
			AuthKey:   opts.AuthKey,
		})
	}
	buf, err := buffer.New(buffer.Config{
		Version:     version,
		InitBufSize: opts.InitBufSize,
		MaxBufSize:  opts.MaxBufSize,
		MaxNameLen:  opts.MaxNameLen,
	})
	if err != nil {
		return nil, err
	}
	return &Sender{
		buf:       buf,
		tr:        tr,
		opts:      opts,
		lastFlush: time.Now(),
	}, nil
}

// FromConfig builds a Sender from a configuration string.
func FromConfig(ctx context.Context, str string) (*Sender, error) {
	opts, err := conf.Parse(str)
	if err != nil {
		return nil, err
	}
	return New(ctx, opts)
}

// FromEnv builds a Sender from the configuration string in
// QDB_CLIENT_CONF.
func FromEnv(ctx context.Context) (*Sender, error) {
	opts, err := conf.FromEnv()
	if err != nil {
		return nil, err
	}
	return New(ctx, opts)
}

// negotiateVersion probes the server's settings endpoint and picks the
// highest version both sides implement.  A server without the endpoint
// predates versioning and gets version 1.
func negotiateVersion(ctx context.Context, tr *transport.HTTP) (int, error) {
	resp, err := tr.Get(ctx, tr.SettingsURL())
	if err != nil {
		return 0, fmt.Errorf("could not probe server settings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 1, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("settings probe failed: %s", resp.Status)
	}
	var doc map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return 0, fmt.Errorf("could not parse server settings: %w", err)
	}
	raw, ok := doc[settingsVersionsKey]
	if !ok {
		if config, isMap := doc["config"].(map[string]interface{}); isMap {
			raw, ok = config[settingsVersionsKey]
		}
	}
	if !ok {
		return 0, ErrNoCommonVersion
	}
	list, ok := raw.([]interface{})
	if !ok {
		return 0, fmt.Errorf("%w: malformed %s", ErrNoCommonVersion, settingsVersionsKey)
	}
	best := 0
	for _, v := range list {
		n, isNum := v.(float64)
		if !isNum {
			continue
		}
		version := int(n)
		if version > best && version <= maxImplementedVersion {
			best = version
		}
	}
	if best == 0 {
		return 0, ErrNoCommonVersion
	}
	return best, nil
}

// Table starts a new row.
func (s *Sender) Table(name string) *Sender {
	if s.err == nil {
		s.err = s.buf.Table(name)
	}
	return s
}

// Symbol adds a symbol tag to the current row.
func (s *Sender) Symbol(name, value string) *Sender {
	if s.err == nil {
		s.err = s.buf.Symbol(name, value)
	}
	return s
}

// StringColumn adds a string column to the current row.
func (s *Sender) StringColumn(name, value string) *Sender {
	if s.err == nil {
		s.err = s.buf.StringColumn(name, value)
	}
	return s
}

// BoolColumn adds a boolean column to the current row.
func (s *Sender) BoolColumn(name string, value bool) *Sender {
	if s.err == nil {
		s.err = s.buf.BoolColumn(name, value)
	}
	return s
}

// Float64Column adds a float column to the current row.
func (s *Sender) Float64Column(name string, value float64) *Sender {
	if s.err == nil {
		s.err = s.buf.Float64Column(name, value)
	}
	return s
}

// Int64Column adds an integer column to the current row.
func (s *Sender) Int64Column(name string, value int64) *Sender {
	if s.err == nil {
		s.err = s.buf.Int64Column(name, value)
	}
	return s
}

// TimestampColumn adds a timestamp column to the current row.
func (s *Sender) TimestampColumn(name string, value int64, unit buffer.Unit) *Sender {
	if s.err == nil {
		s.err = s.buf.TimestampColumn(name, value, unit)
	}
	return s
}

// Float64ArrayColumn adds an n-dimensional float64 array column to the
// current row (protocol version 2 and up).
func (s *Sender) Float64ArrayColumn(name string, value interface{}) *Sender {
	if s.err == nil {
		s.err = s.buf.Float64ArrayColumn(name, value)
	}
	return s
}

// DecimalColumn adds a binary decimal column to the current row
// (protocol version 3).
func (s *Sender) DecimalColumn(name string, unscaled []byte, scale int) *Sender {
	if s.err == nil {
		s.err = s.buf.DecimalColumn(name, unscaled, scale)
	}
	return s
}

// DecimalTextColumn adds a textual decimal column to the current row
// (protocol version 3).
func (s *Sender) DecimalTextColumn(name, value string) *Sender {
	if s.err == nil {
		s.err = s.buf.DecimalTextColumn(name, value)
	}
	return s
}

// surface returns and clears any deferred fluent error.  The buffer
// restored itself when the failing call happened, so the caller may
// continue with the row.
func (s *Sender) surface() error {
	err := s.err
	s.err = nil
	return err
}

// At terminates the current row with a designated timestamp and applies
// the auto-flush policy.
func (s *Sender) At(ctx context.Context, value int64, unit buffer.Unit) error {
	if s.closed {
		return ErrClosed
	}
	if s.err != nil {
		return s.surface()
	}
	if err := s.buf.At(value, unit); err != nil {
		return err
	}
	return s.rowDone(ctx)
}

// AtNow terminates the current row, leaving timestamp assignment to the
// server, and applies the auto-flush policy.
func (s *Sender) AtNow(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	if s.err != nil {
		return s.surface()
	}
	if err := s.buf.AtNow(); err != nil {
		return err
	}
	return s.rowDone(ctx)
}

// rowDone counts the finished row and evaluates auto-flush.  Time-based
// flushing is only checked here, at row boundaries; there is no timer.
func (s *Sender) rowDone(ctx context.Context) error {
	s.pendingRows++
	metrics.RowCount.Inc()
	if !s.opts.AutoFlush || s.pendingRows == 0 {
		return nil
	}
	if s.opts.AutoFlushRows > 0 && s.pendingRows >= s.opts.AutoFlushRows {
		_, err := s.flush(ctx, "rows")
		return err
	}
	if s.opts.AutoFlushInterval > 0 && time.Since(s.lastFlush) >= s.opts.AutoFlushInterval {
		_, err := s.flush(ctx, "interval")
		return err
	}
	return nil
}

// Flush drains all complete rows and sends them.  It reports false when
// there was nothing to send.  On failure the drained payload is
// discarded; callers wanting at-least-once delivery must rebuild the
// rows.
func (s *Sender) Flush(ctx context.Context) (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	if s.err != nil {
		return false, s.surface()
	}
	return s.flush(ctx, "manual")
}

func (s *Sender) flush(ctx context.Context, trigger string) (bool, error) {
	payload := s.buf.Drain()
	if len(payload) == 0 {
		return false, nil
	}
	s.lastFlush = time.Now()
	s.pendingRows = 0
	metrics.FlushCount.WithLabelValues(trigger).Inc()
	metrics.PayloadSizeHistogram.Observe(float64(len(payload)))
	if err := s.tr.Send(ctx, payload); err != nil {
		metrics.ErrorCount.WithLabelValues("send").Inc()
		return false, err
	}
	metrics.BytesSent.Add(float64(len(payload)))
	return true, nil
}

// Connect establishes the transport connection.  It is a no-op for
// HTTP senders.
func (s *Sender) Connect(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	return s.tr.Connect(ctx)
}

// Close releases the transport.  Buffered rows are NOT flushed; they
// are reported and dropped.
func (s *Sender) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.buf.Position() > 0 {
		log.Printf("WARNING: closing sender with %d unflushed bytes", s.buf.Position())
	}
	return s.tr.Close()
}

// Reset discards all buffered rows, complete and partial.
func (s *Sender) Reset() {
	s.buf.Reset()
	s.pendingRows = 0
	s.err = nil
}
