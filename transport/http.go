package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/m-lab/qdb-client/metrics"
)

// Retry/backoff parameters of the HTTP send loop.
const (
	DefaultRequestTimeout       = 10 * time.Second
	DefaultRetryTimeout         = 10 * time.Second
	DefaultMinThroughput        = 100 * 1024 // bytes per second
	initialRetryBackoff         = 10 * time.Millisecond
	maxRetryBackoff             = time.Second
	retryJitter                 = 5 * time.Millisecond
	responseBodyLimit     int64 = 1024
)

// retryableStatus is the closed set of response codes that are worth a
// retry; everything else surfaces immediately.
var retryableStatus = map[int]bool{
	500: true, 503: true, 504: true, 507: true, 509: true,
	523: true, 524: true, 529: true, 599: true,
}

// HTTPConfig carries the construction parameters of the HTTP transport.
type HTTPConfig struct {
	Addr      string // host:port
	TLS       bool
	TLSVerify bool
	TLSCa     string

	Username string
	Password string
	Token    string

	// RequestTimeout bounds the wait for response headers and seeds the
	// per-send timeout.  MinThroughput extends the per-send timeout in
	// proportion to the payload size; zero disables the extension.
	RequestTimeout time.Duration
	MinThroughput  int
	RetryTimeout   time.Duration
}

// HTTP sends each payload as a single POST.  The request body is atomic
// on the server: all rows land, or none, which is what makes blind
// resending under the retry budget safe.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	url    string
	auth   string // precomputed Authorization header value, "" for none
}

// NewHTTP creates an HTTP transport.  It does not touch the network;
// the first Send does.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	scheme := "http"
	tr := &http.Transport{
		ResponseHeaderTimeout: cfg.RequestTimeout,
	}
	if cfg.TLS {
		scheme = "https"
		tlsCfg, err := newTLSConfig(cfg.TLSVerify, cfg.TLSCa)
		if err != nil {
			return nil, err
		}
		tr.TLSClientConfig = tlsCfg
	}
	auth := ""
	switch {
	case cfg.Token != "":
		auth = "Bearer " + cfg.Token
	case cfg.Username != "":
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Username+":"+cfg.Password))
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Transport: tr},
		url:    fmt.Sprintf("%s://%s/write?precision=n", scheme, cfg.Addr),
		auth:   auth,
	}, nil
}

// Connect is a no-op; HTTP has no connection lifecycle.
func (t *HTTP) Connect(ctx context.Context) error { return nil }

// Close releases the pooled connections.
func (t *HTTP) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// SettingsURL returns the URL of the server's settings endpoint, used
// for protocol-version negotiation.
func (t *HTTP) SettingsURL() string {
	scheme := "http"
	if t.cfg.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/settings", scheme, t.cfg.Addr)
}

// Get issues a GET against the given URL with the transport's auth and
// TLS settings.  Only used by the version negotiation probe.
func (t *HTTP) Get(ctx context.Context, url string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if t.auth != "" {
		req.Header.Set("Authorization", t.auth)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	// The probe response is small; read it all so the connection can be
	// reused, and hand the caller a drained body.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// sendTimeout derives the per-attempt timeout from the payload size:
// the configured request timeout plus however long the payload takes at
// the minimum acceptable throughput.
func (t *HTTP) sendTimeout(bodyLen int) time.Duration {
	d := t.cfg.RequestTimeout
	if t.cfg.MinThroughput > 0 {
		d += time.Duration(bodyLen) * time.Second / time.Duration(t.cfg.MinThroughput)
	}
	return d
}

// Send POSTs the payload, retrying on the documented status and
// connection-error set with exponential backoff until the retry budget
// is spent.  The same bytes are resent on every attempt, so retries
// never reorder rows.
func (t *HTTP) Send(ctx context.Context, payload []byte) error {
	retryTimeout := t.cfg.RetryTimeout
	timeout := t.sendTimeout(len(payload))
	begin := time.Now()
	backoff := initialRetryBackoff
	var lastErr error
	for {
		retriable, err := t.sendOnce(ctx, payload, timeout)
		if err == nil {
			return nil
		}
		if !retriable {
			return err
		}
		lastErr = err
		sleep := backoff + time.Duration(rand.Int63n(int64(2*retryJitter))) - retryJitter
		if time.Since(begin)+sleep > retryTimeout {
			return lastErr
		}
		metrics.RetryCount.Inc()
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return fmt.Errorf("send cancelled: %w (last error: %v)", ctx.Err(), lastErr)
		}
		backoff *= 2
		if backoff > maxRetryBackoff {
			backoff = maxRetryBackoff
		}
	}
}

func (t *HTTP) sendOnce(ctx context.Context, payload []byte, timeout time.Duration) (retriable bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	if t.auth != "" {
		req.Header.Set("Authorization", t.auth)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return isRetryableError(err), err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if resp.StatusCode == http.StatusNoContent {
		// net/http hands over an empty body for 204 whatever the server
		// sent, so a declared length is also taken as a stray body.
		if len(body) > 0 {
			log.Printf("WARNING: unexpected body with 204 response: %q", body)
		} else if cl := resp.Header.Get("Content-Length"); cl != "" && cl != "0" {
			log.Printf("WARNING: 204 response declares a body of %s bytes", cl)
		}
		return false, nil
	}
	err = fmt.Errorf("server responded %s: %s", resp.Status, bytes.TrimSpace(body))
	return retryableStatus[resp.StatusCode], err
}

// isRetryableError classifies connection-class failures: resets,
// refused connections, broken pipes, transient DNS trouble and the
// various timeouts.
func isRetryableError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
