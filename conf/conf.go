// Package conf parses the client configuration string and resolves it
// into a complete option set.
//
// The configuration string has the form
//
//	protocol::key=value;key=value;...
//
// with protocol one of http, https, tcp and tcps.  A literal ';' inside
// a value is written ';;'.  Unknown keys and values containing control
// characters are rejected.
package conf

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/m-lab/qdb-client/buffer"
	"github.com/m-lab/qdb-client/validate"
)

// EnvVar is the environment variable holding a full configuration
// string for FromEnv.
const EnvVar = "QDB_CLIENT_CONF"

// Default ports and option values.
const (
	DefaultHTTPPort = 9000
	DefaultTCPPort  = 9009

	DefaultAutoFlushRowsHTTP = 75000
	DefaultAutoFlushRowsTCP  = 600
	DefaultAutoFlushInterval = time.Second

	DefaultRequestTimeout = 10 * time.Second
	DefaultRetryTimeout   = 10 * time.Second
	DefaultMinThroughput  = 100 * 1024

	// VersionAuto asks the sender to negotiate the protocol version
	// with the server.
	VersionAuto = 0
)

// Error types.
var (
	ErrBadConfig = errors.New("invalid configuration string")
)

// Protocol selects the transport family.
type Protocol string

const (
	HTTP  Protocol = "http"
	HTTPS Protocol = "https"
	TCP   Protocol = "tcp"
	TCPS  Protocol = "tcps"
)

// IsHTTP reports whether p uses the request/response transport.
func (p Protocol) IsHTTP() bool { return p == HTTP || p == HTTPS }

// IsTLS reports whether p encrypts the connection.
func (p Protocol) IsTLS() bool { return p == HTTPS || p == TCPS }

// Options is the fully resolved client configuration.
type Options struct {
	Protocol Protocol
	Addr     string // host:port, port always present

	Username string
	Password string
	Token    string
	// AuthKey is the TCP challenge-response signing key.  Parse fills it
	// from token; programmatic construction may set it directly.
	AuthKey *rsa.PrivateKey

	AutoFlush         bool
	AutoFlushRows     int
	AutoFlushInterval time.Duration

	InitBufSize int
	MaxBufSize  int
	MaxNameLen  int

	RequestTimeout time.Duration
	MinThroughput  int
	RetryTimeout   time.Duration

	TLSVerify bool
	TLSCa     string

	// ProtocolVersion is 1, 2, 3 or VersionAuto.
	ProtocolVersion int
}

// NewOptions returns the defaults for a protocol; Addr remains to be
// filled in.
func NewOptions(p Protocol) *Options {
	o := &Options{
		Protocol:          p,
		AutoFlush:         true,
		AutoFlushRows:     DefaultAutoFlushRowsTCP,
		AutoFlushInterval: DefaultAutoFlushInterval,
		InitBufSize:       buffer.DefaultInitBufSize,
		MaxBufSize:        buffer.DefaultMaxBufSize,
		MaxNameLen:        validate.DefaultMaxNameLen,
		RequestTimeout:    DefaultRequestTimeout,
		MinThroughput:     DefaultMinThroughput,
		RetryTimeout:      DefaultRetryTimeout,
		TLSVerify:         true,
		ProtocolVersion:   VersionAuto,
	}
	if p.IsHTTP() {
		o.AutoFlushRows = DefaultAutoFlushRowsHTTP
	}
	return o
}

// FromEnv parses the configuration string held in QDB_CLIENT_CONF.
func FromEnv() (*Options, error) {
	str := os.Getenv(EnvVar)
	if str == "" {
		return nil, fmt.Errorf("%w: %s is not set", ErrBadConfig, EnvVar)
	}
	return Parse(str)
}

// Parse parses a configuration string into resolved Options.
func Parse(str string) (*Options, error) {
	proto, rest, found := strings.Cut(str, "::")
	if !found {
		return nil, fmt.Errorf("%w: missing protocol separator", ErrBadConfig)
	}
	p := Protocol(proto)
	switch p {
	case HTTP, HTTPS, TCP, TCPS:
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrBadConfig, proto)
	}
	o := NewOptions(p)
	pairs, err := splitPairs(rest)
	if err != nil {
		return nil, err
	}
	for _, kv := range pairs {
		if err := o.set(kv.key, kv.value); err != nil {
			return nil, err
		}
	}
	if o.Addr == "" {
		return nil, fmt.Errorf("%w: addr is required", ErrBadConfig)
	}
	if !strings.Contains(o.Addr, ":") {
		port := DefaultTCPPort
		if p.IsHTTP() {
			port = DefaultHTTPPort
		}
		o.Addr = fmt.Sprintf("%s:%d", o.Addr, port)
	}
	if !p.IsHTTP() {
		if o.ProtocolVersion == VersionAuto {
			o.ProtocolVersion = 1
		}
		if o.Token != "" {
			key, err := parseAuthToken(o.Token)
			if err != nil {
				return nil, err
			}
			o.AuthKey = key
		}
	}
	return o, nil
}

type pair struct {
	key, value string
}

// splitPairs splits "k=v;k=v;..." honoring the ';;' escape and
// rejecting control characters in values.
func splitPairs(s string) ([]pair, error) {
	var pairs []pair
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: expected key=value at %q", ErrBadConfig, s)
		}
		key := s[:eq]
		s = s[eq+1:]
		var value strings.Builder
		for len(s) > 0 {
			if s[0] == ';' {
				if len(s) > 1 && s[1] == ';' {
					value.WriteByte(';')
					s = s[2:]
					continue
				}
				s = s[1:]
				break
			}
			if s[0] < 0x20 || s[0] == 0x7f {
				return nil, fmt.Errorf("%w: control character in value of %q", ErrBadConfig, key)
			}
			value.WriteByte(s[0])
			s = s[1:]
		}
		pairs = append(pairs, pair{key: key, value: value.String()})
	}
	return pairs, nil
}

func (o *Options) set(key, value string) error {
	switch key {
	case "addr":
		o.Addr = value
	case "username":
		o.Username = value
	case "password":
		o.Password = value
	case "token":
		o.Token = value
	case "auto_flush":
		on, err := parseOnOff(key, value, "on", "off")
		if err != nil {
			return err
		}
		o.AutoFlush = on
	case "auto_flush_rows":
		n, err := parseInt(key, value, 0)
		if err != nil {
			return err
		}
		o.AutoFlushRows = n
	case "auto_flush_interval":
		n, err := parseInt(key, value, 0)
		if err != nil {
			return err
		}
		o.AutoFlushInterval = time.Duration(n) * time.Millisecond
	case "init_buf_size":
		n, err := parseInt(key, value, 1)
		if err != nil {
			return err
		}
		o.InitBufSize = n
	case "max_buf_size":
		n, err := parseInt(key, value, 1)
		if err != nil {
			return err
		}
		o.MaxBufSize = n
	case "request_min_throughput":
		n, err := parseInt(key, value, 1)
		if err != nil {
			return err
		}
		o.MinThroughput = n
	case "request_timeout":
		n, err := parseInt(key, value, 1)
		if err != nil {
			return err
		}
		o.RequestTimeout = time.Duration(n) * time.Millisecond
	case "retry_timeout":
		n, err := parseInt(key, value, 0)
		if err != nil {
			return err
		}
		o.RetryTimeout = time.Duration(n) * time.Millisecond
	case "max_name_len":
		n, err := parseInt(key, value, 1)
		if err != nil {
			return err
		}
		o.MaxNameLen = n
	case "tls_verify":
		on, err := parseOnOff(key, value, "on", "unsafe_off")
		if err != nil {
			return err
		}
		o.TLSVerify = on
	case "tls_ca":
		o.TLSCa = value
	case "protocol_version":
		switch value {
		case "auto":
			o.ProtocolVersion = VersionAuto
		case "1", "2", "3":
			o.ProtocolVersion = int(value[0] - '0')
		default:
			return fmt.Errorf("%w: protocol_version must be auto, 1, 2 or 3, got %q", ErrBadConfig, value)
		}
	case "buffer_size", "copy_buffer":
		// Options from legacy drafts; recognized so old strings keep
		// working, but without effect.
		log.Printf("WARNING: configuration key %q is deprecated and ignored", key)
	default:
		return fmt.Errorf("%w: unknown key %q", ErrBadConfig, key)
	}
	return nil
}

func parseOnOff(key, value, on, off string) (bool, error) {
	switch value {
	case on:
		return true, nil
	case off:
		return false, nil
	}
	return false, fmt.Errorf("%w: %s must be %s or %s, got %q", ErrBadConfig, key, on, off, value)
}

func parseInt(key, value string, min int) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", ErrBadConfig, key, value)
	}
	if n < min {
		return 0, fmt.Errorf("%w: %s must be >= %d, got %d", ErrBadConfig, key, min, n)
	}
	return n, nil
}

// parseAuthToken decodes the TCP signing key: base64url (no padding)
// PKCS#8 DER holding an RSA private key.
func parseAuthToken(token string) (*rsa.PrivateKey, error) {
	der, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: token is not base64url: %v", ErrBadConfig, err)
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: token is not a PKCS#8 key: %v", ErrBadConfig, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: token must hold an RSA key, got %T", ErrBadConfig, key)
	}
	return rsaKey, nil
}
