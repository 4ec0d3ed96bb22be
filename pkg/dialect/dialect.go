// Package dialect connects to ICY origins. Each supported wire dialect is a
// separate Dialer so callers can walk them in whatever order they prefer.
package dialect

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/zachfi/icyrelay/pkg/shoutcast"
	"github.com/zachfi/icyrelay/pkg/target"
)

// Dialect names a wire format variant.
type Dialect string

const (
	// Standard is an HTTP/1.x response, usually with icy-* headers.
	Standard Dialect = "standard"
	// Legacy is a bare "ICY 200 OK" or HTTP/0.9 style response that
	// net/http refuses to parse.
	Legacy Dialect = "legacy"
	// Raw forwards every byte from the socket without looking at it.
	Raw Dialect = "raw"
)

// Kind classifies why an attempt failed.
type Kind string

const (
	KindConnection        Kind = "connection"
	KindConnectionRefused Kind = "connection-refused"
	KindTimeout           Kind = "timeout"
	KindProtocolMismatch  Kind = "protocol-mismatch"
	KindNonAudio          Kind = "non-audio-response"
)

// Error is returned by every Dialer on failure.
type Error struct {
	Dialect    Dialect
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s dialect: %s", e.Dialect, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, KindConnection when err is not an *Error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindConnection
}

// Response is the uniform result of a successful Dial. Header is nil when
// the dialect could not recover one.
type Response struct {
	Dialect    Dialect
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// MetaInt returns the advertised icy-metaint, 0 when absent.
func (r *Response) MetaInt() int {
	if r.Header == nil {
		return 0
	}
	return shoutcast.ParseMetaInt(r.Header.Get("icy-metaint"))
}

// ContentType returns the Content-Type to send downstream.
func (r *Response) ContentType() string {
	return shoutcast.NegotiateContentType(r.Header)
}

// Dialer performs one upstream connection attempt.
type Dialer interface {
	Dialect() Dialect
	Dial(ctx context.Context, t target.StreamTarget, opts target.RequestOptions) (*Response, error)
}

// Config holds the timeouts shared by all dialers.
type Config struct {
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	// HeaderLimit bounds how far the legacy dialer looks for a header block.
	HeaderLimit int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = 10 * time.Second
	}
	if c.HeaderLimit <= 0 {
		c.HeaderLimit = 8 * 1024
	}
	return c
}

func classify(d Dialect, err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}

	e := &Error{Dialect: d, Kind: KindConnection, Err: err}

	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		e.Kind = KindConnectionRefused
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		e.Kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Kind = KindTimeout
	case isFramingError(err):
		e.Kind = KindProtocolMismatch
	}

	return e
}

// isFramingError matches the errors net/http returns when the status line or
// header block is not HTTP/1.x.
func isFramingError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "malformed HTTP") ||
		strings.Contains(msg, "malformed MIME header")
}

// dialConn opens a TCP or TLS socket to t that is closed as soon as ctx is
// done.
func dialConn(ctx context.Context, cfg Config, t target.StreamTarget, tlsOpts *target.TLSOptions) (*connBody, error) {
	d := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}

	conn, err := d.DialContext(ctx, "tcp", t.Address())
	if err != nil {
		return nil, err
	}

	if t.TLS() {
		tc := tls.Client(conn, serverConfig(tlsOpts, t.Host))
		hctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tc
	}

	cb := &connBody{Conn: conn, r: conn}
	cb.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
	return cb, nil
}

// serverConfig pins SNI to host unless an override is configured.
func serverConfig(tlsOpts *target.TLSOptions, host string) *tls.Config {
	cfg := tlsOpts.Config()
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// connBody is a socket exposed as a response body.
type connBody struct {
	net.Conn
	r    io.Reader
	stop func() bool
}

func (c *connBody) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *connBody) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.Conn.Close()
}
