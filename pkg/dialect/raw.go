package dialect

import (
	"context"
	"strings"

	"github.com/zachfi/icyrelay/pkg/target"
)

// RawDialer is the last resort: it writes a request and hands back the socket
// untouched. Status line, headers and any inline metadata are forwarded as is.
type RawDialer struct {
	cfg Config
}

var _ Dialer = (*RawDialer)(nil)

func NewRaw(cfg Config) *RawDialer {
	return &RawDialer{cfg: cfg.withDefaults()}
}

func (d *RawDialer) Dialect() Dialect { return Raw }

func (d *RawDialer) Dial(ctx context.Context, t target.StreamTarget, opts target.RequestOptions) (*Response, error) {
	conn, err := dialConn(ctx, d.cfg, t, opts.TLS)
	if err != nil {
		return nil, classify(Raw, err)
	}

	if _, err := conn.Write([]byte(rawRequest(t, opts))); err != nil {
		_ = conn.Close()
		return nil, classify(Raw, err)
	}

	return &Response{
		Dialect: Raw,
		Body:    conn,
	}, nil
}

func rawRequest(t target.StreamTarget, opts target.RequestOptions) string {
	ua := target.DefaultUserAgents[0]
	var auth string
	if opts.Header != nil {
		if v := opts.Header.Get("User-Agent"); v != "" {
			ua = v
		}
		auth = opts.Header.Get("Authorization")
	}

	var b strings.Builder
	b.WriteString("GET " + t.RequestURI() + " HTTP/1.0\r\n")
	b.WriteString("Host: " + t.HostHeader() + "\r\n")
	b.WriteString("Icy-MetaData: 1\r\n")
	b.WriteString("User-Agent: " + ua + "\r\n")
	if auth != "" {
		b.WriteString("Authorization: " + auth + "\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}
