// Package target turns client supplied stream URLs into normalized upstream
// targets and builds the request options sent with every upstream attempt.
package target

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrMissingTarget     = errors.New("missing target url")
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrMissingHost       = errors.New("missing host")
)

// StreamTarget is a resolved upstream location. Path and RawQuery are kept in
// their escaped wire form.
type StreamTarget struct {
	Scheme   string
	Host     string
	Port     string
	Path     string
	RawQuery string

	// Userinfo from the URL, if any.
	Username string
	Password string
}

// Parse validates raw and normalizes it into a StreamTarget. Only http,
// https and icy URLs are accepted; icy is rewritten to http.
func Parse(raw string) (StreamTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return StreamTarget{}, ErrMissingTarget
	}

	u, err := url.Parse(raw)
	if err != nil {
		return StreamTarget{}, fmt.Errorf("parse target: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "http", "https":
	case "icy":
		scheme = "http"
	default:
		return StreamTarget{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return StreamTarget{}, ErrMissingHost
	}

	t := StreamTarget{
		Scheme:   scheme,
		Host:     host,
		Port:     u.Port(),
		Path:     u.EscapedPath(),
		RawQuery: u.RawQuery,
	}
	if u.User != nil {
		t.Username = u.User.Username()
		t.Password, _ = u.User.Password()
	}

	return t, nil
}

// TLS reports whether the target needs a TLS connection.
func (t StreamTarget) TLS() bool {
	return t.Scheme == "https"
}

// Address returns host:port, filling in the scheme's default port.
func (t StreamTarget) Address() string {
	port := t.Port
	if port == "" {
		port = "80"
		if t.TLS() {
			port = "443"
		}
	}
	return net.JoinHostPort(t.Host, port)
}

// HostHeader is the value for the Host request header.
func (t StreamTarget) HostHeader() string {
	if t.Port == "" {
		if strings.Contains(t.Host, ":") {
			return "[" + t.Host + "]"
		}
		return t.Host
	}
	return net.JoinHostPort(t.Host, t.Port)
}

// Origin is scheme://host[:port] without a path.
func (t StreamTarget) Origin() string {
	return t.Scheme + "://" + t.HostHeader()
}

// RequestURI is the escaped path and query, "/" when the path is empty.
func (t StreamTarget) RequestURI() string {
	p := t.Path
	if p == "" {
		p = "/"
	}
	if t.RawQuery != "" {
		p += "?" + t.RawQuery
	}
	return p
}

// String returns the full URL without userinfo.
func (t StreamTarget) String() string {
	return t.Origin() + t.RequestURI()
}

// URL returns the target as a *url.URL.
func (t StreamTarget) URL() *url.URL {
	u, err := url.Parse(t.String())
	if err != nil {
		// Components came out of url.Parse; this is unreachable in practice.
		return &url.URL{Scheme: t.Scheme, Host: t.HostHeader(), Path: t.Path, RawQuery: t.RawQuery}
	}
	return u
}

// HasMount reports whether the target names something beyond the bare origin.
func (t StreamTarget) HasMount() bool {
	return (t.Path != "" && t.Path != "/") || t.RawQuery != ""
}

// WithMount returns a copy of t pointing at pathQuery, e.g. "/;?sid=1".
func (t StreamTarget) WithMount(pathQuery string) StreamTarget {
	p, q, _ := strings.Cut(pathQuery, "?")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	t.Path = p
	t.RawQuery = q
	return t
}
