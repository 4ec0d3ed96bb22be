package target

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
)

// AcceptAudio is the Accept header sent upstream.
const AcceptAudio = "audio/mpeg, audio/*;q=0.9, application/ogg;q=0.8, */*;q=0.5"

// DefaultUserAgents are viewer style identities known to be accepted by
// origins that filter on User-Agent. They are tried in order.
var DefaultUserAgents = []string{
	"VLC/3.0.20 LibVLC/3.0.20",
	"iTunes/12.9.2 (Macintosh; OS X 10.14.3) AppleWebKit/606.4.5",
	"WinampMPEG/5.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
}

// Credentials for Basic authentication against the upstream.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) empty() bool {
	return c.Username == "" && c.Password == ""
}

// HeaderOptions carries the per attempt inputs to BuildHeader.
type HeaderOptions struct {
	UserAgent   string
	Range       string
	Credentials Credentials
}

// BuildHeader returns the outbound header set for one attempt against t.
// Userinfo embedded in the target URL takes precedence over configured
// credentials.
func BuildHeader(t StreamTarget, o HeaderOptions) http.Header {
	h := make(http.Header)
	h.Set("Icy-MetaData", "1")
	h.Set("Accept", AcceptAudio)

	ua := o.UserAgent
	if ua == "" {
		ua = DefaultUserAgents[0]
	}
	h.Set("User-Agent", ua)

	if o.Range != "" {
		h.Set("Range", o.Range)
	}

	creds := Credentials{Username: t.Username, Password: t.Password}
	if creds.empty() {
		creds = o.Credentials
	}
	if !creds.empty() {
		h.Set("Authorization", BasicAuth(creds))
	}

	return h
}

// BasicAuth encodes c as an Authorization header value.
func BasicAuth(c Credentials) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// TLSOptions is the client side TLS material shared by every attempt.
type TLSOptions struct {
	ServerName         string
	Certificates       []tls.Certificate
	InsecureSkipVerify bool
}

// LoadTLSOptions reads an optional client certificate pair.
func LoadTLSOptions(serverName, certFile, keyFile string, insecure bool) (*TLSOptions, error) {
	o := &TLSOptions{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
	}

	if certFile == "" && keyFile == "" {
		return o, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("client certificate and key must be configured together")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	o.Certificates = []tls.Certificate{cert}

	return o, nil
}

// Config builds a tls.Config. ServerName is left empty unless overridden so
// net/http can derive SNI from each hop of a redirect chain.
func (o *TLSOptions) Config() *tls.Config {
	cfg := &tls.Config{
		NextProtos: []string{"http/1.1"},
		MinVersion: tls.VersionTLS12,
	}
	if o == nil {
		return cfg
	}
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	cfg.Certificates = o.Certificates
	cfg.InsecureSkipVerify = o.InsecureSkipVerify //nolint:gosec // opt-in for self-signed origins
	return cfg
}

// RequestOptions is owned by a single attempt and rebuilt for the next one.
type RequestOptions struct {
	Header          http.Header
	FollowRedirects bool
	MaxRedirects    int
	TLS             *TLSOptions
}
