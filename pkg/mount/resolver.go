// Package mount discovers the stream path on origins that were given without
// one.
package mount

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zachfi/icyrelay/pkg/shoutcast"
	"github.com/zachfi/icyrelay/pkg/target"
)

// DefaultMount is the Shoutcast v1 root, used when nothing else answers.
const DefaultMount = "/;"

// DefaultCandidates are probed in order after the Icecast and PLS lookups.
var DefaultCandidates = []string{"/;?sid=1", "/;", "/stream", "/"}

const maxStatusSize = 512 * 1024

// Method records which lookup produced a mount.
type Method string

const (
	MethodStatusJSON Method = "status-json"
	MethodPLS        Method = "pls"
	MethodProbe      Method = "probe"
	MethodDefault    Method = "default"
)

// Result is a discovered mount, a path with optional query.
type Result struct {
	Mount  string
	Method Method
}

type Config struct {
	// FetchTimeout bounds the status-json.xsl and listen.pls requests.
	FetchTimeout time.Duration
	// ProbeTimeout bounds each candidate probe.
	ProbeTimeout time.Duration
	Candidates   []string
	UserAgent    string
	TLS          *target.TLSOptions
}

// Resolver is safe for concurrent use; it keeps no state between calls.
type Resolver struct {
	cfg    Config
	logger *slog.Logger
}

func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 3 * time.Second
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = DefaultCandidates
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = target.DefaultUserAgents[0]
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{cfg: cfg, logger: logger}
}

// Resolve never fails: when every lookup comes back empty DefaultMount is
// returned.
func (r *Resolver) Resolve(ctx context.Context, origin target.StreamTarget) Result {
	client := r.client()

	m, err := r.fromStatusJSON(ctx, client, origin)
	if err == nil {
		return Result{Mount: m, Method: MethodStatusJSON}
	}
	r.logger.Debug("status-json lookup failed", "origin", origin.Origin(), "err", err)

	m, err = r.fromPLS(ctx, client, origin)
	if err == nil {
		return Result{Mount: m, Method: MethodPLS}
	}
	r.logger.Debug("pls lookup failed", "origin", origin.Origin(), "err", err)

	for _, c := range r.cfg.Candidates {
		if ctx.Err() != nil {
			break
		}
		if r.probe(ctx, client, origin.WithMount(c)) {
			return Result{Mount: c, Method: MethodProbe}
		}
	}

	return Result{Mount: DefaultMount, Method: MethodDefault}
}

type icestats struct {
	Icestats struct {
		Source json.RawMessage `json:"source"`
	} `json:"icestats"`
}

type icecastSource struct {
	ListenURL string `json:"listenurl"`
}

func (r *Resolver) fromStatusJSON(ctx context.Context, client *http.Client, origin target.StreamTarget) (string, error) {
	body, _, err := r.fetch(ctx, client, origin.WithMount("/status-json.xsl"))
	if err != nil {
		return "", err
	}

	var stats icestats
	if err := json.Unmarshal(body, &stats); err != nil {
		return "", fmt.Errorf("decode status-json: %w", err)
	}

	raw := bytes.TrimSpace(stats.Icestats.Source)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("status-json: no sources")
	}

	var src icecastSource
	if raw[0] == '[' {
		var list []icecastSource
		if err := json.Unmarshal(raw, &list); err != nil {
			return "", fmt.Errorf("decode sources: %w", err)
		}
		if len(list) == 0 {
			return "", fmt.Errorf("status-json: empty source list")
		}
		src = list[0]
	} else if err := json.Unmarshal(raw, &src); err != nil {
		return "", fmt.Errorf("decode source: %w", err)
	}

	return pathOf(origin, src.ListenURL)
}

func (r *Resolver) fromPLS(ctx context.Context, client *http.Client, origin target.StreamTarget) (string, error) {
	body, header, err := r.fetch(ctx, client, origin.WithMount("/listen.pls"))
	if err != nil {
		return "", err
	}

	if !shoutcast.IsPLSContentType(header.Get("Content-Type")) &&
		!bytes.HasPrefix(bytes.TrimSpace(body), []byte("[playlist]")) {
		return "", fmt.Errorf("listen.pls: content type %q is not a playlist", header.Get("Content-Type"))
	}

	entry, err := shoutcast.ParsePLS(bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	return pathOf(origin, entry)
}

// probe asks for two bytes of a candidate mount.
func (r *Resolver) probe(ctx context.Context, client *http.Client, t target.StreamTarget) bool {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.String(), nil)
	if err != nil {
		return false
	}
	req.Header.Set("Range", "bytes=0-1")
	req.Header.Set("Icy-MetaData", "1")
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		r.logger.Debug("mount probe failed", "candidate", t.RequestURI(), "err", err)
		return false
	}
	_ = resp.Body.Close()

	ct := resp.Header.Get("Content-Type")
	ok := (resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent) &&
		strings.HasPrefix(strings.ToLower(ct), "audio/") &&
		shoutcast.DetectPlaylist(ct, t.Path) == shoutcast.NotPlaylist
	r.logger.Debug("mount probe", "candidate", t.RequestURI(), "status", resp.StatusCode, "accepted", ok)
	return ok
}

func (r *Resolver) fetch(ctx context.Context, client *http.Client, t target.StreamTarget) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.String(), nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("User-Agent", r.cfg.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("%s: unexpected status %d", t.RequestURI(), resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusSize))
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", t.RequestURI(), err)
	}

	return body, resp.Header, nil
}

func (r *Resolver) client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			DialContext:       (&net.Dialer{Timeout: r.cfg.FetchTimeout}).DialContext,
			TLSClientConfig:   r.cfg.TLS.Config(),
			DisableKeepAlives: true,
		},
	}
}

// pathOf resolves ref against origin and keeps only path and query.
func pathOf(origin target.StreamTarget, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty stream reference")
	}

	u, err := origin.URL().Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse stream reference %q: %w", ref, err)
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p, nil
}
