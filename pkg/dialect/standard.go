package dialect

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zachfi/icyrelay/pkg/shoutcast"
	"github.com/zachfi/icyrelay/pkg/target"
)

// StandardDialer speaks HTTP/1.x through net/http.
type StandardDialer struct {
	cfg Config
}

var _ Dialer = (*StandardDialer)(nil)

func NewStandard(cfg Config) *StandardDialer {
	return &StandardDialer{cfg: cfg.withDefaults()}
}

func (d *StandardDialer) Dialect() Dialect { return Standard }

// maxPlaylistDepth bounds how many playlists are followed for one attempt.
const maxPlaylistDepth = 3

// Dial issues a GET and accepts any response that looks like audio, whatever
// its status code. A PLS or M3U playlist is unwrapped and its first entry
// dialed instead. The body of a rejected response is closed unread.
func (d *StandardDialer) Dial(ctx context.Context, t target.StreamTarget, opts target.RequestOptions) (*Response, error) {
	return d.dial(ctx, t, opts, 0)
}

func (d *StandardDialer) dial(ctx context.Context, t target.StreamTarget, opts target.RequestOptions, depth int) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.String(), nil)
	if err != nil {
		return nil, &Error{Dialect: Standard, Kind: KindConnection, Err: err}
	}
	if opts.Header != nil {
		req.Header = opts.Header.Clone()
	}

	resp, err := d.client(opts).Do(req)
	if err != nil {
		return nil, classify(Standard, err)
	}

	if !isRedirect(resp.StatusCode) && resp.StatusCode < 400 {
		format := shoutcast.DetectPlaylist(resp.Header.Get("Content-Type"), resp.Request.URL.Path)
		if format != shoutcast.NotPlaylist {
			next, err := followPlaylist(resp, format, depth)
			if err != nil {
				return nil, err
			}
			return d.dial(ctx, next, playlistOptions(t, next, opts), depth+1)
		}
	}

	if isRedirect(resp.StatusCode) || !shoutcast.LooksLikeAudio(resp.Header) {
		_ = resp.Body.Close()
		return nil, &Error{
			Dialect:    Standard,
			Kind:       KindNonAudio,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("content type %q", resp.Header.Get("Content-Type")),
		}
	}

	return &Response{
		Dialect:    Standard,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// followPlaylist reads the first entry of a playlist body and resolves it
// against the URL that served it.
func followPlaylist(resp *http.Response, format shoutcast.PlaylistFormat, depth int) (target.StreamTarget, error) {
	defer resp.Body.Close()

	fail := func(err error) (target.StreamTarget, error) {
		return target.StreamTarget{}, &Error{Dialect: Standard, Kind: KindNonAudio, StatusCode: resp.StatusCode, Err: err}
	}

	if depth >= maxPlaylistDepth {
		return fail(fmt.Errorf("playlists nested deeper than %d", maxPlaylistDepth))
	}

	entry, err := format.Parse(resp.Body)
	if err != nil {
		return fail(err)
	}

	ref, err := resp.Request.URL.Parse(strings.TrimSpace(entry))
	if err != nil {
		return fail(fmt.Errorf("playlist entry %q: %w", entry, err))
	}

	next, err := target.Parse(ref.String())
	if err != nil {
		return fail(fmt.Errorf("playlist entry %q: %w", entry, err))
	}
	return next, nil
}

// playlistOptions keeps the request options for the playlist entry but
// drops credentials when it points at another origin.
func playlistOptions(from, to target.StreamTarget, opts target.RequestOptions) target.RequestOptions {
	if opts.Header == nil || from.Origin() == to.Origin() {
		return opts
	}
	opts.Header = opts.Header.Clone()
	opts.Header.Del("Authorization")
	if to.Username != "" || to.Password != "" {
		opts.Header.Set("Authorization", target.BasicAuth(target.Credentials{Username: to.Username, Password: to.Password}))
	}
	return opts
}

// client builds a single use client; connections are never pooled.
func (d *StandardDialer) client(opts target.RequestOptions) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   d.cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     false,
		TLSClientConfig:       opts.TLS.Config(),
		TLSHandshakeTimeout:   d.cfg.ConnectTimeout,
		ResponseHeaderTimeout: d.cfg.ResponseHeaderTimeout,
		DisableKeepAlives:     true,
		DisableCompression:    true,
	}

	maxRedirects := opts.MaxRedirects
	follow := opts.FollowRedirects

	return &http.Client{
		Transport: transport,
		// No overall timeout: the body is a live stream.
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if !follow {
				return http.ErrUseLastResponse
			}
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400 && code != http.StatusNotModified
}
