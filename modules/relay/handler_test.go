package relay

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frontDoor(t *testing.T, r *Relay) *httptest.Server {
	t.Helper()

	router := mux.NewRouter()
	r.RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, rawURL string) (*http.Response, string) {
	t.Helper()

	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

// serveICY accepts raw TCP connections, drains the request head and writes
// reply verbatim before closing.
func serveICY(t *testing.T, reply string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					line, err := br.ReadString('\n')
					if err != nil || strings.TrimRight(line, "\r\n") == "" {
						break
					}
				}
				_, _ = io.WriteString(conn, reply)
			}()
		}
	}()

	return ln.Addr().String()
}

func TestRelayStripsMetadataEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "1", req.Header.Get("Icy-MetaData"))
		w.Header().Set("Content-Type", "audio/aacp")
		w.Header().Set("icy-metaint", "8")
		_, _ = io.WriteString(w, "AAAAAAAA\x01StreamTitle='x';BBBBBBBB")
	}))
	defer upstream.Close()

	r, _ := newTestRelay(t, testConfig())
	front := frontDoor(t, r)

	resp, body := get(t, front.URL+"/stream?url="+url.QueryEscape(upstream.URL+"/live"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "AAAAAAAABBBBBBBB", body)
	require.Equal(t, "audio/aacp", resp.Header.Get("Content-Type"))
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "no-cache, no-store", resp.Header.Get("Cache-Control"))
}

func TestRelayPathStyleIcyTarget(t *testing.T) {
	var gotPath atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath.Store(req.URL.RequestURI())
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = io.WriteString(w, "mp3")
	}))
	defer upstream.Close()

	r, _ := newTestRelay(t, testConfig())
	front := frontDoor(t, r)

	host := strings.TrimPrefix(upstream.URL, "http://")
	resp, body := get(t, front.URL+"/icy://"+host+"/;?sid=1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "mp3", body)
	require.Equal(t, "/;?sid=1", gotPath.Load())
}

func TestRelayFallsBackToLegacyDialect(t *testing.T) {
	addr := serveICY(t, "ICY 200 OK\r\nicy-metaint: 4\r\ncontent-type: audio/mpeg\r\n\r\nAAAA\x00BBBB")

	r, waits := newTestRelay(t, testConfig())
	front := frontDoor(t, r)

	resp, body := get(t, front.URL+"/?url="+url.QueryEscape("http://"+addr+"/live"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "AAAABBBB", body)
	require.Empty(t, waits.Delays())
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.attemptsTotal.WithLabelValues("standard", "protocol-mismatch")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.attemptsTotal.WithLabelValues("legacy", "ok")))
}

func TestRelayStallTriggersReconnect(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := hits.Add(1)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusOK)
		if n == 1 {
			_, _ = io.WriteString(w, "AAAA")
			w.(http.Flusher).Flush()
			// Stay open without sending anything.
			<-req.Context().Done()
			return
		}
		_, _ = io.WriteString(w, "BBBB")
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	r, waits := newTestRelay(t, cfg)
	front := frontDoor(t, r)

	resp, body := get(t, front.URL+"/stream?url="+url.QueryEscape(upstream.URL+"/live"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "AAAABBBB", body)
	require.Equal(t, int32(2), hits.Load())
	// The stalled connection was short-lived, so the redial backs off.
	require.Equal(t, []time.Duration{time.Second}, waits.Delays())
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.reconnectsTotal.WithLabelValues("stall")))
}

func TestRelayFailureBeforeAudioIsBadGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := testConfig()
	cfg.MaxRetries = 0
	r, _ := newTestRelay(t, cfg)
	front := frontDoor(t, r)

	resp, body := get(t, front.URL+"/stream?url="+url.QueryEscape("http://"+addr+"/live"))
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, body, "upstream unavailable")
}

func TestClientDisconnectCancelsUpstream(t *testing.T) {
	done := make(chan struct{})
	var once sync.Once

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer once.Do(func() { close(done) })
		w.Header().Set("Content-Type", "audio/mpeg")
		chunk := strings.Repeat("x", 1024)
		for {
			if _, err := io.WriteString(w, chunk); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-req.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer upstream.Close()

	r, _ := newTestRelay(t, testConfig())
	front := frontDoor(t, r)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, front.URL+"/stream?url="+url.QueryEscape(upstream.URL+"/live"), nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_, err = io.ReadFull(resp.Body, make([]byte, 2048))
	require.NoError(t, err)

	cancel()
	_ = resp.Body.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not cancelled after the client went away")
	}

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(r.metrics.sessionsActive) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.sessionsTotal.WithLabelValues("cancelled")))
}

func TestRelayDiscoversMount(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/status-json.xsl":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"icestats":{"source":{"listenurl":"http://`+req.Host+`/radio"}}}`)
		case "/radio":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = io.WriteString(w, "found")
		default:
			http.NotFound(w, req)
		}
	}))
	defer upstream.Close()

	r, _ := newTestRelay(t, testConfig())
	front := frontDoor(t, r)

	resp, body := get(t, front.URL+"/stream?url="+url.QueryEscape(upstream.URL))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "found", body)
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.mountResolutions.WithLabelValues("status-json")))
}

func TestRelayDiscoveryHonoursFetchTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/status-json.xsl", "/listen.pls":
			select {
			case <-req.Context().Done():
			case <-time.After(3 * time.Second):
			}
		case "/stream":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = io.WriteString(w, "found")
		default:
			http.NotFound(w, req)
		}
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.FetchTimeout = 50 * time.Millisecond
	r, _ := newTestRelay(t, cfg)
	front := frontDoor(t, r)

	start := time.Now()
	resp, body := get(t, front.URL+"/stream?url="+url.QueryEscape(upstream.URL))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "found", body)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.mountResolutions.WithLabelValues("probe")))
}

func TestRelayFollowsPlaylistTarget(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/listen.m3u":
			w.Header().Set("Content-Type", "audio/x-mpegurl")
			_, _ = io.WriteString(w, "#EXTM3U\nhttp://"+req.Host+"/live\n")
		case "/live":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = io.WriteString(w, "live audio")
		default:
			http.NotFound(w, req)
		}
	}))
	defer upstream.Close()

	r, _ := newTestRelay(t, testConfig())
	front := frontDoor(t, r)

	resp, body := get(t, front.URL+"/stream?url="+url.QueryEscape(upstream.URL+"/listen.m3u"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	require.Equal(t, "live audio", body)
}

func TestFrontDoorRequests(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1
	cfg.RateLimitBurst = 1
	r, _ := newTestRelay(t, cfg)
	front := frontDoor(t, r)

	t.Run("preflight", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, front.URL+"/stream", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		require.Equal(t, "Range, Icy-MetaData", resp.Header.Get("Access-Control-Allow-Headers"))
		require.Equal(t, "Content-Length, Content-Range", resp.Header.Get("Access-Control-Expose-Headers"))
	})

	t.Run("healthz", func(t *testing.T) {
		resp, body := get(t, front.URL+"/healthz")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "ok\n", body)
	})

	t.Run("missing target", func(t *testing.T) {
		resp, body := get(t, front.URL+"/stream")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Contains(t, body, "missing stream url")
	})

	t.Run("invalid then rate limited", func(t *testing.T) {
		resp, _ := get(t, front.URL+"/stream?url="+url.QueryEscape("ftp://example.com/a"))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, _ = get(t, front.URL+"/stream?url="+url.QueryEscape("ftp://example.com/a"))
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.rateLimited))
	})
}

func TestTargetFromRequest(t *testing.T) {
	cases := map[string]string{
		"/stream?url=http%3A%2F%2Fa.example%3A8000%2Flive": "http://a.example:8000/live",
		"/?url=icy://a.example/":                           "icy://a.example/",
		"/http://a.example:8000/;?sid=1":                   "http://a.example:8000/;?sid=1",
		"/https:/a.example/live":                           "https://a.example/live",
		"/http%3A%2F%2Fa.example%2Flive":                   "http://a.example/live",
		"/ICY://a.example/x":                               "ICY://a.example/x",
		"/stream":                                          "",
		"/":                                                "",
		"/http://":                                         "",
	}

	for in, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "http://relay.local"+in, nil)
		require.Equal(t, want, targetFromRequest(req), in)
	}
}
