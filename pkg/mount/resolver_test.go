package mount

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zachfi/icyrelay/pkg/target"
)

type hitLog struct {
	mu   sync.Mutex
	hits []string
}

func (h *hitLog) add(r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hits = append(h.hits, r.URL.RequestURI())
}

func (h *hitLog) all() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.hits...)
}

func newOrigin(t *testing.T, fn http.HandlerFunc) (target.StreamTarget, *hitLog) {
	t.Helper()
	log := &hitLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.add(r)
		fn(w, r)
	}))
	t.Cleanup(srv.Close)

	origin, err := target.Parse(srv.URL)
	require.NoError(t, err)
	return origin, log
}

func testResolver() *Resolver {
	return NewResolver(Config{FetchTimeout: time.Second, ProbeTimeout: 200 * time.Millisecond}, nil)
}

func TestResolveStatusJSONSingleSource(t *testing.T) {
	origin, log := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status-json.xsl" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"icestats":{"admin":"x","source":{"listenurl":"http://localhost:8000/radio.mp3?x=1","server_name":"Test"}}}`))
			return
		}
		http.NotFound(w, r)
	})

	got := testResolver().Resolve(context.Background(), origin)
	assert.Equal(t, Result{Mount: "/radio.mp3?x=1", Method: MethodStatusJSON}, got)
	assert.Equal(t, []string{"/status-json.xsl"}, log.all(), "no PLS or probe requests after a status-json hit")
}

func TestResolveStatusJSONSourceList(t *testing.T) {
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/status-json.xsl" {
			_, _ = w.Write([]byte(`{"icestats":{"source":[{"listenurl":"http://a:8000/first"},{"listenurl":"http://a:8000/second"}]}}`))
			return
		}
		http.NotFound(w, r)
	})

	got := testResolver().Resolve(context.Background(), origin)
	assert.Equal(t, "/first", got.Mount)
}

func TestResolvePLS(t *testing.T) {
	origin, log := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status-json.xsl":
			_, _ = w.Write([]byte(`{"icestats":{}}`))
		case "/listen.pls":
			w.Header().Set("Content-Type", "audio/x-scpls")
			_, _ = w.Write([]byte("[playlist]\nNumberOfEntries=1\nFile1=http://elsewhere:8000/;stream.nsv\n"))
		default:
			http.NotFound(w, r)
		}
	})

	got := testResolver().Resolve(context.Background(), origin)
	assert.Equal(t, Result{Mount: "/;stream.nsv", Method: MethodPLS}, got)
	assert.Equal(t, []string{"/status-json.xsl", "/listen.pls"}, log.all())
}

func TestResolveProbe(t *testing.T) {
	var probeRange atomic.Value
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stream" {
			probeRange.Store(r.Header.Get("Range"))
			w.Header().Set("Content-Type", "audio/mpeg")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte{0xff, 0xfb})
			return
		}
		http.NotFound(w, r)
	})

	got := testResolver().Resolve(context.Background(), origin)
	assert.Equal(t, Result{Mount: "/stream", Method: MethodProbe}, got)
	assert.Equal(t, "bytes=0-1", probeRange.Load())
}

func TestResolveProbeSkipsPlaylists(t *testing.T) {
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.RequestURI() {
		case "/;?sid=1", "/;":
			w.Header().Set("Content-Type", "audio/x-mpegurl")
			_, _ = w.Write([]byte("http://elsewhere/live\n"))
		case "/stream":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte{0xff, 0xfb})
		default:
			http.NotFound(w, r)
		}
	})

	got := testResolver().Resolve(context.Background(), origin)
	assert.Equal(t, Result{Mount: "/stream", Method: MethodProbe}, got)
}

func TestResolveFallsBackToDefault(t *testing.T) {
	origin, log := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
	})

	got := testResolver().Resolve(context.Background(), origin)
	assert.Equal(t, Result{Mount: "/;", Method: MethodDefault}, got)
	assert.Len(t, log.all(), 2+len(DefaultCandidates))
}

func TestResolveSlowProbeIsNegative(t *testing.T) {
	origin, _ := newOrigin(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery == "sid=1" {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		if r.URL.Path == "/;" {
			w.Header().Set("Content-Type", "audio/aacp")
			return
		}
		http.NotFound(w, r)
	})

	start := time.Now()
	got := testResolver().Resolve(context.Background(), origin)
	assert.Equal(t, Result{Mount: "/;", Method: MethodProbe}, got)
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
}

func TestPathOf(t *testing.T) {
	origin, err := target.Parse("http://radio.example.com:8000")
	require.NoError(t, err)

	got, err := pathOf(origin, "/live?type=.mp3")
	require.NoError(t, err)
	assert.Equal(t, "/live?type=.mp3", got)

	got, err = pathOf(origin, "http://other/")
	require.NoError(t, err)
	assert.Equal(t, "/", got)

	_, err = pathOf(origin, " ")
	assert.Error(t, err)
}
