package relay

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
)

// RegisterRoutes installs the relay on router. Path style targets
// ("/http://host/;") need the router to leave double slashes alone.
func (r *Relay) RegisterRoutes(router *mux.Router) {
	router.SkipClean(true)
	router.HandleFunc("/healthz", r.healthz).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(r)
}

func (r *Relay) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodOptions:
		setCORSHeaders(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.State() != services.Running {
		writeError(w, http.StatusServiceUnavailable, "relay is not running")
		return
	}

	raw := targetFromRequest(req)
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing stream url: use ?url=<stream> or /<stream url>")
		return
	}

	if !r.limiter.Allow(clientKey(req)) {
		r.metrics.rateLimited.Inc()
		writeError(w, http.StatusTooManyRequests, "too many streams, slow down")
		return
	}

	sink := newResponseSink(w)
	outcome, err := r.Stream(req.Context(), raw, req.Header.Get("Range"), sink)

	switch outcome {
	case OutcomeInvalid:
		writeError(w, http.StatusBadRequest, "invalid stream url: "+err.Error())
	case OutcomeFailed:
		if !sink.Started() {
			writeError(w, http.StatusBadGateway, "upstream unavailable: "+errString(err))
		}
	case OutcomeAborted:
		// Cut the connection so the player sees an error, not a clean end.
		panic(http.ErrAbortHandler)
	}
}

// targetFromRequest accepts ?url=<target> on any path, or the target
// itself as the path: /http://host:port/mount?query.
func targetFromRequest(req *http.Request) string {
	if v := strings.TrimSpace(req.URL.Query().Get("url")); v != "" {
		return v
	}

	p := strings.TrimPrefix(req.URL.EscapedPath(), "/")
	if dec, err := url.PathUnescape(p); err == nil {
		p = dec
	}

	lower := strings.ToLower(p)
	for _, scheme := range []string{"http:", "https:", "icy:"} {
		if !strings.HasPrefix(lower, scheme) {
			continue
		}
		// Some proxies collapse "//" to "/".
		rest := strings.TrimLeft(p[len(scheme):], "/")
		if rest == "" {
			return ""
		}
		out := p[:len(scheme)] + "//" + rest
		if req.URL.RawQuery != "" {
			out += "?" + req.URL.RawQuery
		}
		return out
	}

	return ""
}

func setCORSHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range, Icy-MetaData")
	h.Set("Access-Control-Expose-Headers", "Content-Length, Content-Range")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	setCORSHeaders(w.Header())
	w.Header().Set("Cache-Control", "no-cache, no-store")
	http.Error(w, msg, code)
}

func errString(err error) string {
	if err == nil {
		return "no strategy succeeded"
	}
	return err.Error()
}
