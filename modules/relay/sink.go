package relay

import (
	"errors"
	"net/http"
)

// Sink receives relayed audio. Start is called once, before the first Write.
type Sink interface {
	Start(contentType string) error
	Write(p []byte) (int, error)
	Started() bool
}

// responseSink writes straight to the client and flushes after every write
// so a slow client blocks the upstream reader instead of growing a buffer.
type responseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newResponseSink(w http.ResponseWriter) *responseSink {
	return &responseSink{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

func (s *responseSink) Start(contentType string) error {
	h := s.w.Header()
	setCORSHeaders(h)
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache, no-store")
	h.Del("Content-Length")

	s.w.WriteHeader(http.StatusOK)
	s.started = true

	return s.flush()
}

func (s *responseSink) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.flush()
}

func (s *responseSink) Started() bool {
	return s.started
}

func (s *responseSink) flush() error {
	err := s.rc.Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}
