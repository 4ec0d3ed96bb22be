package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/icyrelay/pkg/dialect"
	"github.com/zachfi/icyrelay/pkg/shoutcast"
	"github.com/zachfi/icyrelay/pkg/target"
)

// State is where a session is in its connection lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateResolving  State = "resolving"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateFailed     State = "failed"
	StateExhausted  State = "exhausted-fallback"
	StateTerminal   State = "terminal"
)

// Outcome is how a session ended.
type Outcome string

const (
	// OutcomeCompleted means the upstream ended cleanly after sending audio.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAborted means every strategy failed after audio had been sent;
	// the client connection should be cut rather than ended cleanly.
	OutcomeAborted Outcome = "aborted"
	// OutcomeFailed means every strategy failed before any audio was sent.
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeInvalid   Outcome = "invalid"
)

var (
	errStalled = errors.New("upstream stalled")
	errNoAudio = errors.New("upstream closed before sending audio")
	errClient  = errors.New("client write failed")
)

// step is one entry in the ordered fallback plan.
type step struct {
	dialer    dialect.Dialer
	userAgent string
	retries   int
}

// planSteps orders the strategies: the standard dialect once per identity,
// each with its own retry budget, then the legacy and raw dialects once.
func planSteps(standard, legacy, raw dialect.Dialer, agents []string, retries int) []step {
	steps := make([]step, 0, len(agents)+2)
	for _, ua := range agents {
		steps = append(steps, step{dialer: standard, userAgent: ua, retries: retries})
	}
	if legacy != nil {
		steps = append(steps, step{dialer: legacy, userAgent: agents[0]})
	}
	if raw != nil {
		steps = append(steps, step{dialer: raw, userAgent: agents[0]})
	}
	return steps
}

// newRetryBackoff yields base, 2*base, 4*base, ... with no jitter and no cap.
func newRetryBackoff(base time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Duration(math.MaxInt64),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// session relays one client request. It is owned by a single goroutine.
type session struct {
	id          string
	target      target.StreamTarget
	rangeHeader string
	sink        Sink
	steps       []step

	cfg     *Config
	tls     *target.TLSOptions
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	wait    func(context.Context, time.Duration) error
	now     func() time.Time

	state State
	sent  int64
}

func (s *session) setState(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug("state change", "from", s.state, "to", st)
	s.state = st
}

func (s *session) run(ctx context.Context) (Outcome, error) {
	var (
		idx     int
		attempt int
		lastErr error
		bo      = newRetryBackoff(s.cfg.RetryBackoff)
	)

	for idx < len(s.steps) {
		if ctx.Err() != nil {
			return OutcomeCancelled, ctx.Err()
		}

		st := s.steps[idx]
		s.setState(StateConnecting)

		resp, err := s.dial(ctx, st, attempt)
		if err == nil {
			s.setState(StateStreaming)

			start := s.now()
			var n int64
			n, err = s.pump(resp)
			switch {
			case ctx.Err() != nil:
				return OutcomeCancelled, ctx.Err()
			case errors.Is(err, errClient):
				return OutcomeCancelled, err
			case err == nil:
				return OutcomeCompleted, nil
			case n > 0:
				reason := "read-error"
				if errors.Is(err, errStalled) {
					reason = "stall"
				}
				s.metrics.reconnectsTotal.WithLabelValues(reason).Inc()

				// Only a connection that held up earns an immediate redial
				// with a fresh budget. Flapping ones are ordinary failures.
				if streamed := s.now().Sub(start); streamed >= s.cfg.StableAfter {
					s.logger.Warn("upstream lost mid-stream, reconnecting",
						"dialect", st.dialer.Dialect(), "reason", reason, "err", err, "streamed", streamed, "sent", s.sent)
					lastErr = err
					attempt = 0
					bo.Reset()
					continue
				}
			}

			kind := dialect.KindConnection
			if errors.Is(err, errStalled) {
				kind = dialect.KindTimeout
			}
			err = &dialect.Error{Dialect: st.dialer.Dialect(), Kind: kind, Err: err}
		}

		lastErr = err
		s.setState(StateFailed)
		kind := dialect.KindOf(err)

		switch {
		case kind == dialect.KindProtocolMismatch && st.dialer.Dialect() == dialect.Standard:
			s.logger.Info("origin does not speak HTTP, trying legacy dialects", "err", err)
			idx = s.nextNonStandard(idx)
		case kind == dialect.KindNonAudio || attempt >= st.retries:
			s.logger.Info("strategy exhausted", "dialect", st.dialer.Dialect(), "user_agent", st.userAgent, "attempts", attempt+1, "err", err)
			idx++
		default:
			delay := bo.NextBackOff()
			s.logger.Info("retrying upstream", "dialect", st.dialer.Dialect(), "attempt", attempt+1, "delay", delay, "err", err)
			if werr := s.wait(ctx, delay); werr != nil {
				return OutcomeCancelled, werr
			}
			attempt++
			continue
		}

		attempt = 0
		bo.Reset()
	}

	s.setState(StateExhausted)
	if s.sink.Started() {
		return OutcomeAborted, lastErr
	}
	return OutcomeFailed, lastErr
}

func (s *session) nextNonStandard(idx int) int {
	for i := idx + 1; i < len(s.steps); i++ {
		if s.steps[i].dialer.Dialect() != dialect.Standard {
			return i
		}
	}
	return len(s.steps)
}

func (s *session) dial(ctx context.Context, st step, attempt int) (*dialect.Response, error) {
	d := st.dialer.Dialect()

	ctx, span := s.tracer.Start(ctx, "relay.dial", trace.WithAttributes(
		attribute.String("dialect", string(d)),
		attribute.String("user_agent", st.userAgent),
		attribute.Int("attempt", attempt),
	))

	// The client's Range only describes the start of the stream.
	rng := s.rangeHeader
	if s.sent > 0 {
		rng = ""
	}

	opts := target.RequestOptions{
		Header: target.BuildHeader(s.target, target.HeaderOptions{
			UserAgent: st.userAgent,
			Range:     rng,
			Credentials: target.Credentials{
				Username: s.cfg.Username,
				Password: s.cfg.Password,
			},
		}),
		FollowRedirects: s.cfg.FollowRedirects,
		MaxRedirects:    s.cfg.MaxRedirects,
		TLS:             s.tls,
	}

	resp, err := st.dialer.Dial(ctx, s.target, opts)

	result := "ok"
	if err != nil {
		result = string(dialect.KindOf(err))
	}
	s.metrics.attemptsTotal.WithLabelValues(string(d), result).Inc()

	return resp, errHandler(span, err, "upstream dial failed", nil)
}

// pump copies audio from resp to the sink until the upstream ends. It
// returns the audio bytes written during this connection. A nil error means
// the upstream closed cleanly after sending audio.
func (s *session) pump(resp *dialect.Response) (int64, error) {
	wd := newWatchdog(resp.Body, s.cfg.IdleTimeout)
	defer wd.Close()

	var r io.Reader = wd
	if mi := resp.MetaInt(); mi > 0 {
		strip := shoutcast.NewReader(wd, mi, s.cfg.ReadBufferSize)
		r = strip
		defer func() { s.metrics.metadataBytes.Add(float64(strip.Skipped())) }()
	}

	buf := make([]byte, s.cfg.ReadBufferSize)
	var n int64
	for {
		nr, err := r.Read(buf)
		if nr > 0 {
			if !s.sink.Started() {
				if serr := s.sink.Start(resp.ContentType()); serr != nil {
					return n, fmt.Errorf("%w: %w", errClient, serr)
				}
			}

			wd.Pause()
			nw, werr := s.sink.Write(buf[:nr])
			wd.Resume()

			n += int64(nw)
			s.sent += int64(nw)
			s.metrics.audioBytes.Add(float64(nw))
			if werr != nil {
				return n, fmt.Errorf("%w: %w", errClient, werr)
			}
		}

		if err != nil {
			switch {
			case wd.Stalled():
				return n, errStalled
			case errors.Is(err, io.EOF) && n == 0:
				return n, errNoAudio
			case errors.Is(err, io.EOF):
				return n, nil
			}
			return n, err
		}
	}
}
