package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zachfi/icyrelay/pkg/dialect"
	"github.com/zachfi/icyrelay/pkg/mount"
	"github.com/zachfi/icyrelay/pkg/target"
)

const (
	limiterPruneInterval = time.Minute
	limiterIdleAge       = 10 * time.Minute
)

var (
	module = "relay"

	errShuttingDown = errors.New("relay is shutting down")
)

type Relay struct {
	services.Service
	cfg     *Config
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	limiter *limiter

	standard dialect.Dialer
	legacy   dialect.Dialer
	raw      dialect.Dialer
	resolver *mount.Resolver
	tls      *target.TLSOptions
	wait     func(context.Context, time.Duration) error
	now      func() time.Time

	// sessions are children of ctx so stopping can cut every client loose.
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

// New creates and returns a new Relay.
func New(cfg Config, logger slog.Logger, reg prometheus.Registerer) (*Relay, error) {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = defaultStableAfter
	}

	dcfg := dialect.Config{
		ConnectTimeout:        cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		HeaderLimit:           cfg.LegacyHeaderLimit,
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		cfg:      &cfg,
		logger:   logger.With("module", module),
		metrics:  NewMetrics(reg),
		tracer:   otel.Tracer("github.com/zachfi/icyrelay/modules/relay"),
		limiter:  newLimiter(cfg.RateLimit, cfg.RateLimitBurst),
		standard: dialect.NewStandard(dcfg),
		legacy:   dialect.NewLegacy(dcfg),
		raw:      dialect.NewRaw(dcfg),
		wait:     sleepContext,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}

	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)

	return r, nil
}

func (r *Relay) starting(_ context.Context) error {
	tlsOpts, err := target.LoadTLSOptions(r.cfg.TLSServerName, r.cfg.TLSCertPath, r.cfg.TLSKeyPath, r.cfg.TLSInsecureSkipVerify)
	if err != nil {
		r.logger.Error("error loading upstream TLS material", "err", err)
		return err
	}
	r.tls = tlsOpts

	r.resolver = mount.NewResolver(mount.Config{
		FetchTimeout: r.cfg.FetchTimeout,
		ProbeTimeout: r.cfg.ProbeTimeout,
		UserAgent:    r.cfg.userAgents()[0],
		TLS:          tlsOpts,
	}, r.logger)

	r.logger.Info("relay ready",
		"user_agents", len(r.cfg.userAgents()),
		"max_retries", r.cfg.MaxRetries,
		"retry_backoff", r.cfg.RetryBackoff,
		"idle_timeout", r.cfg.IdleTimeout,
		"stable_after", r.cfg.StableAfter,
	)

	return nil
}

func (r *Relay) running(ctx context.Context) error {
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.limiter.Prune(limiterIdleAge); n > 0 {
				r.logger.Debug("pruned idle client limiters", "count", n)
			}
		}
	}
}

func (r *Relay) stopping(_ error) error {
	r.logger.Info("stopping")

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.sessions.Wait()

	return nil
}

// Stream relays the audio at rawTarget into sink until the upstream ends,
// the fallback plan is exhausted, or ctx is done. Outcome tells the caller
// how to finish the client response.
func (r *Relay) Stream(ctx context.Context, rawTarget, rangeHeader string, sink Sink) (Outcome, error) {
	t, err := target.Parse(rawTarget)
	if err != nil {
		return OutcomeInvalid, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return OutcomeFailed, errShuttingDown
	}
	r.sessions.Add(1)
	r.mu.Unlock()
	defer r.sessions.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	ctx, span := r.tracer.Start(ctx, "relay.stream", trace.WithAttributes(
		attribute.String("target", t.String()),
	))

	r.metrics.sessionsActive.Inc()
	defer r.metrics.sessionsActive.Dec()

	s := r.newSession(t, rangeHeader, sink)
	s.logger.Info("session started")

	if !t.HasMount() && r.cfg.DiscoverMounts {
		s.setState(StateResolving)
		res := r.resolver.Resolve(ctx, t)
		r.metrics.mountResolutions.WithLabelValues(string(res.Method)).Inc()
		s.target = t.WithMount(res.Mount)
		s.logger.Info("resolved mount", "mount", res.Mount, "method", res.Method)
	}

	outcome, err := s.run(ctx)
	s.setState(StateTerminal)

	r.metrics.sessionsTotal.WithLabelValues(string(outcome)).Inc()
	span.SetAttributes(attribute.String("outcome", string(outcome)), attribute.Int64("bytes", s.sent))

	switch outcome {
	case OutcomeFailed, OutcomeAborted:
		_ = errHandler(span, err, "relay failed", s.logger)
	default:
		span.End()
		s.logger.Info("session finished", "outcome", outcome, "sent", s.sent)
	}

	return outcome, err
}

func (r *Relay) newSession(t target.StreamTarget, rangeHeader string, sink Sink) *session {
	id := uuid.NewString()

	return &session{
		id:          id,
		target:      t,
		rangeHeader: rangeHeader,
		sink:        sink,
		steps:       planSteps(r.standard, r.legacy, r.raw, r.cfg.userAgents(), r.cfg.MaxRetries),
		cfg:         r.cfg,
		tls:         r.tls,
		logger:      r.logger.With("session", id, "target", t.String()),
		metrics:     r.metrics,
		tracer:      r.tracer,
		wait:        r.wait,
		now:         r.now,
		state:       StateIdle,
	}
}
