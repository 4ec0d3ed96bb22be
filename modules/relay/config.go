package relay

import (
	"flag"
	"time"

	"github.com/grafana/dskit/flagext"
	"github.com/zachfi/zkit/pkg/util"

	"github.com/zachfi/icyrelay/pkg/target"
)

// Retry sizing: with the defaults a dead origin costs one identity
// 1+2+4+8+16 = 31s of backoff before the next identity is tried. The ceiling
// per identity is retry-backoff * (2^max-retries - 1).
const (
	defaultMaxRetries            = 5
	defaultRetryBackoff          = 1 * time.Second
	defaultIdleTimeout           = 15 * time.Second
	defaultConnectTimeout        = 10 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultProbeTimeout          = 3 * time.Second
	defaultFetchTimeout          = 5 * time.Second
	defaultStableAfter           = 10 * time.Second
	defaultMaxRedirects          = 5
	defaultLegacyHeaderLimit     = 8 * 1024  // 8 KiB
	defaultReadBufferSize        = 16 * 1024 // 16 KiB
	defaultRateLimitBurst        = 10
)

type Config struct {
	UserAgents            flagext.StringSliceCSV `yaml:"user-agents,omitempty"`
	Username              string                 `yaml:"username,omitempty"`
	Password              string                 `yaml:"password,omitempty"`
	TLSServerName         string                 `yaml:"tls-server-name,omitempty"`
	TLSCertPath           string                 `yaml:"tls-cert-path,omitempty"`
	TLSKeyPath            string                 `yaml:"tls-key-path,omitempty"`
	TLSInsecureSkipVerify bool                   `yaml:"tls-insecure-skip-verify,omitempty"`
	MaxRetries            int                    `yaml:"max-retries,omitempty"`   // retries per identity on the standard dialect
	RetryBackoff          time.Duration          `yaml:"retry-backoff,omitempty"` // first delay, doubled on every retry
	IdleTimeout           time.Duration          `yaml:"idle-timeout,omitempty"`  // upstream silence that counts as a stall
	ConnectTimeout        time.Duration          `yaml:"connect-timeout,omitempty"`
	ResponseHeaderTimeout time.Duration          `yaml:"response-header-timeout,omitempty"`
	ProbeTimeout          time.Duration          `yaml:"probe-timeout,omitempty"`
	FetchTimeout          time.Duration          `yaml:"fetch-timeout,omitempty"`
	StableAfter           time.Duration          `yaml:"stable-after,omitempty"` // streaming time that earns a fresh retry budget
	FollowRedirects       bool                   `yaml:"follow-redirects,omitempty"`
	MaxRedirects          int                    `yaml:"max-redirects,omitempty"`
	DiscoverMounts        bool                   `yaml:"discover-mounts,omitempty"`
	LegacyHeaderLimit     int                    `yaml:"legacy-header-limit,omitempty"`
	ReadBufferSize        int                    `yaml:"read-buffer-size,omitempty"`
	RateLimit             float64                `yaml:"rate-limit,omitempty"` // new streams per second per client address, 0 disables
	RateLimitBurst        int                    `yaml:"rate-limit-burst,omitempty"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.UserAgents = append(flagext.StringSliceCSV(nil), target.DefaultUserAgents...)
	f.Var(&cfg.UserAgents, util.PrefixConfig(prefix, "user-agents"),
		"Comma separated User-Agent identities, tried in order once retries on the previous one are exhausted.")
	f.StringVar(&cfg.Username, util.PrefixConfig(prefix, "username"), "", "Username for upstream Basic authentication.")
	f.StringVar(&cfg.Password, util.PrefixConfig(prefix, "password"), "", "Password for upstream Basic authentication.")
	f.StringVar(&cfg.TLSServerName, util.PrefixConfig(prefix, "tls-server-name"), "", "Override the SNI server name sent to https upstreams.")
	f.StringVar(&cfg.TLSCertPath, util.PrefixConfig(prefix, "tls-cert-path"), "", "Client certificate presented to https upstreams.")
	f.StringVar(&cfg.TLSKeyPath, util.PrefixConfig(prefix, "tls-key-path"), "", "Key for the client certificate.")
	f.BoolVar(&cfg.TLSInsecureSkipVerify, util.PrefixConfig(prefix, "tls-insecure-skip-verify"), false, "Skip upstream certificate verification.")
	f.IntVar(&cfg.MaxRetries, util.PrefixConfig(prefix, "max-retries"), defaultMaxRetries,
		"Retries per User-Agent identity on the standard dialect before moving on.")
	f.DurationVar(&cfg.RetryBackoff, util.PrefixConfig(prefix, "retry-backoff"), defaultRetryBackoff,
		"Delay before the first retry. Doubles on every further retry without a cap, so the worst case per identity is retry-backoff*(2^max-retries-1).")
	f.DurationVar(&cfg.IdleTimeout, util.PrefixConfig(prefix, "idle-timeout"), defaultIdleTimeout,
		"Upstream silence after which a stream is considered stalled and reconnected. 0 disables.")
	f.DurationVar(&cfg.ConnectTimeout, util.PrefixConfig(prefix, "connect-timeout"), defaultConnectTimeout, "Upstream TCP/TLS connect timeout.")
	f.DurationVar(&cfg.ResponseHeaderTimeout, util.PrefixConfig(prefix, "response-header-timeout"), defaultResponseHeaderTimeout,
		"Time to wait for the upstream response head.")
	f.DurationVar(&cfg.ProbeTimeout, util.PrefixConfig(prefix, "probe-timeout"), defaultProbeTimeout, "Timeout for each mount discovery probe.")
	f.DurationVar(&cfg.FetchTimeout, util.PrefixConfig(prefix, "fetch-timeout"), defaultFetchTimeout,
		"Timeout for the status-json and listen.pls lookups during mount discovery.")
	f.DurationVar(&cfg.StableAfter, util.PrefixConfig(prefix, "stable-after"), defaultStableAfter,
		"How long a connection must stream before losing it reconnects immediately with a fresh retry budget. Shorter connections count as failed attempts.")
	f.BoolVar(&cfg.FollowRedirects, util.PrefixConfig(prefix, "follow-redirects"), true, "Follow upstream redirects.")
	f.IntVar(&cfg.MaxRedirects, util.PrefixConfig(prefix, "max-redirects"), defaultMaxRedirects, "Maximum upstream redirects to follow.")
	f.BoolVar(&cfg.DiscoverMounts, util.PrefixConfig(prefix, "discover-mounts"), true,
		"Discover the stream path when a target names only an origin.")
	f.IntVar(&cfg.LegacyHeaderLimit, util.PrefixConfig(prefix, "legacy-header-limit"), defaultLegacyHeaderLimit,
		"Bytes the legacy dialect reads looking for the end of a header block before treating everything as audio.")
	f.IntVar(&cfg.ReadBufferSize, util.PrefixConfig(prefix, "read-buffer-size"), defaultReadBufferSize,
		"Upstream read size. Bounds how much audio is held while the client is slow.")
	f.Float64Var(&cfg.RateLimit, util.PrefixConfig(prefix, "rate-limit"), 0, "New streams per second allowed per client address. 0 disables.")
	f.IntVar(&cfg.RateLimitBurst, util.PrefixConfig(prefix, "rate-limit-burst"), defaultRateLimitBurst, "Burst for rate-limit.")
}

// userAgents returns the configured identities, never empty.
func (cfg *Config) userAgents() []string {
	var out []string
	for _, ua := range cfg.UserAgents {
		if ua != "" {
			out = append(out, ua)
		}
	}
	if len(out) == 0 {
		out = []string{target.DefaultUserAgents[0]}
	}
	return out
}
