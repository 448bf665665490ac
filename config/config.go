// Package config centralises runtime configuration for QuoteDesk services.
package config

import (
	"time"
)

// Environment identifies the runtime environment where QuoteDesk operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Quote tuning defaults. Each constant backs exactly one Settings field so no
// magic numbers leak into the hub implementation.
const (
	// DefaultHandshakeTimeout bounds the initial websocket handshake.
	DefaultHandshakeTimeout = 5 * time.Second
	// DefaultReconnectBase is the first reconnect delay after a stream loss.
	DefaultReconnectBase = time.Second
	// DefaultReconnectCap is the upper bound for the reconnect delay.
	DefaultReconnectCap = 30 * time.Second
	// DefaultReconnectJitter randomises reconnect delays by this fraction.
	DefaultReconnectJitter = 0.25
	// DefaultPollInterval separates successive fallback batch requests.
	DefaultPollInterval = time.Second
	// DefaultBatchFreshness discards fallback responses older than this.
	DefaultBatchFreshness = 10 * time.Second
	// DefaultGracePeriod keeps an upstream subscription alive after the last
	// subscriber leaves, so remounting widgets do not thrash the stream.
	DefaultGracePeriod = 3 * time.Second
	// DefaultStaleThreshold marks a symbol stale when no update arrived within it.
	DefaultStaleThreshold = 5 * time.Second
	// DefaultSearchCacheTTL bounds the age of the cached symbol universe.
	DefaultSearchCacheTTL = time.Hour
	// DefaultSearchLimit caps the number of symbols a search returns.
	DefaultSearchLimit = 50
)

// Order channel defaults.
const (
	// DefaultClaimBatchSize caps the commands a single poll may claim.
	DefaultClaimBatchSize = 5
	// DefaultSweepInterval separates administrative expiry sweeps.
	DefaultSweepInterval = time.Minute
	// DefaultExpireAfter expires commands stuck in the sent state beyond it.
	DefaultExpireAfter = 15 * time.Minute
	// DefaultPollDeadline bounds a consumer poll request at the transport.
	DefaultPollDeadline = 30 * time.Second
)

// QuoteSettings configures the quote hub transports and timing behaviour.
type QuoteSettings struct {
	StreamURL        string
	RESTBaseURL      string
	HandshakeTimeout time.Duration
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	ReconnectJitter  float64
	PollInterval     time.Duration
	BatchFreshness   time.Duration
	GracePeriod      time.Duration
	StaleThreshold   time.Duration
	SearchCacheTTL   time.Duration
	SearchLimit      int
}

// OrderSettings configures the order channel queue semantics.
type OrderSettings struct {
	ClaimBatchSize int
	SuccessCodes   []int
	SweepInterval  time.Duration
	ExpireAfter    time.Duration
	PollDeadline   time.Duration
}

// Settings contains the QuoteDesk configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment
	Quote       QuoteSettings
	Order       OrderSettings
}

// Default returns the default QuoteDesk configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Quote: QuoteSettings{
			StreamURL:        "",
			RESTBaseURL:      "",
			HandshakeTimeout: DefaultHandshakeTimeout,
			ReconnectBase:    DefaultReconnectBase,
			ReconnectCap:     DefaultReconnectCap,
			ReconnectJitter:  DefaultReconnectJitter,
			PollInterval:     DefaultPollInterval,
			BatchFreshness:   DefaultBatchFreshness,
			GracePeriod:      DefaultGracePeriod,
			StaleThreshold:   DefaultStaleThreshold,
			SearchCacheTTL:   DefaultSearchCacheTTL,
			SearchLimit:      DefaultSearchLimit,
		},
		Order: OrderSettings{
			ClaimBatchSize: DefaultClaimBatchSize,
			SuccessCodes:   []int{0, 10008, 10009},
			SweepInterval:  DefaultSweepInterval,
			ExpireAfter:    DefaultExpireAfter,
			PollDeadline:   DefaultPollDeadline,
		},
	}
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithStreamEndpoint overrides the websocket stream URL.
func WithStreamEndpoint(url string) Option {
	return func(s *Settings) {
		if url != "" {
			s.Quote.StreamURL = url
		}
	}
}

// WithRESTEndpoint overrides the base URL for fallback and search requests.
func WithRESTEndpoint(url string) Option {
	return func(s *Settings) {
		if url != "" {
			s.Quote.RESTBaseURL = url
		}
	}
}

// WithGracePeriod overrides the unsubscribe grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.Quote.GracePeriod = d
		}
	}
}

// WithStaleThreshold overrides the symbol staleness threshold.
func WithStaleThreshold(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.Quote.StaleThreshold = d
		}
	}
}

// WithPollInterval overrides the fallback batch period.
func WithPollInterval(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.Quote.PollInterval = d
		}
	}
}

// WithReconnectSchedule overrides the reconnect backoff base, cap, and jitter.
func WithReconnectSchedule(base, ceiling time.Duration, jitter float64) Option {
	return func(s *Settings) {
		if base > 0 {
			s.Quote.ReconnectBase = base
		}
		if ceiling > 0 {
			s.Quote.ReconnectCap = ceiling
		}
		if jitter > 0 {
			s.Quote.ReconnectJitter = jitter
		}
	}
}

// WithSuccessCodes overrides the set of broker result codes treated as success.
func WithSuccessCodes(codes []int) Option {
	return func(s *Settings) {
		if len(codes) > 0 {
			s.Order.SuccessCodes = append([]int(nil), codes...)
		}
	}
}

// WithExpireAfter overrides the sent-command expiration horizon.
func WithExpireAfter(d time.Duration) Option {
	return func(s *Settings) {
		if d > 0 {
			s.Order.ExpireAfter = d
		}
	}
}

// WithClaimBatchSize overrides the maximum commands claimed per poll.
func WithClaimBatchSize(n int) Option {
	return func(s *Settings) {
		if n > 0 {
			s.Order.ClaimBatchSize = n
		}
	}
}

func (s Settings) clone() Settings {
	out := s
	out.Order.SuccessCodes = append([]int(nil), s.Order.SuccessCodes...)
	return out
}
