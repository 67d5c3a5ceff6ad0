package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"chatlink/internal/domain"
)

// Default reconnect policy settings.
const (
	defaultRedialInterval             = 2 * time.Second
	defaultRedialBurst                = 3
	defaultBreakerMaxFailures uint32  = 5
	defaultBreakerTimeout             = 30 * time.Second
	defaultBreakerInterval            = 60 * time.Second
)

// ReconnectConfig tunes the implicit reconnection loop that runs while the
// caller still holds connected intent.
type ReconnectConfig struct {
	// Enabled turns automatic reconnection on. When false, transport loss
	// moves the session straight to the failed state.
	Enabled bool `yaml:"enabled"`
	// RedialInterval paces reconnection attempts.
	RedialInterval time.Duration `yaml:"redial_interval"`
	// RedialBurst allows this many immediate attempts before pacing kicks in.
	RedialBurst int `yaml:"redial_burst"`
	// BreakerMaxFailures is the number of consecutive dial failures before
	// the circuit opens and the session fails.
	BreakerMaxFailures uint32 `yaml:"breaker_max_failures"`
	// BreakerTimeout is how long the circuit stays open before a probe.
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
	// BreakerInterval is the cyclic period for clearing failure counts while
	// the circuit is closed. If 0, failures never reset until it opens.
	BreakerInterval time.Duration `yaml:"breaker_interval"`
}

// dialResult carries one successful dial through the circuit breaker.
type dialResult struct {
	transport domain.Transport
	info      domain.ConnInfo
}

// reconnector paces redial attempts with a rate limiter and trips a circuit
// breaker after persistent failures, preventing reconnect storms against a
// server that keeps refusing us.
type reconnector struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[dialResult]
}

func newReconnector(cfg ReconnectConfig, logger *slog.Logger) *reconnector {
	interval := cfg.RedialInterval
	if interval <= 0 {
		interval = defaultRedialInterval
	}
	burst := cfg.RedialBurst
	if burst <= 0 {
		burst = defaultRedialBurst
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.BreakerTimeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	brInterval := cfg.BreakerInterval
	if brInterval == 0 {
		brInterval = defaultBreakerInterval
	}

	cb := gobreaker.NewCircuitBreaker[dialResult](gobreaker.Settings{
		Name:        "session:redial",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    brInterval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("redial circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &reconnector{
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		breaker: cb,
	}
}

// errRedialGaveUp marks the circuit having opened after persistent dial
// failures. Terminal for the reconnect loop.
var errRedialGaveUp = domain.NewSessionError("Session.reconnect", domain.ErrConnectionFailed, "redial circuit open")

// redial performs one paced, breaker-gated dial attempt. Returns
// errRedialGaveUp once the breaker opens; any other error is a transient
// failure the caller may retry.
func (r *reconnector) redial(ctx context.Context, dial func(context.Context) (dialResult, error)) (dialResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return dialResult{}, domain.WrapOp("Session.reconnect", err)
	}

	res, err := r.breaker.Execute(func() (dialResult, error) {
		return dial(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return dialResult{}, errRedialGaveUp
	}
	return res, err
}
