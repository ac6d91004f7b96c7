package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/yungbote/smriti-backend/internal/observability"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
)

type GuardConfig struct {
	Name              string
	RequestsPerSecond float64
	Burst             int
	// breaker
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

func DefaultGuardConfig(name string) GuardConfig {
	return GuardConfig{
		Name:              name,
		RequestsPerSecond: 5,
		Burst:             10,
		MaxRequests:       3,
		Interval:          60 * time.Second,
		Timeout:           30 * time.Second,
		FailureThreshold:  0.6,
		MinRequests:       10,
	}
}

// guardedAI puts a token bucket and a circuit breaker in front of every call.
// Only transient failures count against the breaker; a bad item must not open
// the circuit for everyone else.
type guardedAI struct {
	next    ThoughtAI
	log     *logger.Logger
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
}

func NewGuardedAI(log *logger.Logger, next ThoughtAI, cfg GuardConfig) ThoughtAI {
	def := DefaultGuardConfig(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = "ai"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	glog := log.With("service", "GuardedAI", "breaker", cfg.Name)
	g := &guardedAI{
		next:    next,
		log:     glog,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			glog.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
			observability.Current().SetBreakerState(name, int(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || apperr.IsPermanentContent(err) || errors.Is(err, context.Canceled)
		},
	})
	return g
}

func (g *guardedAI) call(ctx context.Context, op string, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transient(op, err)
	}
	_, err := g.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Transient(op, fmt.Errorf("%w: %v", apperr.ErrServiceUnavailable, err))
	}
	return err
}

// Ping fails fast while the breaker is open.
func (g *guardedAI) Ping(ctx context.Context) error {
	if g.cb.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit %s open", apperr.ErrServiceUnavailable, g.cb.Name())
	}
	return g.next.Ping(ctx)
}

func (g *guardedAI) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := g.call(ctx, "embed", func() error {
		var err error
		out, err = g.next.Embed(ctx, text)
		return err
	})
	return out, err
}

func (g *guardedAI) Classify(ctx context.Context, current, candidate NodeText) (Classification, error) {
	var out Classification
	err := g.call(ctx, "classify", func() error {
		var err error
		out, err = g.next.Classify(ctx, current, candidate)
		return err
	})
	return out, err
}

func (g *guardedAI) Synthesize(ctx context.Context, texts []string) (string, error) {
	var out string
	err := g.call(ctx, "synthesize", func() error {
		var err error
		out, err = g.next.Synthesize(ctx, texts)
		return err
	})
	return out, err
}
