package synthesis

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/yungbote/graphrecall/internal/domain/knowledge"
	"github.com/yungbote/graphrecall/internal/modules/knowledge/similarity"
	"github.com/yungbote/graphrecall/internal/platform/logger"
)

type BreakerConfig struct {
	// MaxFailures consecutive failures trip the breaker. Default 5.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing. Default 30s.
	OpenTimeout time.Duration
	// HalfOpenRequests probes are allowed while half-open. Default 1.
	HalfOpenRequests uint32
}

// BreakerAdjudicator stops calling a failing adjudicator for a while. While open every
// call returns ErrAdjudicatorUnavailable immediately, so a run of candidates degrades
// to the threshold policy without waiting on timeouts one by one.
type BreakerAdjudicator struct {
	inner   Adjudicator
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
}

func NewBreakerAdjudicator(inner Adjudicator, cfg BreakerConfig, baseLog *logger.Logger) *BreakerAdjudicator {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	log := baseLog.With("service", "BreakerAdjudicator")
	b := &BreakerAdjudicator{inner: inner, log: log}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "adjudicator",
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// A caller giving up is not evidence against the provider.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("adjudicator breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return b
}

func (b *BreakerAdjudicator) Adjudicate(ctx context.Context, candidate knowledge.ConceptCandidate, matches []similarity.Candidate) (*Adjudication, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return b.inner.Adjudicate(ctx, candidate, matches)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrAdjudicatorUnavailable
		}
		return nil, err
	}
	adj, _ := res.(*Adjudication)
	return adj, nil
}

func (b *BreakerAdjudicator) State() gobreaker.State {
	return b.breaker.State()
}
