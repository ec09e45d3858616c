package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/chaz8081/sensorsync/internal/record"
)

// Default breaker settings.
const (
	defaultBreakerMaxFailures uint32        = 3
	defaultBreakerTimeout     time.Duration = 30 * time.Second
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the breaker opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the breaker stays open before probing again.
	Timeout time.Duration `yaml:"timeout"`
}

// Breaker wraps a Gateway so that a failing disk is not hammered on every
// exchange. While open, calls fail immediately with ErrPersistence.
type Breaker struct {
	inner   Gateway
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreaker wraps inner. Zero config values use the defaults.
func NewBreaker(inner Gateway, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[STORE] breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about the health of the store.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{inner: inner, breaker: cb}
}

// State returns the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

func (b *Breaker) execute(op string, fn func() (any, error)) (any, error) {
	v, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
	}
	return v, err
}

func (b *Breaker) LoadRecords(ctx context.Context) ([]record.Record, error) {
	v, err := b.execute("load records", func() (any, error) {
		return b.inner.LoadRecords(ctx)
	})
	if err != nil {
		return nil, err
	}
	rs, _ := v.([]record.Record)
	return rs, nil
}

func (b *Breaker) SaveRecords(ctx context.Context, records []record.Record) error {
	_, err := b.execute("save records", func() (any, error) {
		return nil, b.inner.SaveRecords(ctx, records)
	})
	return err
}

func (b *Breaker) LoadHistory(ctx context.Context) ([]record.HistoryEntry, error) {
	v, err := b.execute("load history", func() (any, error) {
		return b.inner.LoadHistory(ctx)
	})
	if err != nil {
		return nil, err
	}
	hs, _ := v.([]record.HistoryEntry)
	return hs, nil
}

func (b *Breaker) AppendHistory(ctx context.Context, entries []record.HistoryEntry) error {
	_, err := b.execute("append history", func() (any, error) {
		return nil, b.inner.AppendHistory(ctx, entries)
	})
	return err
}

var _ Gateway = (*Breaker)(nil)
