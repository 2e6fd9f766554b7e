package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/presence/domain"
)

// BreakerConfig tunes the circuit breaker around store calls.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// BreakerStore fails store calls fast while the backend is unhealthy.
type BreakerStore struct {
	next   domain.KeyedStore
	cb     *gobreaker.CircuitBreaker[domain.Record]
	logger *zap.Logger
}

func NewBreakerStore(next domain.KeyedStore, cfg BreakerConfig, logger *zap.Logger) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "keyed-store"
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker[domain.Record](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("store circuit breaker state change", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &BreakerStore{next: next, cb: cb, logger: logger}
}

func (b *BreakerStore) Put(ctx context.Context, collection, key string, value []byte) error {
	_, err := b.cb.Execute(func() (domain.Record, error) {
		return domain.Record{}, b.next.Put(ctx, collection, key, value)
	})
	return breakerErr(err)
}

func (b *BreakerStore) Delete(ctx context.Context, collection, key string) error {
	_, err := b.cb.Execute(func() (domain.Record, error) {
		return domain.Record{}, b.next.Delete(ctx, collection, key)
	})
	return breakerErr(err)
}

func (b *BreakerStore) Get(ctx context.Context, collection, key string) (domain.Record, error) {
	rec, err := b.cb.Execute(func() (domain.Record, error) {
		return b.next.Get(ctx, collection, key)
	})
	return rec, breakerErr(err)
}

// SubscribeCollection is passed through; subscriptions are long-lived and
// carry their own reconnect behaviour.
func (b *BreakerStore) SubscribeCollection(ctx context.Context, collection string, onChange func([]domain.Record)) (func(), error) {
	return b.next.SubscribeCollection(ctx, collection, onChange)
}

func breakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrStoreWriteFailed, err)
	}
	return err
}
