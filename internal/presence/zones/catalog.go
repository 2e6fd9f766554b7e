package zones

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/observer"
	"github.com/example/festivo/internal/presence/domain"
)

// StaticCatalog is an in-memory zone catalog.
type StaticCatalog struct {
	mu        sync.RWMutex
	zones     []domain.Zone
	listeners observer.Registry[[]domain.Zone]
}

func NewStaticCatalog(zones []domain.Zone) *StaticCatalog {
	return &StaticCatalog{zones: append([]domain.Zone(nil), zones...)}
}

func (c *StaticCatalog) Zones(_ context.Context) ([]domain.Zone, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Zone(nil), c.zones...), nil
}

func (c *StaticCatalog) Subscribe(onChange func([]domain.Zone)) func() {
	return c.listeners.Subscribe(onChange)
}

// Replace swaps the whole catalog and notifies subscribers.
func (c *StaticCatalog) Replace(zones []domain.Zone) {
	c.mu.Lock()
	c.zones = append([]domain.Zone(nil), zones...)
	c.mu.Unlock()
	c.listeners.Publish(append([]domain.Zone(nil), zones...))
}

// StoreCatalog reads zones from the zones collection of a keyed store.
// Catalog order is key order.
type StoreCatalog struct {
	store      domain.KeyedStore
	collection string
	logger     *zap.Logger

	watchMu sync.Mutex
	mu      sync.Mutex
	cancel  context.CancelFunc
	unsub   func()
	zones   []domain.Zone

	listeners observer.Registry[[]domain.Zone]
}

func NewStoreCatalog(store domain.KeyedStore, logger *zap.Logger) *StoreCatalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreCatalog{store: store, collection: domain.CollectionZones, logger: logger}
}

// Seed replaces the stored catalog with zones, keyed by position so catalog
// order survives the round-trip. Keys left from an earlier seed are removed
// once the new ones are written.
func (c *StoreCatalog) Seed(ctx context.Context, zones []domain.Zone) error {
	existing, err := c.storedKeys(ctx)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(zones))
	for i, z := range zones {
		payload, err := json.Marshal(z)
		if err != nil {
			return fmt.Errorf("marshal zone %s: %w", z.ID, err)
		}
		key := fmt.Sprintf("%04d-%s", i, z.ID)
		keep[key] = struct{}{}
		if err := c.store.Put(ctx, c.collection, key, payload); err != nil {
			return fmt.Errorf("seed zone %s: %w", z.ID, err)
		}
	}
	for _, key := range existing {
		if _, ok := keep[key]; ok {
			continue
		}
		if err := c.store.Delete(ctx, c.collection, key); err != nil {
			return fmt.Errorf("remove stale zone %s: %w", key, err)
		}
	}
	return nil
}

// storedKeys reads the keys of the zones collection from the initial
// snapshot of a throwaway subscription.
func (c *StoreCatalog) storedKeys(ctx context.Context) ([]string, error) {
	var (
		mu   sync.Mutex
		keys []string
		got  = make(chan struct{})
		once sync.Once
	)
	unsub, err := c.store.SubscribeCollection(ctx, c.collection, func(records []domain.Record) {
		once.Do(func() {
			mu.Lock()
			for _, r := range records {
				keys = append(keys, r.Key)
			}
			mu.Unlock()
			close(got)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	defer unsub()
	select {
	case <-got:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	mu.Lock()
	defer mu.Unlock()
	return keys, nil
}

// Zones returns the zones currently known. The first call subscribes to the
// store so later calls and subscribers see catalog edits.
func (c *StoreCatalog) Zones(ctx context.Context) ([]domain.Zone, error) {
	if err := c.watch(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Zone(nil), c.zones...), nil
}

func (c *StoreCatalog) Subscribe(onChange func([]domain.Zone)) func() {
	return c.listeners.Subscribe(onChange)
}

// Close drops the store subscription.
func (c *StoreCatalog) Close() {
	c.mu.Lock()
	unsub, cancel := c.unsub, c.cancel
	c.unsub, c.cancel = nil, nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *StoreCatalog) watch(ctx context.Context) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()

	c.mu.Lock()
	if c.unsub != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	// The subscription outlives the caller's request context.
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ready := make(chan struct{})
	var once sync.Once
	unsub, err := c.store.SubscribeCollection(watchCtx, c.collection, func(records []domain.Record) {
		c.apply(records)
		once.Do(func() { close(ready) })
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe zones: %w", err)
	}

	select {
	case <-ready:
	case <-ctx.Done():
		unsub()
		cancel()
		return ctx.Err()
	}

	c.mu.Lock()
	c.unsub, c.cancel = unsub, cancel
	c.mu.Unlock()
	return nil
}

func (c *StoreCatalog) apply(records []domain.Record) {
	zones := make([]domain.Zone, 0, len(records))
	for _, rec := range records {
		var z domain.Zone
		if err := json.Unmarshal(rec.Value, &z); err != nil {
			c.logger.Warn("skipping malformed zone record", zap.String("key", rec.Key), zap.Error(err))
			continue
		}
		zones = append(zones, z)
	}
	c.mu.Lock()
	c.zones = zones
	c.mu.Unlock()
	c.listeners.Publish(append([]domain.Zone(nil), zones...))
}
