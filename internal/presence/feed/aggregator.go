// Package feed merges dwell, group formation and external events into one
// ranked, de-duplicated and balanced activity feed.
package feed

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/observer"
	"github.com/example/festivo/internal/presence/domain"
)

var (
	ingested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_events_ingested_total",
		Help: "Events accepted into the feed buffers grouped by kind.",
	}, []string{"kind"})
	feedLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feed_length",
		Help: "Number of events in the published feed.",
	})
)

type Config struct {
	MaxItems     int
	BufferSize   int
	ZoneCooldown time.Duration
}

type buffer struct {
	events []domain.ActivityEvent
	ids    map[string]struct{}
}

func (b *buffer) add(e domain.ActivityEvent, capacity int) bool {
	if _, dup := b.ids[e.ID]; dup {
		return false
	}
	b.ids[e.ID] = struct{}{}
	b.events = append(b.events, e)
	if len(b.events) > capacity {
		sortNewestFirst(b.events)
		for _, evicted := range b.events[capacity:] {
			delete(b.ids, evicted.ID)
		}
		b.events = b.events[:capacity:capacity]
	}
	return true
}

// Aggregator keeps one capped buffer per event kind and recomputes the feed
// whenever one of them changes.
type Aggregator struct {
	cfg    Config
	logger *zap.Logger

	listeners observer.Registry[[]domain.ActivityEvent]

	mu      sync.Mutex
	buffers map[domain.EventKind]*buffer
	feed    []domain.ActivityEvent
}

func New(cfg Config, logger *zap.Logger) *Aggregator {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 50
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.ZoneCooldown <= 0 {
		cfg.ZoneCooldown = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{cfg: cfg, logger: logger}
	a.reset()
	return a
}

// Subscribe registers fn for every feed change. fn receives its own copy.
func (a *Aggregator) Subscribe(fn func([]domain.ActivityEvent)) func() {
	return a.listeners.Subscribe(func(events []domain.ActivityEvent) {
		fn(append([]domain.ActivityEvent(nil), events...))
	})
}

// Ingest adds e to its buffer. Duplicates by id and events of unknown kind
// are ignored.
func (a *Aggregator) Ingest(e domain.ActivityEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.buffers[e.Kind]
	if !ok || e.ID == "" {
		a.logger.Warn("dropping activity event", zap.String("kind", string(e.Kind)), zap.String("id", e.ID))
		return
	}
	if !buf.add(e, a.cfg.BufferSize) {
		return
	}
	ingested.WithLabelValues(string(e.Kind)).Inc()
	a.recompute()
}

// Feed returns a copy of the current feed.
func (a *Aggregator) Feed() []domain.ActivityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.ActivityEvent(nil), a.feed...)
}

// Reset empties every buffer and publishes the empty feed.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	a.publish()
}

func (a *Aggregator) reset() {
	a.buffers = map[domain.EventKind]*buffer{
		domain.EventDwell:          {ids: make(map[string]struct{})},
		domain.EventGroupFormation: {ids: make(map[string]struct{})},
		domain.EventExternal:       {ids: make(map[string]struct{})},
	}
	a.feed = nil
}

func (a *Aggregator) recompute() {
	var all []domain.ActivityEvent
	for _, kind := range []domain.EventKind{domain.EventDwell, domain.EventGroupFormation, domain.EventExternal} {
		all = append(all, a.buffers[kind].events...)
	}
	sortNewestFirst(all)
	balanced := Balance(all, a.cfg.ZoneCooldown)
	if len(balanced) > a.cfg.MaxItems {
		balanced = balanced[:a.cfg.MaxItems]
	}
	a.feed = balanced
	a.publish()
}

func (a *Aggregator) publish() {
	feedLength.Set(float64(len(a.feed)))
	a.listeners.Publish(a.feed)
}

func sortNewestFirst(events []domain.ActivityEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
