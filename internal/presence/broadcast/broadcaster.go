// Package broadcast publishes this device's presence record and holds the
// read-side staleness rule applied to every published record.
package broadcast

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/clock"
	"github.com/example/festivo/internal/presence/domain"
)

var publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "presence_publish_total",
	Help: "Presence record writes grouped by reason.",
}, []string{"reason"})

// Identity describes the local subject.
type Identity struct {
	SubjectID   string `koanf:"subject_id"`
	DisplayName string `koanf:"display_name"`
	AvatarRef   string `koanf:"avatar_ref"`
}

type Config struct {
	Interval time.Duration
}

const tickKey = "tick"

// Broadcaster writes the local PresenceRecord on a fixed interval while
// sharing is enabled.
type Broadcaster struct {
	clock    clock.Clock
	identity Identity
	cfg      Config
	writer   domain.Writer
	logger   *zap.Logger

	mu      sync.Mutex
	timers  *clock.Timers[string]
	sharing bool
	stopped bool
	last    *domain.PositionSample
	zoneID  string
}

func New(clk clock.Clock, identity Identity, cfg Config, writer domain.Writer, logger *zap.Logger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{clock: clk, identity: identity, cfg: cfg, writer: writer, logger: logger}
	b.timers = clock.NewTimers[string](clk, &b.mu)
	return b
}

// SetSharingEnabled starts or stops publishing. Enabling publishes right
// away when a position is known; disabling deletes the record so readers
// stop counting the subject.
func (b *Broadcaster) SetSharingEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.sharing == enabled {
		return
	}
	b.sharing = enabled
	if enabled {
		b.publish("enable")
		b.scheduleTick()
		return
	}
	b.timers.Cancel(tickKey)
	if b.writer != nil {
		b.writer.Delete(domain.CollectionPresence, b.identity.SubjectID)
	}
	publishTotal.WithLabelValues("delete").Inc()
	b.logger.Info("presence sharing disabled", zap.String("subject_id", b.identity.SubjectID))
}

// UpdatePosition records the latest sample and resolved zone. A zone change,
// or the first known position, is published immediately while sharing.
func (b *Broadcaster) UpdatePosition(sample domain.PositionSample, zoneID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	first := b.last == nil
	changed := zoneID != b.zoneID
	b.last = &sample
	b.zoneID = zoneID
	if b.sharing && (first || changed) {
		b.publish("zone_change")
	}
}

func (b *Broadcaster) Sharing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sharing
}

// Stop cancels the publish timer. The record is left to expire.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.timers.StopAll()
}

func (b *Broadcaster) scheduleTick() {
	b.timers.Schedule(tickKey, b.cfg.Interval, func() {
		if !b.sharing || b.stopped {
			return
		}
		b.publish("interval")
		b.scheduleTick()
	})
}

func (b *Broadcaster) publish(reason string) {
	if b.last == nil || b.writer == nil {
		return
	}
	record := domain.PresenceRecord{
		SubjectID:   b.identity.SubjectID,
		DisplayName: b.identity.DisplayName,
		AvatarRef:   b.identity.AvatarRef,
		Position:    b.last.Point,
		Accuracy:    b.last.Accuracy,
		ZoneID:      b.zoneID,
		IsOnline:    true,
		LastUpdated: b.clock.Now(),
	}
	b.writer.Put(domain.CollectionPresence, record.SubjectID, record)
	publishTotal.WithLabelValues(reason).Inc()
}

// Visible applies the read-side staleness rule: expired records are dropped
// and IsOnline is true only for records updated within onlineWindow.
func Visible(records []domain.PresenceRecord, now time.Time, expiry, onlineWindow time.Duration) []domain.PresenceRecord {
	out := make([]domain.PresenceRecord, 0, len(records))
	for _, r := range records {
		if r.SubjectID == "" || r.Expired(now, expiry) {
			continue
		}
		r.IsOnline = r.OnlineAt(now, onlineWindow)
		out = append(out, r)
	}
	return out
}
