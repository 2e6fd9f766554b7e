// Package group detects sustained co-location of several subjects in one
// eligible zone.
package group

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/clock"
	"github.com/example/festivo/internal/observer"
	"github.com/example/festivo/internal/presence/broadcast"
	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/zones"
)

var (
	groupEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "group_formation_events_total",
		Help: "Group formation events emitted.",
	})
	groupSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "group_formation_suppressed_total",
		Help: "Matured candidates suppressed by the member-combination cooldown.",
	})
	groupCandidates = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "group_formation_candidates",
		Help: "Candidates currently tracked.",
	})
)

// Config controls group detection.
type Config struct {
	MinGroupSize  int
	Threshold     time.Duration
	Cooldown      time.Duration
	Expiry        time.Duration
	OnlineWindow  time.Duration
	EligibleKinds []domain.ZoneKind
	// IDBucket truncates the candidate start time when deriving event ids.
	IDBucket time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinGroupSize <= 0 {
		c.MinGroupSize = 3
	}
	if c.Threshold <= 0 {
		c.Threshold = 10 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	if c.Expiry <= 0 {
		c.Expiry = 10 * time.Minute
	}
	if c.OnlineWindow <= 0 {
		c.OnlineWindow = 4 * time.Minute
	}
	if len(c.EligibleKinds) == 0 {
		c.EligibleKinds = []domain.ZoneKind{domain.ZoneStage, domain.ZoneBar, domain.ZoneFood, domain.ZoneCamp, domain.ZoneHQ}
	}
	if c.IDBucket <= 0 {
		c.IDBucket = c.Threshold
	}
	return c
}

type candidate struct {
	zoneID    string
	members   []string
	startedAt time.Time
}

// Detector owns the candidates and their maturity timers. A matured
// candidate stays in place so the same continuous group does not re-arm.
type Detector struct {
	clock  clock.Clock
	cfg    Config
	writer domain.Writer
	logger *zap.Logger

	listeners observer.Registry[domain.ActivityEvent]

	mu         sync.Mutex
	timers     *clock.Timers[string]
	eligible   map[domain.ZoneKind]struct{}
	zones      map[string]domain.Zone
	candidates map[string]*candidate
	cooldowns  map[string]time.Time
	latest     []domain.PresenceRecord
	stopped    bool
}

func New(clk clock.Clock, cfg Config, writer domain.Writer, logger *zap.Logger) *Detector {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{
		clock:      clk,
		cfg:        cfg,
		writer:     writer,
		logger:     logger,
		eligible:   make(map[domain.ZoneKind]struct{}, len(cfg.EligibleKinds)),
		zones:      make(map[string]domain.Zone),
		candidates: make(map[string]*candidate),
		cooldowns:  make(map[string]time.Time),
	}
	for _, kind := range cfg.EligibleKinds {
		d.eligible[kind] = struct{}{}
	}
	d.timers = clock.NewTimers[string](clk, &d.mu)
	return d
}

func (d *Detector) Subscribe(fn func(domain.ActivityEvent)) func() {
	return d.listeners.Subscribe(fn)
}

// SetZones swaps the catalog. It takes effect on the next snapshot.
func (d *Detector) SetZones(catalog []domain.Zone) {
	usable := zones.Usable(catalog, d.logger)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.zones = make(map[string]domain.Zone, len(usable))
	for _, z := range usable {
		d.zones[z.ID] = z
	}
}

// OnPresenceSnapshot re-evaluates every zone against the full set of
// presence records.
func (d *Detector) OnPresenceSnapshot(records []domain.PresenceRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.latest = append([]domain.PresenceRecord(nil), records...)
	now := d.clock.Now()
	d.pruneCooldowns(now)
	groups := d.groups(d.latest, now)

	for zoneID := range d.candidates {
		if _, ok := groups[zoneID]; !ok {
			d.discard(zoneID)
		}
	}

	ids := make([]string, 0, len(groups))
	for zoneID := range groups {
		ids = append(ids, zoneID)
	}
	sort.Strings(ids)
	for _, zoneID := range ids {
		members := groups[zoneID]
		if c, ok := d.candidates[zoneID]; ok && domain.SameMembers(c.members, members) {
			continue
		}
		d.arm(zoneID, members, now)
	}
	groupCandidates.Set(float64(len(d.candidates)))
}

// groups returns the sorted member set of every eligible zone holding at
// least the minimum number of online, non-expired subjects.
func (d *Detector) groups(records []domain.PresenceRecord, now time.Time) map[string][]string {
	byZone := make(map[string][]string)
	for _, r := range broadcast.Visible(records, now, d.cfg.Expiry, d.cfg.OnlineWindow) {
		if !r.IsOnline || r.ZoneID == "" {
			continue
		}
		zone, ok := d.zones[r.ZoneID]
		if !ok {
			continue
		}
		if _, ok := d.eligible[zone.Kind]; !ok {
			continue
		}
		byZone[r.ZoneID] = append(byZone[r.ZoneID], r.SubjectID)
	}
	out := make(map[string][]string, len(byZone))
	for zoneID, ids := range byZone {
		members := domain.SortedMembers(ids)
		if len(members) >= d.cfg.MinGroupSize {
			out[zoneID] = members
		}
	}
	return out
}

func (d *Detector) arm(zoneID string, members []string, now time.Time) {
	c := &candidate{zoneID: zoneID, members: members, startedAt: now}
	d.candidates[zoneID] = c
	d.timers.Schedule(zoneID, d.cfg.Threshold, func() { d.mature(c) })
	d.logger.Debug("group candidate armed", zap.String("zone_id", zoneID), zap.Strings("members", members))
}

func (d *Detector) discard(zoneID string) {
	d.timers.Cancel(zoneID)
	delete(d.candidates, zoneID)
}

func (d *Detector) mature(c *candidate) {
	if d.stopped || d.candidates[c.zoneID] != c {
		return
	}
	now := d.clock.Now()
	current := d.groups(d.latest, now)[c.zoneID]
	if !domain.SameMembers(current, c.members) {
		delete(d.candidates, c.zoneID)
		return
	}

	key := cooldownKey(c.zoneID, c.members)
	if until, ok := d.cooldowns[key]; ok && now.Before(until) {
		groupSuppressed.Inc()
		return
	}
	d.cooldowns[key] = now.Add(d.cfg.Cooldown)

	event := domain.NewGroupEvent(d.zones[c.zoneID], c.members, c.startedAt, d.cfg.IDBucket, now)
	groupEvents.Inc()
	d.logger.Info("group formation", zap.String("zone_id", c.zoneID), zap.Strings("members", c.members))
	if d.writer != nil {
		d.writer.Put(domain.CollectionGroupEvents, event.ID, event)
	}
	d.listeners.Publish(event)
}

func (d *Detector) pruneCooldowns(now time.Time) {
	for key, until := range d.cooldowns {
		if !now.Before(until) {
			delete(d.cooldowns, key)
		}
	}
}

func cooldownKey(zoneID string, members []string) string {
	return zoneID + "|" + strings.Join(members, ",")
}

// Candidates returns the zones with a live candidate.
func (d *Detector) Candidates() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.candidates))
	for zoneID := range d.candidates {
		out = append(out, zoneID)
	}
	sort.Strings(out)
	return out
}

// Stop cancels every maturity timer and drops all state, cooldowns included.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.timers.StopAll()
	d.candidates = make(map[string]*candidate)
	d.cooldowns = make(map[string]time.Time)
	d.latest = nil
}
