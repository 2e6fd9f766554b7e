package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/example/festivo/internal/clock"
	"github.com/example/festivo/internal/presence/broadcast"
	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/engine"
	"github.com/example/festivo/internal/presence/zones"
	"github.com/example/festivo/internal/store"
)

type fakeSource struct {
	mu      sync.Mutex
	granted bool
	subs    map[int]func(domain.PositionSample)
	next    int
}

func (f *fakeSource) RequestPermission(context.Context) (bool, error) { return f.granted, nil }

func (f *fakeSource) Subscribe(_ context.Context, _ domain.SampleOptions, fn func(domain.PositionSample)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[int]func(domain.PositionSample))
	}
	f.next++
	id := f.next
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}, nil
}

func (f *fakeSource) GetOne(context.Context) (domain.PositionSample, error) {
	return domain.PositionSample{}, nil
}

func (f *fakeSource) emit(sample domain.PositionSample) {
	f.mu.Lock()
	fns := make([]func(domain.PositionSample), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(sample)
	}
}

func (f *fakeSource) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// syncWriter applies writes immediately so store notifications arrive
// before the call returns.
type syncWriter struct {
	store domain.KeyedStore
}

func (w syncWriter) Put(collection, key string, record any) {
	payload, err := json.Marshal(record)
	if err != nil {
		panic(err)
	}
	_ = w.store.Put(context.Background(), collection, key, payload)
}

func (w syncWriter) Delete(collection, key string) {
	_ = w.store.Delete(context.Background(), collection, key)
}

var (
	t0    = time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC)
	stage = domain.Zone{ID: "main", Name: "Main Stage", Kind: domain.ZoneStage, Center: domain.GeoPoint{Lat: 51.5072, Lng: -0.1276}, RadiusMeters: 80}
	away  = domain.GeoPoint{Lat: 51.5200, Lng: -0.1000}
)

type harness struct {
	clk    *clock.Fake
	source *fakeSource
	store  *store.MemoryStore
	engine *engine.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clk: clock.NewFake(t0), source: &fakeSource{granted: true}, store: store.NewMemoryStore()}
	e, err := engine.New(engine.Dependencies{
		Source:  h.source,
		Store:   h.store,
		Writer:  syncWriter{store: h.store},
		Catalog: zones.NewStaticCatalog([]domain.Zone{stage}),
		Clock:   h.clk,
	}, engine.Config{Identity: broadcast.Identity{SubjectID: "alice", DisplayName: "Alice"}})
	require.NoError(t, err)
	h.engine = e
	t.Cleanup(e.Stop)
	return h
}

func (h *harness) sample(p domain.GeoPoint) {
	h.source.emit(domain.PositionSample{Point: p, Timestamp: h.clk.Now()})
}

func (h *harness) putRemote(t *testing.T, subject, zone string) {
	t.Helper()
	payload, err := json.Marshal(domain.PresenceRecord{SubjectID: subject, ZoneID: zone, IsOnline: true, LastUpdated: h.clk.Now()})
	require.NoError(t, err)
	require.NoError(t, h.store.Put(context.Background(), domain.CollectionPresence, subject, payload))
}

func kinds(events []domain.ActivityEvent) []domain.EventKind {
	out := make([]domain.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := engine.New(engine.Dependencies{}, engine.Config{})
	require.Error(t, err)
}

func TestStartPermissionDenied(t *testing.T) {
	h := newHarness(t)
	h.source.granted = false
	err := h.engine.Start(context.Background(), false)
	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	require.False(t, h.engine.Running())
	require.ErrorIs(t, h.engine.ForceActive(), domain.ErrNotRunning)
	require.ErrorIs(t, h.engine.RequestFix(context.Background()), domain.ErrNotRunning)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Start(context.Background(), false))
	require.ErrorIs(t, h.engine.Start(context.Background(), false), domain.ErrAlreadyStarted)
}

func TestDwellFlowsIntoFeedAndStore(t *testing.T) {
	h := newHarness(t)
	var detections []domain.ActivityEvent
	h.engine.SubscribeDetections(func(e domain.ActivityEvent) { detections = append(detections, e) })
	require.NoError(t, h.engine.Start(context.Background(), false))

	h.sample(stage.Center)
	status := h.engine.Status()
	require.Equal(t, "main", status.ZoneID)
	require.Equal(t, domain.ModeActive, status.Mode)

	h.clk.Advance(5 * time.Minute)
	require.Len(t, detections, 1)
	require.Equal(t, domain.DwellEntered, detections[0].Action)

	feed := h.engine.Feed()
	require.Len(t, feed, 1)
	require.Equal(t, detections[0].ID, feed[0].ID)

	_, err := h.store.Get(context.Background(), domain.CollectionDwellEvents, detections[0].ID)
	require.NoError(t, err)
}

func TestSharingPublishesAndDeletesRecord(t *testing.T) {
	h := newHarness(t)
	h.engine.SetSharingEnabled(true)
	require.NoError(t, h.engine.Start(context.Background(), false))

	h.sample(stage.Center)
	rec, err := h.store.Get(context.Background(), domain.CollectionPresence, "alice")
	require.NoError(t, err)
	var presence domain.PresenceRecord
	require.NoError(t, json.Unmarshal(rec.Value, &presence))
	require.Equal(t, "main", presence.ZoneID)
	require.True(t, presence.IsOnline)

	visible := h.engine.Presence()
	require.Len(t, visible, 1)
	require.Equal(t, "alice", visible[0].SubjectID)

	h.engine.SetSharingEnabled(false)
	_, err = h.store.Get(context.Background(), domain.CollectionPresence, "alice")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.False(t, h.engine.Status().Sharing)
}

func TestGroupFormationWithRemoteSubjects(t *testing.T) {
	h := newHarness(t)
	h.engine.SetSharingEnabled(true)
	require.NoError(t, h.engine.Start(context.Background(), false))

	h.sample(stage.Center)
	for elapsed := time.Duration(0); elapsed < 10*time.Minute; elapsed += time.Minute {
		h.putRemote(t, "bob", "main")
		h.putRemote(t, "carol", "main")
		h.clk.Advance(time.Minute)
	}

	var group *domain.ActivityEvent
	for _, e := range h.engine.Feed() {
		if e.Kind == domain.EventGroupFormation {
			e := e
			group = &e
		}
	}
	require.NotNil(t, group, "feed: %v", kinds(h.engine.Feed()))
	require.Equal(t, []string{"alice", "bob", "carol"}, group.MemberIDs)
	require.Equal(t, "main", group.ZoneID)
}

func TestStopIsCompleteAndRestartIsClean(t *testing.T) {
	h := newHarness(t)
	var detections int
	h.engine.SubscribeDetections(func(domain.ActivityEvent) { detections++ })
	require.NoError(t, h.engine.Start(context.Background(), false))

	h.sample(stage.Center)
	h.clk.Advance(4 * time.Minute)
	h.engine.Stop()
	h.engine.Stop()

	require.Zero(t, h.clk.Pending())
	require.Zero(t, h.source.active())
	h.sample(stage.Center)
	h.clk.Advance(time.Hour)
	require.Zero(t, detections)
	require.False(t, h.engine.Status().Running)

	require.NoError(t, h.engine.Start(context.Background(), false))
	h.sample(stage.Center)
	h.clk.Advance(4 * time.Minute)
	require.Zero(t, detections, "dwell progress from the stopped session is not carried over")
	h.clk.Advance(time.Minute)
	require.Equal(t, 1, detections)
}

func TestExternalEvents(t *testing.T) {
	h := newHarness(t)
	var updates [][]domain.ActivityEvent
	unsubscribe := h.engine.SubscribeFeed(func(events []domain.ActivityEvent) { updates = append(updates, events) })
	defer unsubscribe()

	event := h.engine.IngestExternal("drink_logged", "bob", map[string]any{"drink": "lager"})
	require.Equal(t, domain.EventExternal, event.Kind)
	require.Len(t, updates, 1)
	require.Equal(t, event.ID, updates[0][0].ID)

	h.engine.IngestEvent(event)
	require.Len(t, updates, 1, "duplicate ignored")
}

func TestZoneCatalogSwapAppliesToNextSample(t *testing.T) {
	h := newHarness(t)
	catalog := zones.NewStaticCatalog([]domain.Zone{stage})
	e, err := engine.New(engine.Dependencies{
		Source:  h.source,
		Store:   h.store,
		Writer:  syncWriter{store: h.store},
		Catalog: catalog,
		Clock:   h.clk,
	}, engine.Config{Identity: broadcast.Identity{SubjectID: "dave"}})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	require.NoError(t, e.Start(context.Background(), false))

	h.sample(away)
	require.Empty(t, e.Status().ZoneID)

	bar := domain.Zone{ID: "bar", Name: "Bar", Kind: domain.ZoneBar, Center: away, RadiusMeters: 30}
	catalog.Replace([]domain.Zone{stage, bar})
	require.Empty(t, e.Status().ZoneID, "not re-evaluated retroactively")
	h.sample(away)
	require.Equal(t, "bar", e.Status().ZoneID)
}
