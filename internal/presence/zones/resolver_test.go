package zones_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/zones"
	"github.com/example/festivo/internal/store"
)

var (
	t0    = time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC)
	stage = domain.Zone{ID: "main", Name: "Main Stage", Kind: domain.ZoneStage, Center: domain.GeoPoint{Lat: 51.5072, Lng: -0.1276}, RadiusMeters: 80}
	bar   = domain.Zone{ID: "bar", Name: "Bar", Kind: domain.ZoneBar, Center: domain.GeoPoint{Lat: 51.5075, Lng: -0.1276}, RadiusMeters: 60}
	far   = domain.GeoPoint{Lat: 51.5200, Lng: -0.1000}
)

func sampleAt(p domain.GeoPoint, offset time.Duration) domain.PositionSample {
	return domain.PositionSample{Point: p, Timestamp: t0.Add(offset)}
}

func TestValidate(t *testing.T) {
	require.NoError(t, zones.Validate(stage))

	for name, z := range map[string]domain.Zone{
		"zero radius":     {ID: "a", Kind: domain.ZoneBar, RadiusMeters: 0},
		"negative radius": {ID: "a", Kind: domain.ZoneBar, RadiusMeters: -5},
		"missing id":      {Kind: domain.ZoneBar, RadiusMeters: 5},
		"bad latitude":    {ID: "a", Kind: domain.ZoneBar, RadiusMeters: 5, Center: domain.GeoPoint{Lat: 95}},
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, zones.Validate(z), domain.ErrInvalidZoneGeometry)
		})
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	overlap := stage.Center
	got, ok := zones.Resolve(overlap, []domain.Zone{stage, bar})
	require.True(t, ok)
	require.Equal(t, "main", got.ID)

	got, ok = zones.Resolve(overlap, []domain.Zone{bar, stage})
	require.True(t, ok)
	require.Equal(t, "bar", got.ID)

	_, ok = zones.Resolve(far, []domain.Zone{stage, bar})
	require.False(t, ok)
}

func TestResolverSkipsInvalidZones(t *testing.T) {
	broken := domain.Zone{ID: "broken", Kind: domain.ZoneStage, Center: stage.Center, RadiusMeters: -1}
	r := zones.NewResolver([]domain.Zone{broken, stage}, nil)
	change, ok := r.Observe("alice", sampleAt(stage.Center, 0))
	require.True(t, ok)
	require.Equal(t, "main", change.Current)
}

func TestResolverEmitsOnlyOnChange(t *testing.T) {
	r := zones.NewResolver([]domain.Zone{stage}, nil)

	_, ok := r.Observe("alice", sampleAt(far, 0))
	require.False(t, ok, "outside to outside is not a change")

	change, ok := r.Observe("alice", sampleAt(stage.Center, time.Minute))
	require.True(t, ok)
	require.Equal(t, "", change.Previous)
	require.Equal(t, "main", change.Current)
	require.Equal(t, "Main Stage", change.Zone.Name)
	require.Equal(t, t0.Add(time.Minute), change.At)

	_, ok = r.Observe("alice", sampleAt(stage.Center, 2*time.Minute))
	require.False(t, ok)

	change, ok = r.Observe("alice", sampleAt(far, 3*time.Minute))
	require.True(t, ok)
	require.Equal(t, "main", change.Previous)
	require.Equal(t, "", change.Current)
	require.Nil(t, change.Zone)

	require.Equal(t, domain.ZoneMembership{Since: t0.Add(3 * time.Minute)}, r.Current())
}

func TestResolverSetZonesAppliesToNextSample(t *testing.T) {
	r := zones.NewResolver(nil, nil)
	_, ok := r.Observe("alice", sampleAt(stage.Center, 0))
	require.False(t, ok)

	r.SetZones([]domain.Zone{stage})
	require.Equal(t, "", r.Current().ZoneID)
	_, ok = r.Observe("alice", sampleAt(stage.Center, time.Minute))
	require.True(t, ok)

	z, ok := r.Zone("main")
	require.True(t, ok)
	require.Equal(t, stage, z)

	r.Reset()
	require.Equal(t, domain.ZoneMembership{}, r.Current())
}

func TestStaticCatalog(t *testing.T) {
	c := zones.NewStaticCatalog([]domain.Zone{stage})
	var got []domain.Zone
	unsubscribe := c.Subscribe(func(z []domain.Zone) { got = z })

	c.Replace([]domain.Zone{stage, bar})
	require.Len(t, got, 2)
	list, err := c.Zones(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.Zone{stage, bar}, list)

	unsubscribe()
	c.Replace(nil)
	require.Len(t, got, 2)
}

func TestStoreCatalogKeepsSeedOrderAndFollowsEdits(t *testing.T) {
	mem := store.NewMemoryStore()
	c := zones.NewStoreCatalog(mem, nil)
	t.Cleanup(c.Close)
	ctx := context.Background()

	// "main" sorts after "bar" by id; the seed keys keep the given order.
	require.NoError(t, c.Seed(ctx, []domain.Zone{stage, bar}))
	list, err := c.Zones(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"main", "bar"}, []string{list[0].ID, list[1].ID})

	var mu sync.Mutex
	var updates [][]domain.Zone
	c.Subscribe(func(z []domain.Zone) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, z)
	})

	require.NoError(t, mem.Put(ctx, domain.CollectionZones, "0002-broken", []byte("{not json")))
	require.NoError(t, mem.Delete(ctx, domain.CollectionZones, "0001-bar"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2)
	require.Len(t, updates[1], 1)
	require.Equal(t, "main", updates[1][0].ID)
}

func TestStoreCatalogReseedDropsStaleZones(t *testing.T) {
	mem := store.NewMemoryStore()
	c := zones.NewStoreCatalog(mem, nil)
	t.Cleanup(c.Close)
	ctx := context.Background()

	require.NoError(t, c.Seed(ctx, []domain.Zone{stage, bar}))
	require.NoError(t, c.Seed(ctx, []domain.Zone{bar}))

	list, err := c.Zones(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "bar", list[0].ID)

	require.NoError(t, c.Seed(ctx, []domain.Zone{stage, bar}))
	list, err = c.Zones(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"main", "bar"}, []string{list[0].ID, list[1].ID})
}
