package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrSourceUnavailable   = errors.New("position source unavailable")
	ErrStoreWriteFailed    = errors.New("store write failed")
	ErrInvalidZoneGeometry = errors.New("invalid zone geometry")
	ErrAlreadyStarted      = errors.New("tracking already started")
	ErrNotRunning          = errors.New("tracking not running")
	ErrNotFound            = errors.New("record not found")
)

// Store collections used by the engine.
const (
	CollectionPresence      = "presence"
	CollectionDwellEvents   = "activity_dwell"
	CollectionGroupEvents   = "activity_group"
	CollectionZones         = "zones"
	CollectionExternalEvent = "activity_external"
)

type GeoPoint struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

// PositionSample is one raw fix from the position source.
type PositionSample struct {
	Point     GeoPoint  `json:"point"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ZoneKind string

const (
	ZoneStage    ZoneKind = "stage"
	ZoneBar      ZoneKind = "bar"
	ZoneFood     ZoneKind = "food"
	ZoneCamp     ZoneKind = "camp"
	ZoneHQ       ZoneKind = "hq"
	ZoneMedical  ZoneKind = "medical"
	ZoneToilet   ZoneKind = "toilet"
	ZoneEntrance ZoneKind = "entrance"
	ZoneOther    ZoneKind = "other"
)

// Zone is a named circular geofence owned by the zone catalog.
type Zone struct {
	ID           string   `json:"id" validate:"required"`
	Name         string   `json:"name"`
	Kind         ZoneKind `json:"kind" validate:"required"`
	Center       GeoPoint `json:"center"`
	RadiusMeters float64  `json:"radius_meters" validate:"gt=0"`
	CreatedBy    string   `json:"created_by,omitempty"`
}

type TrackingMode string

const (
	ModeActive  TrackingMode = "ACTIVE"
	ModeEconomy TrackingMode = "ECONOMY"
)

// SampleOptions are the cadence filters handed to the position source.
type SampleOptions struct {
	Interval          time.Duration
	MinDistanceMeters float64
	Background        bool
}

// ZoneMembership is the zone a subject currently resolves into. An empty
// ZoneID means the subject is outside every zone.
type ZoneMembership struct {
	ZoneID string
	Since  time.Time
}

// ZoneChange is emitted by the resolver when the resolved zone differs from
// the previous resolution.
type ZoneChange struct {
	SubjectID string
	Previous  string
	Current   string
	Zone      *Zone
	At        time.Time
}

// PresenceRecord is the periodically published snapshot of one subject.
type PresenceRecord struct {
	SubjectID   string    `json:"subject_id"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarRef   string    `json:"avatar_ref,omitempty"`
	Position    GeoPoint  `json:"position"`
	Accuracy    *float64  `json:"accuracy,omitempty"`
	ZoneID      string    `json:"zone_id,omitempty"`
	IsOnline    bool      `json:"is_online"`
	LastUpdated time.Time `json:"last_updated"`
}

// Expired reports whether the record is older than the expiry window. Expired
// records are treated as absent regardless of IsOnline.
func (r PresenceRecord) Expired(now time.Time, expiry time.Duration) bool {
	return now.Sub(r.LastUpdated) > expiry
}

// OnlineAt applies the read-side online heuristic.
func (r PresenceRecord) OnlineAt(now time.Time, window time.Duration) bool {
	return r.IsOnline && now.Sub(r.LastUpdated) <= window
}

// Record is a raw keyed store entry.
type Record struct {
	Key   string
	Value []byte
}

// PositionSource yields raw position samples. Subscribe must not invoke
// onSample synchronously from within the Subscribe call.
type PositionSource interface {
	RequestPermission(ctx context.Context) (bool, error)
	Subscribe(ctx context.Context, opts SampleOptions, onSample func(PositionSample)) (func(), error)
	GetOne(ctx context.Context) (PositionSample, error)
}

// KeyedStore is the durable keyed store with change notification.
// SubscribeCollection delivers the full collection, sorted by key, on every
// change and returns an idempotent unsubscribe function.
type KeyedStore interface {
	Put(ctx context.Context, collection, key string, value []byte) error
	Delete(ctx context.Context, collection, key string) error
	Get(ctx context.Context, collection, key string) (Record, error)
	SubscribeCollection(ctx context.Context, collection string, onChange func([]Record)) (func(), error)
}

// Writer is the fire-and-forget write side used by the detectors and the
// broadcaster. Failures are handled by the implementation.
type Writer interface {
	Put(collection, key string, record any)
	Delete(collection, key string)
}

// ZoneCatalog provides the named zones.
type ZoneCatalog interface {
	Zones(ctx context.Context) ([]Zone, error)
	Subscribe(onChange func([]Zone)) func()
}

// EventPublisher exports locally detected activity events.
type EventPublisher interface {
	Publish(ctx context.Context, event ActivityEvent) error
}
