// Package config loads the presenced configuration: struct defaults, then an
// optional YAML file, then FESTIVO_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/example/festivo/internal/http/middleware"
	"github.com/example/festivo/internal/location"
	"github.com/example/festivo/internal/outbox"
	"github.com/example/festivo/internal/presence/broadcast"
	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/dwell"
	"github.com/example/festivo/internal/presence/engine"
	"github.com/example/festivo/internal/presence/feed"
	"github.com/example/festivo/internal/presence/group"
	"github.com/example/festivo/internal/presence/sampler"
	"github.com/example/festivo/internal/store"
)

const (
	// PathEnvVar names the YAML file to load.
	PathEnvVar = "CONFIG_PATH"
	envPrefix  = "FESTIVO_"
)

type Config struct {
	Service   ServiceConfig       `koanf:"service"`
	HTTP      HTTPConfig          `koanf:"http"`
	GRPC      GRPCConfig          `koanf:"grpc"`
	Subject   broadcast.Identity  `koanf:"subject"`
	Tracking  TrackingConfig      `koanf:"tracking"`
	Dwell     DwellConfig         `koanf:"dwell"`
	Group     GroupConfig         `koanf:"group"`
	Broadcast BroadcastConfig     `koanf:"broadcast"`
	Feed      FeedConfig          `koanf:"feed"`
	Store     StoreConfig         `koanf:"store"`
	NATS      NATSConfig          `koanf:"nats"`
	Postgres  PostgresConfig      `koanf:"postgres"`
	Outbox    outbox.WorkerConfig `koanf:"outbox"`
	Zones     []ZoneConfig        `koanf:"zones" validate:"dive"`
}

type ServiceConfig struct {
	Name            string        `koanf:"name" validate:"required"`
	LogLevel        string        `koanf:"log_level"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type HTTPConfig struct {
	Addr           string                `koanf:"addr" validate:"required"`
	ReadTimeout    time.Duration         `koanf:"read_timeout"`
	WriteTimeout   time.Duration         `koanf:"write_timeout"`
	ReadRateLimit  middleware.RateConfig `koanf:"read_rate_limit"`
	WriteRateLimit middleware.RateConfig `koanf:"write_rate_limit"`
}

type GRPCConfig struct {
	Addr          string  `koanf:"addr" validate:"required"`
	RatePerSecond float64 `koanf:"rate_per_second" validate:"gte=0"`
	Burst         int     `koanf:"burst" validate:"gte=0"`
}

type TrackingConfig struct {
	AutoStart                 bool          `koanf:"auto_start"`
	Background                bool          `koanf:"background"`
	StationaryThresholdMeters float64       `koanf:"stationary_threshold_meters" validate:"gt=0"`
	ZoneProximityMeters       float64       `koanf:"zone_proximity_meters" validate:"gte=0"`
	StationaryTimeout         time.Duration `koanf:"stationary_timeout" validate:"gt=0"`
	ForcedActiveWindow        time.Duration `koanf:"forced_active_window" validate:"gt=0"`
	ActiveInterval            time.Duration `koanf:"active_interval" validate:"gt=0"`
	ActiveMinDistanceMeters   float64       `koanf:"active_min_distance_meters" validate:"gte=0"`
	EconomyInterval           time.Duration `koanf:"economy_interval" validate:"gtfield=ActiveInterval"`
	EconomyMinDistanceMeters  float64       `koanf:"economy_min_distance_meters" validate:"gte=0"`
}

type DwellConfig struct {
	Threshold time.Duration `koanf:"threshold" validate:"gt=0"`
}

type GroupConfig struct {
	MinSize       int           `koanf:"min_size" validate:"gte=2"`
	Threshold     time.Duration `koanf:"threshold" validate:"gt=0"`
	Cooldown      time.Duration `koanf:"cooldown" validate:"gt=0"`
	Expiry        time.Duration `koanf:"expiry" validate:"gt=0"`
	OnlineWindow  time.Duration `koanf:"online_window" validate:"gt=0"`
	EligibleKinds []string      `koanf:"eligible_kinds" validate:"min=1"`
}

type BroadcastConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
	Sharing  bool          `koanf:"sharing"`
}

type FeedConfig struct {
	MaxItems     int           `koanf:"max_items" validate:"gt=0"`
	BufferSize   int           `koanf:"buffer_size" validate:"gt=0"`
	ZoneCooldown time.Duration `koanf:"zone_cooldown" validate:"gte=0"`
}

type StoreConfig struct {
	RedisAddr     string             `koanf:"redis_addr"`
	RedisPassword string             `koanf:"redis_password"`
	RedisDB       int                `koanf:"redis_db"`
	RedisPrefix   string             `koanf:"redis_prefix"`
	BadgerPath    string             `koanf:"badger_path"`
	Writer        store.WriterConfig `koanf:"writer"`
	Breaker       BreakerConfig      `koanf:"breaker"`
}

type BreakerConfig struct {
	MaxRequests      uint32        `koanf:"max_requests"`
	Interval         time.Duration `koanf:"interval"`
	Timeout          time.Duration `koanf:"timeout"`
	FailureThreshold uint32        `koanf:"failure_threshold"`
}

type NATSConfig struct {
	URL string `koanf:"url"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

// ZoneConfig seeds the zone catalog.
type ZoneConfig struct {
	ID           string  `koanf:"id" validate:"required"`
	Name         string  `koanf:"name"`
	Kind         string  `koanf:"kind" validate:"required"`
	Lat          float64 `koanf:"lat" validate:"latitude"`
	Lng          float64 `koanf:"lng" validate:"longitude"`
	RadiusMeters float64 `koanf:"radius_meters" validate:"gt=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Service: ServiceConfig{Name: "presenced", LogLevel: "info", ShutdownTimeout: 10 * time.Second},
		HTTP:    HTTPConfig{Addr: ":8080", ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second},
		GRPC:    GRPCConfig{Addr: ":9090", RatePerSecond: 1, Burst: 5},
		Tracking: TrackingConfig{
			StationaryThresholdMeters: 25,
			ZoneProximityMeters:       100,
			StationaryTimeout:         3 * time.Minute,
			ForcedActiveWindow:        2 * time.Minute,
			ActiveInterval:            10 * time.Second,
			ActiveMinDistanceMeters:   10,
			EconomyInterval:           60 * time.Second,
			EconomyMinDistanceMeters:  50,
		},
		Dwell: DwellConfig{Threshold: 5 * time.Minute},
		Group: GroupConfig{
			MinSize:       3,
			Threshold:     10 * time.Minute,
			Cooldown:      time.Hour,
			Expiry:        10 * time.Minute,
			OnlineWindow:  4 * time.Minute,
			EligibleKinds: []string{"stage", "bar", "food", "camp", "hq"},
		},
		Broadcast: BroadcastConfig{Interval: 2 * time.Minute},
		Feed:      FeedConfig{MaxItems: 50, BufferSize: 100, ZoneCooldown: 30 * time.Minute},
		Store: StoreConfig{
			RedisPrefix: "festivo",
			Writer:      store.WriterConfig{Buffer: 256, Timeout: 5 * time.Second, RetryMax: 3, Backoff: 100 * time.Millisecond},
			Breaker:     BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: 30 * time.Second, FailureThreshold: 5},
		},
		Outbox: outbox.WorkerConfig{PollInterval: 200 * time.Millisecond, BatchSize: 100, RetryMax: 3},
	}
}

// Load layers defaults, the file named by CONFIG_PATH (when set) and the
// environment, then validates the result.
func Load() (Config, error) {
	return LoadFrom(os.Getenv(PathEnvVar))
}

func LoadFrom(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if raw, ok := k.Get("group.eligible_kinds").(string); ok {
		if err := k.Set("group.eligible_kinds", splitList(raw)); err != nil {
			return Config{}, fmt.Errorf("set group.eligible_kinds: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps FESTIVO_GROUP__MIN_SIZE to group.min_size.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %s", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Zones))
	for _, z := range c.Zones {
		if _, dup := seen[z.ID]; dup {
			return fmt.Errorf("invalid config: duplicate zone %q", z.ID)
		}
		seen[z.ID] = struct{}{}
	}
	if c.Subject.SubjectID == "" {
		return errors.New("invalid config: subject.subject_id is required")
	}
	return nil
}

// Engine converts the tracking sections into engine settings.
func (c Config) Engine() engine.Config {
	kinds := make([]domain.ZoneKind, 0, len(c.Group.EligibleKinds))
	for _, k := range c.Group.EligibleKinds {
		kinds = append(kinds, domain.ZoneKind(k))
	}
	return engine.Config{
		Identity: c.Subject,
		Sampler: sampler.Config{
			StationaryThresholdMeters: c.Tracking.StationaryThresholdMeters,
			ZoneProximityMeters:       c.Tracking.ZoneProximityMeters,
			StationaryTimeout:         c.Tracking.StationaryTimeout,
			ForcedActiveWindow:        c.Tracking.ForcedActiveWindow,
			Active:                    domain.SampleOptions{Interval: c.Tracking.ActiveInterval, MinDistanceMeters: c.Tracking.ActiveMinDistanceMeters},
			Economy:                   domain.SampleOptions{Interval: c.Tracking.EconomyInterval, MinDistanceMeters: c.Tracking.EconomyMinDistanceMeters},
		},
		Dwell: dwell.Config{Threshold: c.Dwell.Threshold},
		Group: group.Config{
			MinGroupSize:  c.Group.MinSize,
			Threshold:     c.Group.Threshold,
			Cooldown:      c.Group.Cooldown,
			Expiry:        c.Group.Expiry,
			OnlineWindow:  c.Group.OnlineWindow,
			EligibleKinds: kinds,
		},
		Broadcast: broadcast.Config{Interval: c.Broadcast.Interval},
		Feed: feed.Config{
			MaxItems:     c.Feed.MaxItems,
			BufferSize:   c.Feed.BufferSize,
			ZoneCooldown: c.Feed.ZoneCooldown,
		},
	}
}

// Breaker returns the circuit breaker settings for the shared store.
func (c Config) Breaker() store.BreakerConfig {
	return store.BreakerConfig{
		Name:             "store",
		MaxRequests:      c.Store.Breaker.MaxRequests,
		Interval:         c.Store.Breaker.Interval,
		Timeout:          c.Store.Breaker.Timeout,
		FailureThreshold: c.Store.Breaker.FailureThreshold,
	}
}

// LocationServer returns the ingest throttling settings.
func (c Config) LocationServer() location.ServerConfig {
	return location.ServerConfig{RatePerSecond: c.GRPC.RatePerSecond, Burst: c.GRPC.Burst}
}

// ZoneSeed converts the configured zones, preserving their order.
func (c Config) ZoneSeed() []domain.Zone {
	out := make([]domain.Zone, 0, len(c.Zones))
	for _, z := range c.Zones {
		out = append(out, domain.Zone{
			ID:           z.ID,
			Name:         z.Name,
			Kind:         domain.ZoneKind(z.Kind),
			Center:       domain.GeoPoint{Lat: z.Lat, Lng: z.Lng},
			RadiusMeters: z.RadiusMeters,
		})
	}
	return out
}
