package zones

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/geo"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks a zone's identity and geometry.
func Validate(z domain.Zone) error {
	if !geo.ValidRadius(z.RadiusMeters) {
		return fmt.Errorf("%w: zone %q radius %v", domain.ErrInvalidZoneGeometry, z.ID, z.RadiusMeters)
	}
	if err := getValidator().Struct(z); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: zone %q field %s failed %s", domain.ErrInvalidZoneGeometry, z.ID, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: zone %q: %v", domain.ErrInvalidZoneGeometry, z.ID, err)
	}
	return nil
}

// Usable returns the zones that pass Validate, in catalog order. Rejected
// zones are logged and skipped.
func Usable(zones []domain.Zone, logger *zap.Logger) []domain.Zone {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]domain.Zone, 0, len(zones))
	for _, z := range zones {
		if err := Validate(z); err != nil {
			invalidZones.Inc()
			logger.Warn("skipping zone", zap.String("zone_id", z.ID), zap.Error(err))
			continue
		}
		out = append(out, z)
	}
	return out
}

// Resolve returns the first zone in catalog order containing p. Overlapping
// zones are resolved by that order.
func Resolve(p domain.GeoPoint, zones []domain.Zone) (domain.Zone, bool) {
	for _, z := range zones {
		if geo.Contains(z, p) {
			return z, true
		}
	}
	return domain.Zone{}, false
}

// Resolver remembers the last resolved zone and reports changes.
type Resolver struct {
	mu      sync.Mutex
	zones   []domain.Zone
	current domain.ZoneMembership
	logger  *zap.Logger
}

func NewResolver(zones []domain.Zone, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{zones: Usable(zones, logger), logger: logger}
}

// SetZones swaps the catalog. The new set applies from the next sample on.
func (r *Resolver) SetZones(zones []domain.Zone) {
	usable := Usable(zones, r.logger)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones = usable
}

// Observe resolves sample and returns a change when the zone differs from the
// previous call.
func (r *Resolver) Observe(subjectID string, sample domain.PositionSample) (domain.ZoneChange, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	zone, ok := Resolve(sample.Point, r.zones)
	next := ""
	if ok {
		next = zone.ID
	}
	if next == r.current.ZoneID {
		return domain.ZoneChange{}, false
	}
	change := domain.ZoneChange{
		SubjectID: subjectID,
		Previous:  r.current.ZoneID,
		Current:   next,
		At:        sample.Timestamp,
	}
	if ok {
		z := zone
		change.Zone = &z
	}
	r.current = domain.ZoneMembership{ZoneID: next, Since: sample.Timestamp}
	zoneChanges.Inc()
	r.logger.Debug("zone changed", zap.String("subject_id", subjectID), zap.String("from", change.Previous), zap.String("to", change.Current))
	return change, true
}

// Current returns the membership from the last resolution.
func (r *Resolver) Current() domain.ZoneMembership {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Zone looks up a zone by id in the current catalog.
func (r *Resolver) Zone(id string) (domain.Zone, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, z := range r.zones {
		if z.ID == id {
			return z, true
		}
	}
	return domain.Zone{}, false
}

// Reset forgets the last resolution.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = domain.ZoneMembership{}
}
