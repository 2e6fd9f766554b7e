package feed

import (
	"time"

	"github.com/example/festivo/internal/presence/domain"
)

// Balance throttles noisy categories in a feed already sorted newest first.
// It only removes entries; the relative order of what remains is unchanged.
//
// External events always pass. A group event is dropped when an event kept
// earlier in the pass for the same zone lies within cooldown of it. Dwell
// events use twice that window, and twice again for a zone once a group
// event for it has passed.
func Balance(events []domain.ActivityEvent, cooldown time.Duration) []domain.ActivityEvent {
	out := make([]domain.ActivityEvent, 0, len(events))
	lastKept := make(map[string]time.Time)
	groupShown := make(map[string]bool)

	for _, e := range events {
		if e.Kind == domain.EventExternal || e.ZoneID == "" {
			out = append(out, e)
			continue
		}
		window := cooldown
		switch e.Kind {
		case domain.EventGroupFormation:
		case domain.EventDwell:
			window = 2 * cooldown
			if groupShown[e.ZoneID] {
				window *= 2
			}
		default:
			out = append(out, e)
			continue
		}
		if kept, ok := lastKept[e.ZoneID]; ok && kept.Sub(e.Timestamp) < window {
			continue
		}
		out = append(out, e)
		lastKept[e.ZoneID] = e.Timestamp
		if e.Kind == domain.EventGroupFormation {
			groupShown[e.ZoneID] = true
		}
	}
	return out
}
