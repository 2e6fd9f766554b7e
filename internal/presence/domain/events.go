package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventDwell          EventKind = "dwell"
	EventGroupFormation EventKind = "group_formation"
	EventExternal       EventKind = "external"
)

type DwellAction string

const (
	DwellEntered DwellAction = "entered"
	DwellLeft    DwellAction = "left"
)

// ActivityEvent is the tagged union consumed by the feed. Which fields are
// set depends on Kind:
//   - dwell: SubjectID, ZoneID, ZoneName, Action
//   - group_formation: ZoneID, ZoneName, MemberIDs
//   - external: ExternalKind, SubjectID (optional), Payload
//
// Events are immutable once created.
type ActivityEvent struct {
	ID           string         `json:"id"`
	Kind         EventKind      `json:"kind"`
	Timestamp    time.Time      `json:"timestamp"`
	SubjectID    string         `json:"subject_id,omitempty"`
	ZoneID       string         `json:"zone_id,omitempty"`
	ZoneName     string         `json:"zone_name,omitempty"`
	Action       DwellAction    `json:"action,omitempty"`
	MemberIDs    []string       `json:"member_ids,omitempty"`
	ExternalKind string         `json:"external_kind,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// groupNamespace scopes deterministic group event ids.
var groupNamespace = uuid.MustParse("6f1c7f0e-4d55-4c9a-9d1b-6a3c1e0b2f41")

func NewDwellEvent(subjectID string, zone Zone, action DwellAction, at time.Time) ActivityEvent {
	return ActivityEvent{
		ID:        uuid.NewString(),
		Kind:      EventDwell,
		Timestamp: at,
		SubjectID: subjectID,
		ZoneID:    zone.ID,
		ZoneName:  zone.Name,
		Action:    action,
	}
}

// NewGroupEvent builds a group formation event. The id is derived from the
// zone, the member combination and the start bucket so that every device
// detecting the same group produces the same id.
func NewGroupEvent(zone Zone, members []string, startedAt time.Time, bucket time.Duration, at time.Time) ActivityEvent {
	sorted := SortedMembers(members)
	start := startedAt
	if bucket > 0 {
		start = startedAt.Truncate(bucket)
	}
	name := zone.ID + "|" + strings.Join(sorted, ",") + "|" + start.UTC().Format(time.RFC3339)
	return ActivityEvent{
		ID:        uuid.NewSHA1(groupNamespace, []byte(name)).String(),
		Kind:      EventGroupFormation,
		Timestamp: at,
		ZoneID:    zone.ID,
		ZoneName:  zone.Name,
		MemberIDs: sorted,
	}
}

func NewExternalEvent(kind, subjectID string, payload map[string]any, at time.Time) ActivityEvent {
	return ActivityEvent{
		ID:           uuid.NewString(),
		Kind:         EventExternal,
		Timestamp:    at,
		SubjectID:    subjectID,
		ExternalKind: kind,
		Payload:      payload,
	}
}

// SortedMembers returns a sorted, de-duplicated copy of ids.
func SortedMembers(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SameMembers compares two sorted member sets.
func SameMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
