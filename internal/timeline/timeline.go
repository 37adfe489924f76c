// Package timeline projects schema-declared date fields into timeline events.
//
// Only fields a schema declares with type date produce events. Values are
// never scanned for dates heuristically, and free text never yields one.
// Events are a projection of an entity's snapshot: every recompute replaces
// the entity's events, so a corrected date moves its event instead of adding
// a second one.
package timeline

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/truthlayer/internal/ir"
)

// dateLayouts are the accepted input layouts, tried in order.
var dateLayouts = []struct {
	layout   string
	dateOnly bool
}{
	{"2006-01-02", true},
	{time.RFC3339Nano, false}, // also accepts RFC 3339 without fractional seconds
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
}

// NormalizeDate parses s under the accepted layouts. Date-only input is
// returned as 2006-01-02; anything with a time of day is rendered in
// ir.TimeLayout, so normalised dates sort lexically in time order. Layouts
// without a zone are read as UTC.
func NormalizeDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, l := range dateLayouts {
		t, err := time.Parse(l.layout, s)
		if err != nil {
			continue
		}
		if l.dateOnly {
			return t.Format("2006-01-02"), nil
		}
		return ir.FormatTime(t), nil
	}
	return "", fmt.Errorf("%q is not a recognised date", s)
}

// IsDateFieldName reports whether a field name conventionally holds a date.
// Schema inference types a field as date only when the name matches and the
// value parses.
func IsDateFieldName(name string) bool {
	return name == "date" ||
		strings.HasSuffix(name, "_date") ||
		strings.HasSuffix(name, "_at") ||
		strings.HasSuffix(name, "_on")
}

// EventType names the events projected from field of entityType.
func EventType(entityType, field string) string {
	return entityType + "." + field
}

// Derive returns the events obs contributes to snap. It returns nothing
// when the field is not declared as a date in def, or when obs did not
// contribute to the snapshot's current value (a later observation won).
// A merge_array date field yields one event per date in the value.
func Derive(def ir.SchemaDefinition, snap ir.EntitySnapshot, obs ir.Observation) []ir.TimelineEvent {
	field, ok := def.Field(obs.Field)
	if !ok || field.Type != ir.FieldDate {
		return nil
	}
	if !slices.Contains(snap.Provenance[obs.Field], obs.ID) {
		return nil
	}

	var events []ir.TimelineEvent
	for _, date := range dates(obs.Value) {
		events = append(events, ir.TimelineEvent{
			ID:                   ir.TimelineEventID(snap.EntityID, obs.Field, date),
			EntityID:             snap.EntityID,
			EntityType:           snap.EntityType,
			EventType:            EventType(snap.EntityType, obs.Field),
			Field:                obs.Field,
			EventDate:            date,
			SourceObservationIDs: []string{obs.ID},
		})
	}
	return events
}

// Project derives the complete event set for an entity from its snapshot
// and the observations it was reduced from. Events deriving from several
// observations (the same date observed twice under merge_array) are merged
// and list every contributor in observation order. The result is sorted by
// (event_date, event_type, id).
func Project(def ir.SchemaDefinition, snap ir.EntitySnapshot, observations []ir.Observation) []ir.TimelineEvent {
	byID := make(map[string]*ir.TimelineEvent)
	var order []string
	for _, obs := range observations {
		for _, ev := range Derive(def, snap, obs) {
			if existing, ok := byID[ev.ID]; ok {
				if !slices.Contains(existing.SourceObservationIDs, obs.ID) {
					existing.SourceObservationIDs = append(existing.SourceObservationIDs, obs.ID)
				}
				continue
			}
			byID[ev.ID] = &ev
			order = append(order, ev.ID)
		}
	}

	events := make([]ir.TimelineEvent, 0, len(order))
	for _, id := range order {
		events = append(events, *byID[id])
	}
	slices.SortFunc(events, func(a, b ir.TimelineEvent) int {
		if c := strings.Compare(a.EventDate, b.EventDate); c != 0 {
			return c
		}
		if c := strings.Compare(a.EventType, b.EventType); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return events
}

// dates extracts normalised dates from a date field value: a string, or an
// array of strings for merge_array fields. Unparseable entries are skipped;
// validation keeps them out of observations in the first place.
func dates(v ir.Value) []string {
	var out []string
	add := func(v ir.Value) {
		s, ok := v.(ir.String)
		if !ok {
			return
		}
		d, err := NormalizeDate(string(s))
		if err != nil || slices.Contains(out, d) {
			return
		}
		out = append(out, d)
	}

	if arr, ok := v.(ir.Array); ok {
		for _, elem := range arr {
			add(elem)
		}
		return out
	}
	add(v)
	return out
}
