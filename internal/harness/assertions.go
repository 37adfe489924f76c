package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Steps    []StepRecord // Executed steps for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Steps) > 0 {
		fmt.Fprintf(&buf, "\nSteps:\n")
		for i, step := range e.Steps {
			status := step.Outcome
			if step.Error != "" {
				status = step.Error
			}
			fmt.Fprintf(&buf, "  [%d] %s %s\n", i+1, step.Op, status)
		}
	}
	return buf.String()
}

// checkExpect compares a step's record with its expectation. A step
// without one must succeed with outcome "created".
func (h *Harness) checkExpect(ctx context.Context, step Step, rec StepRecord, refs stepRefs, err error) error {
	want := step.Expect
	if want == nil {
		want = &Expect{}
	}

	if want.Error != "" {
		if rec.Error != want.Error {
			return fmt.Errorf("expected error %s, got %s", want.Error, describe(rec, err))
		}
		if want.Outcome != "" && rec.Outcome != want.Outcome {
			return fmt.Errorf("expected outcome %s, got %q", want.Outcome, rec.Outcome)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("unexpected error: %v", err)
	}

	outcome := want.Outcome
	if outcome == "" {
		outcome = string(engine.OutcomeCreated)
	}
	if rec.Outcome != outcome {
		return fmt.Errorf("expected outcome %s, got %s", outcome, rec.Outcome)
	}

	if want.Entities != nil && len(refs.entities) != *want.Entities {
		return fmt.Errorf("expected %d entities, got %d", *want.Entities, len(refs.entities))
	}

	if len(want.Fields) > 0 {
		if len(refs.entities) == 0 {
			return fmt.Errorf("expected fields but the step produced no entity")
		}
		view, err := h.engine.GetEntity(ctx, refs.entities[0])
		if err != nil {
			return err
		}
		if err := matchFields(view.Snapshot.Fields, want.Fields); err != nil {
			return err
		}
	}

	if want.Fragments != nil {
		frags, err := h.engine.ListRawFragments(ctx, refs.source)
		if err != nil {
			return err
		}
		if len(frags) != *want.Fragments {
			return fmt.Errorf("expected %d fragments, got %d", *want.Fragments, len(frags))
		}
	}

	if want.Deleted != nil {
		snap, err := h.engine.GetRelationship(ctx, refs.relationship)
		if err != nil {
			return err
		}
		if snap.Deleted != *want.Deleted {
			return fmt.Errorf("expected deleted=%t, got %t", *want.Deleted, snap.Deleted)
		}
	}
	return nil
}

func describe(rec StepRecord, err error) string {
	if err == nil {
		return fmt.Sprintf("success (%s)", rec.Outcome)
	}
	return err.Error()
}

// matchFields checks that actual holds every expected field with an equal
// value (subset semantics).
func matchFields(actual ir.Object, expected map[string]any) error {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		want, err := ir.FromAny(expected[k])
		if err != nil {
			return fmt.Errorf("field %s: %w", k, err)
		}
		got, ok := actual[k]
		if !ok {
			return fmt.Errorf("field %s: missing", k)
		}
		if !ir.Equal(got, want) {
			return fmt.Errorf("field %s: expected %s, got %s",
				k, ir.MustMarshalCanonical(want), ir.MustMarshalCanonical(got))
		}
	}
	return nil
}

// assertRowCount checks the number of rows in a store table.
func (h *Harness) assertRowCount(ctx context.Context, a Assertion) error {
	if !validIdentifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name: %q", a.Table)
	}
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", a.Table)
	if err := h.store.DB().QueryRowContext(ctx, query).Scan(&n); err != nil {
		return fmt.Errorf("failed to count %s: %w", a.Table, err)
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows in %s", *a.Count, a.Table),
			Actual:   fmt.Sprintf("%d rows", n),
		}
	}
	return nil
}

func (h *Harness) assertSnapshot(ctx context.Context, a Assertion) error {
	id, err := h.resolve(a.Entity, "entity")
	if err != nil {
		return err
	}
	view, err := h.engine.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	if err := matchFields(view.Snapshot.Fields, a.Fields); err != nil {
		return &AssertionError{
			Type:     AssertSnapshot,
			Expected: fmt.Sprintf("%s to match", a.Entity),
			Actual:   err.Error(),
		}
	}
	return nil
}

func (h *Harness) assertObservations(ctx context.Context, a Assertion) error {
	id, err := h.resolve(a.Entity, "entity")
	if err != nil {
		return err
	}
	observations, err := h.engine.ListObservations(ctx, id)
	if err != nil {
		return err
	}
	n := 0
	for _, obs := range observations {
		if a.Field == "" || obs.Field == a.Field {
			n++
		}
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     AssertObservations,
			Expected: fmt.Sprintf("%d observations of %s%s", *a.Count, a.Entity, fieldSuffix(a.Field)),
			Actual:   fmt.Sprintf("%d observations", n),
		}
	}
	return nil
}

func (h *Harness) assertTimeline(ctx context.Context, a Assertion) error {
	id, err := h.resolve(a.Entity, "entity")
	if err != nil {
		return err
	}
	events, err := h.engine.ListTimeline(ctx, store.TimelineFilter{EntityID: id})
	if err != nil {
		return err
	}
	n := 0
	for _, ev := range events {
		if a.Field == "" || ev.Field == a.Field {
			n++
		}
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     AssertTimeline,
			Expected: fmt.Sprintf("%d timeline events for %s%s", *a.Count, a.Entity, fieldSuffix(a.Field)),
			Actual:   fmt.Sprintf("%d events", n),
		}
	}
	return nil
}

func (h *Harness) assertRelationship(ctx context.Context, a Assertion) error {
	id, err := h.resolve(a.Relationship, "relationship")
	if err != nil {
		return err
	}
	snap, err := h.engine.GetRelationship(ctx, id)
	if err != nil {
		return err
	}
	if a.Deleted != nil && snap.Deleted != *a.Deleted {
		return &AssertionError{
			Type:     AssertRelationship,
			Expected: fmt.Sprintf("%s deleted=%t", a.Relationship, *a.Deleted),
			Actual:   fmt.Sprintf("deleted=%t", snap.Deleted),
		}
	}
	if a.Contributing != nil && len(snap.ContributingObservationIDs) != *a.Contributing {
		return &AssertionError{
			Type:     AssertRelationship,
			Expected: fmt.Sprintf("%s with %d contributing observations", a.Relationship, *a.Contributing),
			Actual:   fmt.Sprintf("%d", len(snap.ContributingObservationIDs)),
		}
	}
	return nil
}

func (h *Harness) assertReplayClean(ctx context.Context) error {
	report, err := h.engine.Replay(ctx)
	if err != nil {
		return err
	}
	if !report.OK() {
		var kinds []string
		for _, m := range report.Mismatches {
			kinds = append(kinds, m.Kind+" "+m.ID)
		}
		return &AssertionError{
			Type:     AssertReplayClean,
			Expected: "no replay mismatches",
			Actual:   strings.Join(kinds, ", "),
		}
	}
	return nil
}

func fieldSuffix(field string) string {
	if field == "" {
		return ""
	}
	return "." + field
}

// evaluateAssertions runs all assertions against the final state.
// Returns a list of error messages (empty if all pass).
func (h *Harness) evaluateAssertions(ctx context.Context, assertions []Assertion, result *Result) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertRowCount:
			err = h.assertRowCount(ctx, a)
		case AssertSnapshot:
			err = h.assertSnapshot(ctx, a)
		case AssertObservations:
			err = h.assertObservations(ctx, a)
		case AssertTimeline:
			err = h.assertTimeline(ctx, a)
		case AssertRelationship:
			err = h.assertRelationship(ctx, a)
		case AssertReplayClean:
			err = h.assertReplayClean(ctx)
		case AssertPrinciples:
			if violations := CheckPrinciples(ctx, h.store, h.engine); len(violations) > 0 {
				err = &AssertionError{
					Type:     AssertPrinciples,
					Expected: "no principle violations",
					Actual:   strings.Join(violations.Messages(), "; "),
				}
			}
		default:
			err = fmt.Errorf("unknown assertion type: %s", a.Type)
		}
		if err != nil {
			if ae, ok := err.(*AssertionError); ok {
				ae.Steps = result.Steps
			}
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
