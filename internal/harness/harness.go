package harness

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/interpret"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/store"
	"github.com/roach88/truthlayer/internal/testutil"
)

// DefaultCaller is the caller id of scenarios that do not name one.
const DefaultCaller = "scenario"

// Harness runs one scenario against a real engine over a fresh store.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	caller string

	// refs maps step names to the ids their results carry.
	refs map[string]stepRefs
	// aliases maps entity ids to stable names in first-seen order.
	aliases map[string]string
	order   map[string]int
}

type stepRefs struct {
	entities     []string
	source       string
	relationship string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database under a temporary directory.
// A deterministic clock and key generator make results reproducible.
//
// Execution flow:
// 1. Open a fresh store and bootstrap the engine with built-in and scenario schemas
// 2. Execute steps in order, checking each step's expectation
// 3. Capture the final state
// 4. Evaluate assertions
//
// A returned error means the scenario could not be run at all. Failed
// expectations and assertions are reported in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "truth-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "truth.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open scenario store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewDeterministicClock()
	eng, err := engine.New(st,
		engine.WithTimeSource(clock),
		engine.WithKeyGenerator(testutil.NewSequentialKeyGenerator("scenario-key")),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if _, err := eng.Bootstrap(ctx, scenario.Schemas...); err != nil {
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}

	h := &Harness{
		store:   st,
		engine:  eng,
		caller:  cmp.Or(scenario.Caller, DefaultCaller),
		refs:    make(map[string]stepRefs),
		aliases: make(map[string]string),
		order:   make(map[string]int),
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		rec, err := h.execute(ctx, step)
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%d] (%s): %v", i, step.Op, err))
		}
		result.AddStep(rec)
	}

	state, err := h.captureState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture final state: %w", err)
	}
	result.State = state

	for _, msg := range h.evaluateAssertions(ctx, scenario.Assertions, result) {
		result.AddError(msg)
	}
	return result, nil
}

// execute runs one step and checks its expectation. The returned error
// describes an unmet expectation or an unresolvable reference.
func (h *Harness) execute(ctx context.Context, step Step) (StepRecord, error) {
	rec := StepRecord{Op: step.Op, As: step.As}

	refs, outcome, err := h.dispatch(ctx, step)
	var refErr *referenceError
	if errors.As(err, &refErr) {
		return rec, refErr
	}

	rec.Outcome = string(outcome)
	if err != nil {
		rec.Error = string(engine.CodeOf(err))
		if rec.Error == "" {
			rec.Error = "INTERNAL"
		}
	}
	for _, id := range refs.entities {
		rec.Entities = append(rec.Entities, h.alias(id))
	}
	if step.As != "" {
		h.refs[step.As] = refs
	}
	return rec, h.checkExpect(ctx, step, rec, refs, err)
}

func (h *Harness) dispatch(ctx context.Context, step Step) (stepRefs, engine.Outcome, error) {
	switch step.Op {
	case OpStore, OpCorrect:
		entities, err := h.entityPayload(step.Entities)
		if err != nil {
			return stepRefs{}, "", err
		}
		req := engine.StoreRequest{CallerID: h.caller, IdempotencyKey: step.Key, Entities: entities}
		var res engine.StoreResult
		if step.Op == OpStore {
			res, err = h.engine.Store(ctx, req)
		} else {
			res, err = h.engine.Correct(ctx, req)
		}
		refs := stepRefs{source: res.SourceID}
		for _, ent := range res.Entities {
			refs.entities = append(refs.entities, ent.EntityID)
		}
		return refs, res.Outcome, err

	case OpIngest:
		res, err := h.engine.Ingest(ctx, engine.IngestRequest{
			CallerID:       h.caller,
			IdempotencyKey: step.Key,
			Content:        []byte(step.Content),
			FileName:       step.FileName,
			MimeType:       step.MimeType,
			Interpret:      step.Interpret,
			Config:         interpret.Config{DefaultEntityType: step.DefaultEntityType},
		})
		return ingestRefs(res), res.Outcome, err

	case OpReinterpret:
		sourceID, err := h.resolve(step.Source, "source")
		if err != nil {
			return stepRefs{}, "", err
		}
		res, err := h.engine.Reinterpret(ctx, engine.ReinterpretRequest{
			CallerID:       h.caller,
			IdempotencyKey: step.Key,
			SourceID:       sourceID,
			Config:         interpret.Config{DefaultEntityType: step.DefaultEntityType},
		})
		return ingestRefs(res), res.Outcome, err

	default:
		from, err := h.resolve(step.From, "entity")
		if err != nil {
			return stepRefs{}, "", err
		}
		to, err := h.resolve(step.To, "entity")
		if err != nil {
			return stepRefs{}, "", err
		}
		var metadata ir.Object
		if step.Metadata != nil {
			if metadata, err = toObject(step.Metadata); err != nil {
				return stepRefs{}, "", &referenceError{msg: fmt.Sprintf("metadata: %v", err)}
			}
		}
		req := engine.RelationshipRequest{
			CallerID:         h.caller,
			IdempotencyKey:   step.Key,
			RelationshipType: step.Type,
			SourceEntityID:   from,
			TargetEntityID:   to,
			Metadata:         metadata,
		}
		var res engine.RelationshipResult
		switch step.Op {
		case OpCreateRelationship:
			res, err = h.engine.CreateRelationship(ctx, req)
		case OpDeleteRelationship:
			res, err = h.engine.DeleteRelationship(ctx, req)
		default:
			res, err = h.engine.RestoreRelationship(ctx, req)
		}
		refs := stepRefs{source: res.SourceID, relationship: res.RelationshipID}
		if res.RelationshipID != "" {
			refs.entities = []string{from, to}
		}
		return refs, res.Outcome, err
	}
}

func ingestRefs(res engine.IngestResult) stepRefs {
	refs := stepRefs{source: res.SourceID}
	for _, ent := range res.Entities {
		refs.entities = append(refs.entities, ent.EntityID)
	}
	return refs
}

// entityPayload converts decoded YAML entities, resolving entity_id
// references.
func (h *Harness) entityPayload(raw []map[string]any) ([]ir.Object, error) {
	out := make([]ir.Object, 0, len(raw))
	for i, m := range raw {
		obj, err := toObject(m)
		if err != nil {
			return nil, &referenceError{msg: fmt.Sprintf("entities[%d]: %v", i, err)}
		}
		if ref, ok := obj[engine.KeyEntityID].(ir.String); ok {
			id, err := h.resolve(string(ref), "entity")
			if err != nil {
				return nil, err
			}
			obj[engine.KeyEntityID] = ir.String(id)
		}
		out = append(out, obj)
	}
	return out, nil
}

func toObject(m map[string]any) (ir.Object, error) {
	v, err := ir.FromAny(m)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %s", ir.Kind(v))
	}
	return obj, nil
}

// referenceError is a step that could not be issued.
type referenceError struct{ msg string }

func (e *referenceError) Error() string { return e.msg }

// resolve turns "@name.kind[.N]" into an id. Anything else is returned
// unchanged so scenarios can also use literal ids.
func (h *Harness) resolve(ref, want string) (string, error) {
	name, ok := refName(ref)
	if !ok {
		return ref, nil
	}
	refs, ok := h.refs[name]
	if !ok {
		return "", &referenceError{msg: fmt.Sprintf("reference %q: no step named %q has run", ref, name)}
	}
	parts := strings.Split(ref[1:], ".")
	kind := want
	if len(parts) > 1 {
		kind = parts[1]
	}
	if kind != want {
		return "", &referenceError{msg: fmt.Sprintf("reference %q: expected a %s reference", ref, want)}
	}

	switch kind {
	case "entity":
		idx := 0
		if len(parts) > 2 {
			n, err := strconv.Atoi(parts[2])
			if err != nil || n < 0 {
				return "", &referenceError{msg: fmt.Sprintf("reference %q: bad index", ref)}
			}
			idx = n
		}
		if idx >= len(refs.entities) {
			return "", &referenceError{msg: fmt.Sprintf("reference %q: step produced %d entities", ref, len(refs.entities))}
		}
		return refs.entities[idx], nil
	case "source":
		if refs.source == "" {
			return "", &referenceError{msg: fmt.Sprintf("reference %q: step produced no source", ref)}
		}
		return refs.source, nil
	case "relationship":
		if refs.relationship == "" {
			return "", &referenceError{msg: fmt.Sprintf("reference %q: step produced no relationship", ref)}
		}
		return refs.relationship, nil
	}
	return "", &referenceError{msg: fmt.Sprintf("reference %q: unknown kind %q", ref, kind)}
}

// alias returns the stable name of an entity id, assigning the next one
// on first sight.
func (h *Harness) alias(id string) string {
	if a, ok := h.aliases[id]; ok {
		return a
	}
	n := len(h.aliases) + 1
	a := fmt.Sprintf("entity-%d", n)
	h.aliases[id] = a
	h.order[id] = n
	return a
}

// captureState reads the final store content through the engine's read
// side. Entities the steps never reported are aliased in id order.
func (h *Harness) captureState(ctx context.Context) (State, error) {
	state := NewResult().State

	ids, err := h.store.ListEntityIDs(ctx)
	if err != nil {
		return state, err
	}
	for _, id := range ids {
		h.alias(id)
	}
	slices.SortFunc(ids, func(a, b string) int { return cmp.Compare(h.order[a], h.order[b]) })

	for _, id := range ids {
		view, err := h.engine.GetEntity(ctx, id)
		if err != nil {
			return state, err
		}
		snap := view.Snapshot
		state.Entities = append(state.Entities, EntityState{
			Alias:         h.alias(id),
			EntityType:    snap.EntityType,
			SchemaVersion: snap.SchemaVersion,
			Fields:        snap.Fields,
			Observations:  len(snap.ContributingObservationIDs),
		})
	}

	relIDs, err := h.store.ListRelationshipIDs(ctx)
	if err != nil {
		return state, err
	}
	for _, id := range relIDs {
		snap, err := h.engine.GetRelationship(ctx, id)
		if err != nil {
			return state, err
		}
		state.Relationships = append(state.Relationships, RelationshipState{
			Type:         snap.RelationshipType,
			From:         h.alias(snap.SourceEntityID),
			To:           h.alias(snap.TargetEntityID),
			Deleted:      snap.Deleted,
			Contributing: len(snap.ContributingObservationIDs),
		})
	}
	slices.SortFunc(state.Relationships, func(a, b RelationshipState) int {
		return cmp.Or(
			compareAliases(a.From, b.From),
			compareAliases(a.To, b.To),
			strings.Compare(a.Type, b.Type),
		)
	})

	events, err := h.engine.ListTimeline(ctx, store.TimelineFilter{})
	if err != nil {
		return state, err
	}
	for _, ev := range events {
		state.Timeline = append(state.Timeline, TimelineState{
			Entity:    h.alias(ev.EntityID),
			EventType: ev.EventType,
			EventDate: ev.EventDate,
		})
	}
	slices.SortFunc(state.Timeline, func(a, b TimelineState) int {
		return cmp.Or(
			strings.Compare(a.EventDate, b.EventDate),
			compareAliases(a.Entity, b.Entity),
			strings.Compare(a.EventType, b.EventType),
		)
	})
	return state, nil
}

// compareAliases orders "entity-N" names numerically.
func compareAliases(a, b string) int {
	na, _ := strconv.Atoi(strings.TrimPrefix(a, "entity-"))
	nb, _ := strconv.Atoi(strings.TrimPrefix(b, "entity-"))
	return cmp.Compare(na, nb)
}
