package interpret

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/schema"
)

// runNamespace seeds name-based run ids.
var runNamespace = uuid.MustParse("6f1c2a52-8d3e-4c55-9a0e-2f7b64d1c9a1")

// RunID derives the id of the run over sourceID for trigger. The same
// trigger always names the same run, so a retried request cannot create a
// second run.
func RunID(sourceID, trigger string) string {
	return uuid.NewSHA1(runNamespace, []byte(sourceID+"\x00"+trigger)).String()
}

// SchemaSource supplies the active schema for an entity type, inferring
// one for types seen for the first time.
type SchemaSource interface {
	EnsureActive(ctx context.Context, entityType string, fields ir.Object) (ir.SchemaDefinition, error)
}

// Failure reports a run that produced no observations. The source stays
// persisted; the run is recorded as failed.
type Failure struct {
	SourceID string
	RunID    string
	TimedOut bool
	Err      error
}

func (f *Failure) Error() string {
	if f.TimedOut {
		return fmt.Sprintf("interpretation of %s timed out (run %s)", f.SourceID, f.RunID)
	}
	return fmt.Sprintf("interpretation of %s failed (run %s): %v", f.SourceID, f.RunID, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Entity is one accepted candidate group: a single entity's validated
// fields under the schema captured for the run.
type Entity struct {
	EntityType string
	Group      int
	Schema     ir.SchemaDefinition
	Fields     []Field
}

// Field is one validated candidate. Ordinal is the candidate's position in
// the extractor output and keeps observation ids stable.
type Field struct {
	Name       string
	Value      ir.Value
	Confidence int
	Ordinal    int64
}

// Object returns the entity's fields as an object. For repeated fields the
// last candidate wins; use Fields for the full list.
func (e Entity) Object() ir.Object {
	obj := make(ir.Object, len(e.Fields))
	for _, f := range e.Fields {
		obj[f.Name] = f.Value
	}
	return obj
}

// Outcome is the result of one run.
type Outcome struct {
	Run       ir.InterpretationRun
	Entities  []Entity
	Fragments []ir.RawFragment
}

// Engine runs extraction and enforces the validate-then-emit boundary.
// It performs no persistence.
type Engine struct {
	registry *Registry
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout bounds each run. Zero disables the deadline.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithClock sets the time source for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an engine selecting extractors from registry.
func NewEngine(registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		timeout:  30 * time.Second,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run interprets data (the bytes of src). The returned Outcome always
// carries the run record; on failure its status is failed and the error is
// a *Failure.
func (e *Engine) Run(ctx context.Context, src ir.Source, data []byte, trigger string, cfg Config, schemas SchemaSource) (Outcome, error) {
	run, err := e.Start(src, trigger, cfg)
	if err != nil {
		return Outcome{}, err
	}
	return e.Execute(ctx, run, src, data, cfg, schemas)
}

// Start builds the record of a run in the running state, so it can be
// persisted before extraction begins.
func (e *Engine) Start(src ir.Source, trigger string, cfg Config) (ir.InterpretationRun, error) {
	cfgJSON, err := cfg.Canonical()
	if err != nil {
		return ir.InterpretationRun{}, fmt.Errorf("interpret: config: %w", err)
	}
	run := ir.InterpretationRun{
		ID:             RunID(src.ID, trigger),
		SourceID:       src.ID,
		Trigger:        trigger,
		Config:         cfgJSON,
		SchemaVersions: map[string]int{},
		Status:         ir.RunRunning,
		StartedAt:      e.now().UTC(),
	}
	if ex, err := e.registry.For(src.MimeType); err == nil {
		run.Extractor = ex.Name()
	}
	return run, nil
}

// Execute performs a run started with Start.
func (e *Engine) Execute(ctx context.Context, run ir.InterpretationRun, src ir.Source, data []byte, cfg Config, schemas SchemaSource) (Outcome, error) {
	if run.SchemaVersions == nil {
		run.SchemaVersions = map[string]int{}
	}

	fail := func(err error) (Outcome, error) {
		run.Status = ir.RunFailed
		run.Error = err.Error()
		done := e.now().UTC()
		run.CompletedAt = &done
		f := &Failure{SourceID: src.ID, RunID: run.ID, Err: err}
		f.TimedOut = errors.Is(err, context.DeadlineExceeded)
		e.logger.Warn("interpretation failed",
			"source_id", src.ID, "run_id", run.ID, "timed_out", f.TimedOut, "error", err)
		return Outcome{Run: run}, f
	}

	extractor, err := e.registry.For(src.MimeType)
	if err != nil {
		return fail(err)
	}
	run.Extractor = extractor.Name()

	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	candidates, err := extract(runCtx, extractor, data, src.MimeType, cfg)
	if err != nil {
		return fail(err)
	}

	// Capture each entity type's schema once, before any validation.
	schemasByType, err := e.captureSchemas(runCtx, candidates, schemas)
	if err != nil {
		return fail(err)
	}
	for t, def := range schemasByType {
		run.SchemaVersions[t] = def.Version
	}

	out := Outcome{}
	groups := map[int]*Entity{}
	for i, c := range candidates {
		ordinal := int64(i)
		if c.Reason != "" {
			frag, err := fragment(src.ID, run.ID, c, ordinal, c.Reason, e.now())
			if err != nil {
				return fail(err)
			}
			out.Fragments = append(out.Fragments, frag)
			continue
		}
		def, ok := schemasByType[c.EntityType]
		if !ok {
			reason := "no entity type"
			if c.EntityType != "" {
				reason = fmt.Sprintf("entity type %q has no usable schema", c.EntityType)
			}
			frag, err := fragment(src.ID, run.ID, c, ordinal, reason, e.now())
			if err != nil {
				return fail(err)
			}
			out.Fragments = append(out.Fragments, frag)
			continue
		}
		value, verr := schema.Validate(def, c.Field, c.Value)
		if verr != nil {
			frag, err := fragment(src.ID, run.ID, c, ordinal, verr.Error(), e.now())
			if err != nil {
				return fail(err)
			}
			out.Fragments = append(out.Fragments, frag)
			continue
		}
		ent, ok := groups[c.Group]
		if !ok {
			ent = &Entity{EntityType: c.EntityType, Group: c.Group, Schema: def}
			groups[c.Group] = ent
		}
		ent.Fields = append(ent.Fields, Field{
			Name:       c.Field,
			Value:      value,
			Confidence: clampConfidence(c.Confidence),
			Ordinal:    ordinal,
		})
	}

	keys := make([]int, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	slices.Sort(keys)
	for _, g := range keys {
		out.Entities = append(out.Entities, *groups[g])
	}

	run.Status = ir.RunSucceeded
	done := e.now().UTC()
	run.CompletedAt = &done
	out.Run = run

	e.logger.Debug("interpretation finished",
		"source_id", src.ID, "run_id", run.ID, "extractor", run.Extractor,
		"entities", len(out.Entities), "fragments", len(out.Fragments))
	return out, nil
}

// extract runs the extractor under ctx. An extractor that ignores
// cancellation is abandoned when the deadline passes.
func extract(ctx context.Context, ex Extractor, data []byte, mimeType string, cfg Config) ([]Candidate, error) {
	type result struct {
		candidates []Candidate
		err        error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := ex.Extract(ctx, data, BaseMIME(mimeType), cfg)
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%s extractor: %w", ex.Name(), r.err)
		}
		return r.candidates, nil
	}
}

func (e *Engine) captureSchemas(ctx context.Context, candidates []Candidate, schemas SchemaSource) (map[string]ir.SchemaDefinition, error) {
	fieldsByType := map[string]ir.Object{}
	var order []string
	for _, c := range candidates {
		if c.EntityType == "" || c.Reason != "" {
			continue
		}
		obj, ok := fieldsByType[c.EntityType]
		if !ok {
			obj = ir.Object{}
			fieldsByType[c.EntityType] = obj
			order = append(order, c.EntityType)
		}
		if _, seen := obj[c.Field]; !seen {
			obj[c.Field] = c.Value
		}
	}
	slices.Sort(order)

	out := make(map[string]ir.SchemaDefinition, len(order))
	for _, t := range order {
		def, err := schemas.EnsureActive(ctx, t, fieldsByType[t])
		if err != nil {
			var verr *schema.ValidationError
			if errors.As(err, &verr) {
				// An unusable type name is the candidate's problem, not the
				// run's: its candidates become fragments.
				continue
			}
			return nil, fmt.Errorf("schema for %s: %w", t, err)
		}
		out[t] = def
	}
	return out, nil
}

func fragment(sourceID, runID string, c Candidate, ordinal int64, reason string, now time.Time) (ir.RawFragment, error) {
	value := c.Value
	if value == nil {
		value = ir.Null{}
	}
	id, err := ir.FragmentID(sourceID, runID, c.EntityType, c.Field, value, ordinal)
	if err != nil {
		return ir.RawFragment{}, err
	}
	return ir.RawFragment{
		ID:         id,
		SourceID:   sourceID,
		RunID:      runID,
		EntityType: c.EntityType,
		RawKey:     c.Field,
		RawValue:   value,
		Reason:     reason,
		CreatedAt:  now.UTC(),
	}, nil
}

func clampConfidence(c int) int {
	return min(max(c, 0), 100)
}
