package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/truthlayer/internal/compiler"
	"github.com/roach88/truthlayer/internal/interpret"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/schema"
	"github.com/roach88/truthlayer/internal/store"
)

// Engine is the truth layer's request processor.
//
// Every mutating request passes the same gates in order: the idempotency
// controller (per caller and key), the source store, interpretation when
// asked for, the per-entity lock, and finally one store transaction that
// appends observations, recomputes the affected snapshots and timelines,
// and records the request outcome. Nothing is queued: a call returns once
// its effects are committed or rolled back.
//
// Thread-safety model:
//   - every exported method is safe for concurrent use
//   - requests touching disjoint entities proceed in parallel
//   - requests touching a shared entity serialize on that entity's lock
//
// INVARIANTS:
//   - observations, relationship observations, sources and fragments are
//     only ever appended
//   - a snapshot is always the reduction of the observations committed with it
//   - one (caller, key) yields one recorded outcome
type Engine struct {
	provider    store.Provider
	schemas     *schema.Registry
	extractors  *interpret.Registry
	interpreter *interpret.Engine
	clock       *Clock
	keys        KeyGenerator
	logger      *slog.Logger
	metrics     *metrics.Metrics

	idemLocks   *lockTable // (caller, idempotency key)
	entityLocks *lockTable // entity and relationship ids

	lockTimeout      time.Duration
	interpretTimeout time.Duration
	priorities       Priorities
	replayWorkers    int
}

// Priorities are the default source priorities per observation kind.
// Correction must exceed the other two.
type Priorities struct {
	Structured  int64
	Interpreted int64
	Correction  int64
}

// DefaultPriorities are used unless WithPriorities is given.
var DefaultPriorities = Priorities{Structured: 100, Interpreted: 50, Correction: 1000}

const (
	// DefaultLockTimeout bounds waits on idempotency and entity locks.
	DefaultLockTimeout = 5 * time.Second
	// DefaultInterpretTimeout bounds one interpretation run.
	DefaultInterpretTimeout = 30 * time.Second
	// DefaultReplayWorkers bounds Replay's parallelism.
	DefaultReplayWorkers = 4

	// structuredSpecificity is the specificity of structured observations.
	structuredSpecificity = 100
)

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithTimeSource sets the time source behind the engine clock.
func WithTimeSource(src TimeSource) EngineOption {
	return func(e *Engine) { e.clock = NewClock(src) }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the collectors. Default: nil, which records nothing.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithExtractors replaces the extractor registry.
// Default: interpret.DefaultRegistry().
func WithExtractors(r *interpret.Registry) EngineOption {
	return func(e *Engine) { e.extractors = r }
}

// WithLockTimeout bounds every lock wait.
func WithLockTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.lockTimeout = d }
}

// WithInterpretTimeout bounds each interpretation run.
func WithInterpretTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.interpretTimeout = d }
}

// WithPriorities sets the per-kind default source priorities.
func WithPriorities(p Priorities) EngineOption {
	return func(e *Engine) { e.priorities = p }
}

// WithKeyGenerator sets the generator for keyless relationship requests.
func WithKeyGenerator(g KeyGenerator) EngineOption {
	return func(e *Engine) { e.keys = g }
}

// WithReplayWorkers bounds Replay's parallelism.
func WithReplayWorkers(n int) EngineOption {
	return func(e *Engine) { e.replayWorkers = n }
}

// New creates an Engine over provider.
func New(provider store.Provider, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		provider:         provider,
		clock:            NewClock(nil),
		keys:             UUIDv7Generator{},
		logger:           slog.Default(),
		idemLocks:        newLockTable(),
		entityLocks:      newLockTable(),
		lockTimeout:      DefaultLockTimeout,
		interpretTimeout: DefaultInterpretTimeout,
		priorities:       DefaultPriorities,
		replayWorkers:    DefaultReplayWorkers,
	}
	for _, opt := range opts {
		opt(e)
	}

	p := e.priorities
	if p.Correction <= p.Structured || p.Correction <= p.Interpreted {
		return nil, fmt.Errorf("correction priority %d must exceed structured %d and interpreted %d",
			p.Correction, p.Structured, p.Interpreted)
	}
	if e.replayWorkers < 1 {
		e.replayWorkers = 1
	}
	if e.extractors == nil {
		e.extractors = interpret.DefaultRegistry()
	}

	e.schemas = schema.NewRegistry(provider,
		schema.WithClock(e.clock.Now),
		schema.WithLogger(e.logger))
	e.interpreter = interpret.NewEngine(e.extractors,
		interpret.WithTimeout(e.interpretTimeout),
		interpret.WithClock(e.clock.Now),
		interpret.WithLogger(e.logger))
	return e, nil
}

// Schemas returns the schema registry the engine validates against.
func (e *Engine) Schemas() *schema.Registry {
	return e.schemas
}

// Metrics returns the engine's collectors (possibly nil).
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Bootstrap loads the built-in schemas, then the .cue files of each dir
// in order. Later versions of a type are activated; loading the same
// files again changes nothing.
func (e *Engine) Bootstrap(ctx context.Context, dirs ...string) (schema.LoadResult, error) {
	defs, err := compiler.Builtin()
	if err != nil {
		return schema.LoadResult{}, fmt.Errorf("built-in schemas: %w", err)
	}
	for _, dir := range dirs {
		more, err := compiler.CompileDir(dir)
		if err != nil {
			return schema.LoadResult{}, fmt.Errorf("schemas in %s: %w", dir, err)
		}
		defs = append(defs, more...)
	}
	return e.LoadSchemas(ctx, defs)
}

// LoadSchemas registers defs and activates those newer than the active
// version of their type.
func (e *Engine) LoadSchemas(ctx context.Context, defs []ir.SchemaDefinition) (schema.LoadResult, error) {
	res, err := e.schemas.Load(ctx, defs)
	if err != nil {
		return schema.LoadResult{}, e.classify(err)
	}
	e.logger.Info("schemas loaded",
		"registered", len(res.Registered),
		"activated", len(res.Activated))
	return res, nil
}

// Outcome is the concrete result of a mutating request.
type Outcome string

const (
	// OutcomeCreated: the request's effects were committed by this call.
	OutcomeCreated Outcome = "created"
	// OutcomeDeduplicated: an earlier call with the same key committed;
	// its recorded result is returned unchanged.
	OutcomeDeduplicated Outcome = "deduplicated"
	// OutcomeFailed: the source was stored but interpretation failed.
	OutcomeFailed Outcome = "failed"
)
