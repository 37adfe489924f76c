// Package schema is the registry of versioned entity schemas.
//
// Every entity type has append-only versions and at most one active
// version. Unknown entity types are not rejected: on first use a minimal
// schema is inferred from the observed fields, registered with
// Inferred=true and activated. Inferred schemas grow as new fields appear
// and can be promoted to curated schemas, which are never extended
// implicitly.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/truthlayer/internal/compiler"
	"github.com/roach88/truthlayer/internal/ir"
	"github.com/roach88/truthlayer/internal/store"
)

// ErrNotFound is returned when an entity type or version is unknown.
var ErrNotFound = errors.New("schema not found")

// identityCandidates are tried in order when inferring identity fields.
var identityCandidates = []string{"external_id", "id", "email", "name", "title"}

// Registry reads and writes schema definitions through a store provider.
type Registry struct {
	provider store.Provider
	now      func() time.Time
	logger   *slog.Logger
	group    singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry returns a registry backed by provider.
func NewRegistry(provider store.Provider, opts ...Option) *Registry {
	r := &Registry{
		provider: provider,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetActive returns the active version of entityType.
func (r *Registry) GetActive(ctx context.Context, entityType string) (ir.SchemaDefinition, error) {
	def, err := r.provider.GetActiveSchema(ctx, entityType)
	if err != nil {
		return ir.SchemaDefinition{}, notFound(err, "%s has no active schema", entityType)
	}
	return def, nil
}

// Get returns one version of entityType.
func (r *Registry) Get(ctx context.Context, entityType string, version int) (ir.SchemaDefinition, error) {
	def, err := r.provider.GetSchema(ctx, entityType, version)
	if err != nil {
		return ir.SchemaDefinition{}, notFound(err, "%s v%d", entityType, version)
	}
	return def, nil
}

// List returns the active version of every entity type.
func (r *Registry) List(ctx context.Context) ([]ir.SchemaDefinition, error) {
	return r.provider.ListSchemas(ctx)
}

// Versions returns every version of entityType, oldest first.
func (r *Registry) Versions(ctx context.Context, entityType string) ([]ir.SchemaDefinition, error) {
	return r.provider.ListSchemaVersions(ctx, entityType)
}

// Register appends a version. Registering an identical definition again is
// a no-op; a different definition under an existing version is a
// ValidationError. The new version is not activated.
func (r *Registry) Register(ctx context.Context, def ir.SchemaDefinition) error {
	if err := checkDefinition(def); err != nil {
		return err
	}
	return r.provider.Update(ctx, func(w store.Writer) error {
		return r.register(ctx, w, def)
	})
}

func (r *Registry) register(ctx context.Context, w store.Writer, def ir.SchemaDefinition) error {
	def.SortFields()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = r.now()
	}

	existing, err := w.GetSchema(ctx, def.EntityType, def.Version)
	switch {
	case err == nil:
		if ir.SchemaHash(existing) != ir.SchemaHash(def) {
			return &ValidationError{
				EntityType: def.EntityType,
				Reason:     fmt.Sprintf("version %d is already registered with a different definition", def.Version),
			}
		}
		return nil
	case !store.IsNotFound(err):
		return fmt.Errorf("register schema: %w", err)
	}

	if _, err := w.InsertSchema(ctx, def); err != nil {
		return err
	}
	r.logger.Debug("schema registered", "entity_type", def.EntityType, "version", def.Version, "inferred", def.Inferred)
	return nil
}

// Activate makes version the only active version of entityType, in one
// transaction.
func (r *Registry) Activate(ctx context.Context, entityType string, version int) error {
	err := r.provider.Update(ctx, func(w store.Writer) error {
		return w.ActivateSchema(ctx, entityType, version)
	})
	if err != nil {
		return notFound(err, "%s v%d", entityType, version)
	}
	r.logger.Info("schema activated", "entity_type", entityType, "version", version)
	return nil
}

// LoadResult reports what Load did with each definition.
type LoadResult struct {
	Registered []ir.SchemaDefinition
	Activated  []ir.SchemaDefinition
}

// Load registers defs and activates each one that is newer than the
// type's active version (or whose type has none). It is used for the
// built-in schemas and for schema files, and is safe to repeat.
func (r *Registry) Load(ctx context.Context, defs []ir.SchemaDefinition) (LoadResult, error) {
	result := LoadResult{
		Registered: []ir.SchemaDefinition{},
		Activated:  []ir.SchemaDefinition{},
	}
	for _, def := range defs {
		if err := checkDefinition(def); err != nil {
			return result, err
		}
	}

	err := r.provider.Update(ctx, func(w store.Writer) error {
		for _, def := range defs {
			if err := r.register(ctx, w, def); err != nil {
				return err
			}
			result.Registered = append(result.Registered, def)

			active, err := w.GetActiveSchema(ctx, def.EntityType)
			if err != nil && !store.IsNotFound(err) {
				return err
			}
			if err == nil && active.Version >= def.Version {
				continue
			}
			if err := w.ActivateSchema(ctx, def.EntityType, def.Version); err != nil {
				return err
			}
			result.Activated = append(result.Activated, def)
		}
		return nil
	})
	if err != nil {
		return LoadResult{}, err
	}
	return result, nil
}

// EnsureActive returns the active schema for entityType, inferring or
// extending one when needed:
//   - unknown type: a minimal inferred schema covering fields is created
//   - inferred schema missing some of fields: a new inferred version
//     extending it is created
//   - curated schema: returned as is; undeclared fields are the caller's
//     to preserve as raw fragments
//
// Concurrent calls for the same type share one registry write.
// Fields whose names cannot be declared are ignored.
func (r *Registry) EnsureActive(ctx context.Context, entityType string, fields ir.Object) (ir.SchemaDefinition, error) {
	if !compiler.ValidEntityType(entityType) {
		return ir.SchemaDefinition{}, &ValidationError{
			EntityType: entityType,
			Reason:     "entity type must be a lower snake_case identifier",
		}
	}

	// A collapsed call may have been made for another caller's fields, so
	// re-check coverage and go again if ours are still missing.
	for attempt := 0; attempt < 3; attempt++ {
		active, err := r.provider.GetActiveSchema(ctx, entityType)
		switch {
		case err == nil:
			if !active.Inferred || len(missingFields(active, fields)) == 0 {
				return active, nil
			}
		case !store.IsNotFound(err):
			return ir.SchemaDefinition{}, fmt.Errorf("ensure schema: %w", err)
		}

		_, err, _ = r.group.Do(entityType, func() (any, error) {
			return nil, r.provider.Update(ctx, func(w store.Writer) error {
				return r.inferInTx(ctx, w, entityType, fields)
			})
		})
		if err != nil {
			return ir.SchemaDefinition{}, err
		}
	}
	return r.GetActive(ctx, entityType)
}

// inferInTx re-reads the active schema inside the transaction and writes a
// new inferred version if fields are still not covered.
func (r *Registry) inferInTx(ctx context.Context, w store.Writer, entityType string, fields ir.Object) error {
	versions, err := w.ListSchemaVersions(ctx, entityType)
	if err != nil {
		return err
	}

	var active *ir.SchemaDefinition
	for i := range versions {
		if versions[i].Active {
			active = &versions[i]
		}
	}

	var def ir.SchemaDefinition
	switch {
	case active == nil:
		def = Infer(entityType, fields)
	case !active.Inferred:
		return nil
	default:
		missing := missingFields(*active, fields)
		if len(missing) == 0 {
			return nil
		}
		def = extend(*active, fields, missing)
	}
	if len(def.Fields) == 0 {
		return &ValidationError{EntityType: entityType, Reason: "no declarable fields to infer a schema from"}
	}

	def.Version = len(versions) + 1
	if n := len(versions); n > 0 && versions[n-1].Version >= def.Version {
		def.Version = versions[n-1].Version + 1
	}
	def.CreatedAt = r.now()

	if err := r.register(ctx, w, def); err != nil {
		return err
	}
	if err := w.ActivateSchema(ctx, entityType, def.Version); err != nil {
		return err
	}
	r.logger.Info("schema inferred",
		"entity_type", entityType,
		"version", def.Version,
		"fields", len(def.Fields))
	return nil
}

// Promote registers the active inferred schema as a new curated version and
// activates it.
func (r *Registry) Promote(ctx context.Context, entityType string) (ir.SchemaDefinition, error) {
	var promoted ir.SchemaDefinition
	err := r.provider.Update(ctx, func(w store.Writer) error {
		active, err := w.GetActiveSchema(ctx, entityType)
		if err != nil {
			return err
		}
		if !active.Inferred {
			return &ValidationError{EntityType: entityType, Reason: fmt.Sprintf("active version %d is already curated", active.Version)}
		}
		versions, err := w.ListSchemaVersions(ctx, entityType)
		if err != nil {
			return err
		}

		promoted = active
		promoted.Version = versions[len(versions)-1].Version + 1
		promoted.Inferred = false
		promoted.Active = false
		promoted.CreatedAt = r.now()
		if err := r.register(ctx, w, promoted); err != nil {
			return err
		}
		return w.ActivateSchema(ctx, entityType, promoted.Version)
	})
	if err != nil {
		return ir.SchemaDefinition{}, notFound(err, "%s has no active schema", entityType)
	}
	promoted.Active = true
	r.logger.Info("schema promoted", "entity_type", entityType, "version", promoted.Version)
	return promoted, nil
}

// Infer builds a minimal version-less schema covering fields.
func Infer(entityType string, fields ir.Object) ir.SchemaDefinition {
	def := ir.SchemaDefinition{
		EntityType: entityType,
		Identity:   []string{},
		Fields:     []ir.FieldDef{},
		Inferred:   true,
	}
	for _, name := range fields.SortedKeys() {
		if !compiler.ValidFieldName(name) {
			continue
		}
		def.Fields = append(def.Fields, inferField(name, fields[name]))
	}
	def.SortFields()

	for _, candidate := range identityCandidates {
		if f, ok := def.Field(candidate); ok && isScalar(f.Type) {
			def.Identity = []string{candidate}
			break
		}
	}
	return def
}

func extend(active ir.SchemaDefinition, fields ir.Object, missing []string) ir.SchemaDefinition {
	def := active
	def.Active = false
	def.Fields = append([]ir.FieldDef(nil), active.Fields...)
	for _, name := range missing {
		def.Fields = append(def.Fields, inferField(name, fields[name]))
	}
	def.SortFields()
	return def
}

func inferField(name string, value ir.Value) ir.FieldDef {
	t := inferType(name, value)
	policy := ir.LastWrite
	if t == ir.FieldArray {
		policy = ir.MergeArray
	}
	return ir.FieldDef{Name: name, Type: t, Policy: policy}
}

// missingFields lists declarable names in fields that def does not declare.
func missingFields(def ir.SchemaDefinition, fields ir.Object) []string {
	var missing []string
	for _, name := range fields.SortedKeys() {
		if !compiler.ValidFieldName(name) {
			continue
		}
		if _, ok := def.Field(name); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func isScalar(t ir.FieldType) bool {
	switch t {
	case ir.FieldString, ir.FieldInt, ir.FieldDecimal, ir.FieldBool, ir.FieldDate:
		return true
	}
	return false
}

// checkDefinition runs the static definition checks and folds them into
// one ValidationError.
func checkDefinition(def ir.SchemaDefinition) error {
	errs := compiler.Validate(def)
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{EntityType: def.EntityType, Reason: errors.Join(toErrors(errs)...).Error()}
}

func toErrors(errs []compiler.ValidationError) []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

// notFound maps store.ErrNotFound to ErrNotFound and passes other errors
// through.
func notFound(err error, format string, args ...any) error {
	if store.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
