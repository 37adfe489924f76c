// Package interpret runs schema-bound extraction over stored sources.
//
// Extraction strategies are pluggable through the Extractor interface; the
// package ships rule-based extractors for JSON, YAML, key/value text and
// CSV. Whatever the strategy, every candidate passes through the same
// validate-then-emit boundary in Engine.Run: a candidate that does not fit
// the active schema of its entity type becomes a RawFragment, never a
// silent drop.
package interpret

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/roach88/truthlayer/internal/ir"
)

// MIME types handled by the built-in extractors.
const (
	MIMEJSON = "application/json"
	MIMEYAML = "application/yaml"
	MIMEText = "text/plain"
	MIMECSV  = "text/csv"
)

// EntityTypeKey is the payload key naming a candidate group's entity type.
const EntityTypeKey = "entity_type"

// LineKey is the raw key of a text line that held no field.
const LineKey = "_line"

// Candidate is one extracted (entity type, field, value) with confidence.
// Candidates sharing a Group describe the same entity.
type Candidate struct {
	EntityType string
	Field      string
	Value      ir.Value
	Confidence int // 0-100
	Group      int
	// Reason, when set, marks input the extractor could not read as a
	// field. The candidate is kept as a raw fragment with this reason.
	Reason string
}

// Config parameterises a run. It is recorded verbatim on the run.
type Config struct {
	// DefaultEntityType is used for groups that do not name a type.
	DefaultEntityType string `json:"default_entity_type,omitempty"`
	// Confidence assigned by rule-based extractors. Zero means 100.
	Confidence int               `json:"confidence,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
}

// Canonical returns the canonical JSON form of c.
func (c Config) Canonical() (string, error) {
	opts := make(ir.Object, len(c.Options))
	for k, v := range c.Options {
		opts[k] = ir.String(v)
	}
	b, err := ir.MarshalCanonical(ir.Object{
		"default_entity_type": ir.String(c.DefaultEntityType),
		"confidence":          ir.Int(c.Confidence),
		"options":             opts,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c Config) confidence() int {
	if c.Confidence <= 0 || c.Confidence > 100 {
		return 100
	}
	return c.Confidence
}

// Extractor turns raw bytes into candidates.
type Extractor interface {
	Name() string
	Supports(mimeType string) bool
	Extract(ctx context.Context, data []byte, mimeType string, cfg Config) ([]Candidate, error)
}

// Registry selects an extractor by MIME type.
type Registry struct {
	extractors []Extractor
}

// NewRegistry returns a registry trying extractors in the given order.
func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// DefaultRegistry returns a registry with the built-in rule-based extractors.
func DefaultRegistry() *Registry {
	return NewRegistry(JSONExtractor{}, YAMLExtractor{}, CSVExtractor{}, TextExtractor{})
}

// Register appends e. Earlier registrations win for shared MIME types.
func (r *Registry) Register(e Extractor) {
	r.extractors = append(r.extractors, e)
}

// For returns the first extractor supporting mimeType.
func (r *Registry) For(mimeType string) (Extractor, error) {
	base := BaseMIME(mimeType)
	for _, e := range r.extractors {
		if e.Supports(base) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no extractor for mime type %q", mimeType)
}

// BaseMIME strips parameters and lower-cases a MIME type.
func BaseMIME(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

var extensionTypes = map[string]string{
	".json": MIMEJSON,
	".yaml": MIMEYAML,
	".yml":  MIMEYAML,
	".txt":  MIMEText,
	".text": MIMEText,
	".md":   MIMEText,
	".csv":  MIMECSV,
}

// DetectMIME guesses a MIME type from a file name, falling back to
// application/octet-stream.
func DetectMIME(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return BaseMIME(t)
	}
	return "application/octet-stream"
}
