// Package resolve maps (entity type, identity fields) to stable entity ids.
//
// Resolution is a pure function of its inputs: identity values are
// canonicalised (lower-cased, NFC normalised, whitespace collapsed) and
// hashed together with the entity type. Two payloads with different
// identity fields resolve to different entities; nothing here merges.
package resolve

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/truthlayer/internal/ir"
)

// ErrEmptyIdentity is returned when no identity field carries a value.
var ErrEmptyIdentity = errors.New("identity has no fields")

// ErrInvalidEntityID is returned for an explicit entity id of the wrong shape.
var ErrInvalidEntityID = errors.New("invalid entity id")

var entityIDPattern = regexp.MustCompile(`^ent_[0-9a-f]{32}$`)

// reserved keys never take part in identity.
var reserved = map[string]bool{
	"entity_type":       true,
	"entity_id":         true,
	"source_priority":   true,
	"specificity_score": true,
}

// Resolve returns the entity id for entityType and identity.
func Resolve(entityType string, identity ir.Object) (string, error) {
	if entityType == "" {
		return "", fmt.Errorf("resolve: %w: empty entity type", ErrEmptyIdentity)
	}
	canon := Canonicalize(identity)
	if len(canon) == 0 {
		return "", fmt.Errorf("resolve %s: %w", entityType, ErrEmptyIdentity)
	}
	id, err := ir.EntityID(entityType, canon)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", entityType, err)
	}
	return id, nil
}

// Canonicalize returns the normalised form of identity used for hashing.
// Null values are dropped.
func Canonicalize(identity ir.Object) ir.Object {
	folder := cases.Lower(language.Und)
	out := make(ir.Object, len(identity))
	for k, v := range identity {
		if isNull(v) {
			continue
		}
		out[k] = canonicalValue(folder, v)
	}
	return out
}

func canonicalValue(folder cases.Caser, v ir.Value) ir.Value {
	switch val := v.(type) {
	case ir.String:
		return ir.String(normalizeText(folder, string(val)))
	case ir.Array:
		arr := make(ir.Array, len(val))
		for i, elem := range val {
			arr[i] = canonicalValue(folder, elem)
		}
		return arr
	case ir.Object:
		obj := make(ir.Object, len(val))
		for k, elem := range val {
			obj[k] = canonicalValue(folder, elem)
		}
		return obj
	default:
		return v
	}
}

func normalizeText(folder cases.Caser, s string) string {
	s = norm.NFC.String(s)
	s = folder.String(s)
	s = strings.Join(strings.Fields(s), " ")
	// Lower-casing can denormalise some sequences.
	return norm.NFC.String(s)
}

// IdentityOf selects the identity fields of fields according to def.
// Declared identity fields that are present win; when none are present,
// every scalar field is used.
func IdentityOf(def ir.SchemaDefinition, fields ir.Object) ir.Object {
	out := ir.Object{}
	for _, name := range def.Identity {
		if v, ok := fields[name]; ok && !isNull(v) {
			out[name] = v
		}
	}
	if len(out) > 0 {
		return out
	}
	for k, v := range fields {
		if reserved[k] {
			continue
		}
		switch v.(type) {
		case ir.String, ir.Int, ir.Decimal, ir.Bool:
			out[k] = v
		}
	}
	return out
}

// ValidEntityID reports whether id has the shape of a resolved entity id.
func ValidEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

// CheckEntityID returns ErrInvalidEntityID when id is malformed.
func CheckEntityID(id string) error {
	if !ValidEntityID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidEntityID, id)
	}
	return nil
}

func isNull(v ir.Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(ir.Null)
	return ok
}
