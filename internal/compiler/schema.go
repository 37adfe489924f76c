package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/truthlayer/internal/ir"
)

// CompileSchema parses a CUE value into a SchemaDefinition.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the schema struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`schema: contact: { version: 1, ... }`)
//	def, err := CompileSchema(v.LookupPath(cue.ParsePath("schema.contact")))
//
// A field is either a type name (`name: "string"`) or a struct
// (`tags: {type: "array", policy: "merge_array", required: false}`).
// The result is not validated; call Validate before registering it.
func CompileSchema(v cue.Value) (*ir.SchemaDefinition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &ir.SchemaDefinition{
		Identity: []string{},
		Fields:   []ir.FieldDef{},
	}

	// Entity type comes from the struct label
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		def.EntityType = labels[len(labels)-1].Unquoted()
	}

	versionVal := v.LookupPath(cue.ParsePath("version"))
	if !versionVal.Exists() {
		return nil, &CompileError{
			Field:   "version",
			Message: "version is required",
			Pos:     v.Pos(),
		}
	}
	version, err := versionVal.Int64()
	if err != nil {
		return nil, formatCUEError(err)
	}
	def.Version = int(version)

	if descVal := v.LookupPath(cue.ParsePath("description")); descVal.Exists() {
		desc, err := descVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		def.Description = desc
	}

	def.Identity, err = parseIdentity(v)
	if err != nil {
		return nil, err
	}

	def.Fields, err = parseFields(v)
	if err != nil {
		return nil, err
	}
	if len(def.Fields) == 0 {
		return nil, &CompileError{
			Field:   "fields",
			Message: "at least one field is required",
			Pos:     v.Pos(),
		}
	}
	def.SortFields()

	return def, nil
}

// parseIdentity reads the optional identity list.
func parseIdentity(v cue.Value) ([]string, error) {
	identity := []string{}

	idVal := v.LookupPath(cue.ParsePath("identity"))
	if !idVal.Exists() {
		return identity, nil
	}

	iter, err := idVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		identity = append(identity, name)
	}
	return identity, nil
}

// parseFields extracts field declarations in source order.
func parseFields(v cue.Value) ([]ir.FieldDef, error) {
	fields := []ir.FieldDef{}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return fields, nil
	}

	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		field, err := parseField(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}

	return fields, nil
}

func parseField(name string, v cue.Value) (ir.FieldDef, error) {
	field := ir.FieldDef{Name: name, Policy: ir.LastWrite}

	// Shorthand: the value is the type name
	if typeName, err := v.String(); err == nil {
		field.Type = ir.FieldType(typeName)
		return field, nil
	}

	if v.IncompleteKind() != cue.StructKind {
		return field, &CompileError{
			Field:   "fields." + name,
			Message: "must be a type name or a struct with a type field",
			Pos:     v.Pos(),
		}
	}

	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return field, &CompileError{
			Field:   "fields." + name + ".type",
			Message: "type is required",
			Pos:     v.Pos(),
		}
	}
	typeName, err := typeVal.String()
	if err != nil {
		return field, formatCUEError(err)
	}
	field.Type = ir.FieldType(typeName)

	if policyVal := v.LookupPath(cue.ParsePath("policy")); policyVal.Exists() {
		policy, err := policyVal.String()
		if err != nil {
			return field, formatCUEError(err)
		}
		field.Policy = ir.MergePolicy(policy)
	}

	if reqVal := v.LookupPath(cue.ParsePath("required")); reqVal.Exists() {
		required, err := reqVal.Bool()
		if err != nil {
			return field, formatCUEError(err)
		}
		field.Required = required
	}

	return field, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
