package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/truthlayer/internal/ir"
)

// marshalValue converts a Value to canonical JSON TEXT for storage.
func marshalValue(v ir.Value) (string, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

// unmarshalValue parses canonical JSON TEXT back into a Value.
// Large integers survive because ParseValue decodes with UseNumber.
func unmarshalValue(data string) (ir.Value, error) {
	v, err := ir.ParseValue([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

func marshalObject(obj ir.Object) (string, error) {
	if obj == nil {
		obj = ir.Object{}
	}
	return marshalValue(obj)
}

func unmarshalObject(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	v, err := unmarshalValue(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("unmarshal object: got %s", ir.Kind(v))
	}
	return obj, nil
}

// marshalStrings stores an id list as a canonical JSON array.
func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	return marshalValue(stringsToArray(ss))
}

func unmarshalStrings(data string) ([]string, error) {
	out := []string{}
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal id list: %w", err)
	}
	return out, nil
}

// marshalProvenance stores field -> observation ids with sorted keys.
func marshalProvenance(p map[string][]string) (string, error) {
	obj := make(ir.Object, len(p))
	for field, ids := range p {
		obj[field] = stringsToArray(ids)
	}
	return marshalValue(obj)
}

func unmarshalProvenance(data string) (map[string][]string, error) {
	out := map[string][]string{}
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal provenance: %w", err)
	}
	return out, nil
}

func stringsToArray(ss []string) ir.Array {
	arr := make(ir.Array, len(ss))
	for i, s := range ss {
		arr[i] = ir.String(s)
	}
	return arr
}

// marshalSchemaVersions stores entity_type -> version as canonical JSON.
func marshalSchemaVersions(m map[string]int) (string, error) {
	obj := make(ir.Object, len(m))
	for k, v := range m {
		obj[k] = ir.Int(v)
	}
	return marshalValue(obj)
}

func unmarshalSchemaVersions(data string) (map[string]int, error) {
	out := map[string]int{}
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal schema versions: %w", err)
	}
	return out, nil
}

// marshalSchemaBody stores the definition shape; activation and creation
// time live in their own columns.
func marshalSchemaBody(def ir.SchemaDefinition) (string, error) {
	body := struct {
		Description string        `json:"description"`
		Identity    []string      `json:"identity"`
		Fields      []ir.FieldDef `json:"fields"`
	}{def.Description, def.Identity, def.Fields}
	if body.Identity == nil {
		body.Identity = []string{}
	}
	if body.Fields == nil {
		body.Fields = []ir.FieldDef{}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal schema body: %w", err)
	}
	return string(data), nil
}

func unmarshalSchemaBody(data string, def *ir.SchemaDefinition) error {
	var body struct {
		Description string        `json:"description"`
		Identity    []string      `json:"identity"`
		Fields      []ir.FieldDef `json:"fields"`
	}
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		return fmt.Errorf("unmarshal schema body: %w", err)
	}
	def.Description = body.Description
	def.Identity = body.Identity
	def.Fields = body.Fields
	if def.Identity == nil {
		def.Identity = []string{}
	}
	if def.Fields == nil {
		def.Fields = []ir.FieldDef{}
	}
	return nil
}

// nullString maps "" to SQL NULL for optional foreign keys.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
