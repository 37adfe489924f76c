package compiler

import (
	"cmp"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/truthlayer/internal/ir"
)

//go:embed builtin.cue
var builtinCUE []byte

// Builtin returns the schemas shipped with the binary, sorted by entity type.
func Builtin() ([]ir.SchemaDefinition, error) {
	return CompileBytes("builtin.cue", builtinCUE)
}

// CompileBytes compiles every `schema: <type>: {...}` block in one CUE
// document. filename is used for error positions only.
func CompileBytes(filename string, data []byte) ([]ir.SchemaDefinition, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	defs := []ir.SchemaDefinition{}

	schemasVal := value.LookupPath(cue.ParsePath("schema"))
	if !schemasVal.Exists() {
		return defs, nil
	}

	iter, err := schemasVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		def, err := CompileSchema(iter.Value())
		if err != nil {
			return nil, err
		}
		if errs := Validate(*def); len(errs) > 0 {
			return nil, &CompileError{
				Field:   "schema." + def.EntityType,
				Message: errs[0].Error(),
				Pos:     iter.Value().Pos(),
			}
		}
		defs = append(defs, *def)
	}

	sortDefinitions(defs)
	return defs, nil
}

// CompileFile compiles one .cue file.
func CompileFile(path string) ([]ir.SchemaDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return CompileBytes(path, data)
}

// CompileDir compiles every .cue file in dir (non-recursive), in file name
// order. The same (entity_type, version) declared twice is an error.
func CompileDir(dir string) ([]ir.SchemaDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	var defs []ir.SchemaDefinition
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cue") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		fileDefs, err := CompileFile(path)
		if err != nil {
			return nil, err
		}
		for _, def := range fileDefs {
			key := fmt.Sprintf("%s@%d", def.EntityType, def.Version)
			if prev, dup := seen[key]; dup {
				return nil, &CompileError{
					Field:   "schema." + def.EntityType,
					Message: fmt.Sprintf("version %d already declared in %s", def.Version, prev),
				}
			}
			seen[key] = path
			defs = append(defs, def)
		}
	}

	if defs == nil {
		defs = []ir.SchemaDefinition{}
	}
	sortDefinitions(defs)
	return defs, nil
}

func sortDefinitions(defs []ir.SchemaDefinition) {
	slices.SortFunc(defs, func(a, b ir.SchemaDefinition) int {
		if c := strings.Compare(a.EntityType, b.EntityType); c != 0 {
			return c
		}
		return cmp.Compare(a.Version, b.Version)
	})
}
