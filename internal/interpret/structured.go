package interpret

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/truthlayer/internal/ir"
)

// JSONExtractor reads a JSON object, an array of objects, or an object
// with an "entities" array. Each object is one candidate group.
type JSONExtractor struct{}

func (JSONExtractor) Name() string { return "json" }

func (JSONExtractor) Supports(mimeType string) bool {
	return mimeType == MIMEJSON || strings.HasSuffix(mimeType, "+json")
}

func (JSONExtractor) Extract(ctx context.Context, data []byte, _ string, cfg Config) ([]Candidate, error) {
	root, err := ir.ParseValue(data)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return candidatesFromValue(ctx, root, cfg)
}

// YAMLExtractor reads the same shapes as JSONExtractor from YAML.
// Floats become decimals from their literal text, never binary floats.
type YAMLExtractor struct{}

func (YAMLExtractor) Name() string { return "yaml" }

func (YAMLExtractor) Supports(mimeType string) bool {
	switch mimeType {
	case MIMEYAML, "application/x-yaml", "text/yaml", "text/x-yaml":
		return true
	}
	return false
}

func (YAMLExtractor) Extract(ctx context.Context, data []byte, _ string, cfg Config) ([]Candidate, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("yaml: empty document")
	}
	root, err := valueFromNode(doc.Content[0])
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return candidatesFromValue(ctx, root, cfg)
}

func valueFromNode(n *yaml.Node) (ir.Value, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return valueFromNode(n.Alias)
	case yaml.MappingNode:
		obj := make(ir.Object, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: non-scalar key", k.Line)
			}
			val, err := valueFromNode(v)
			if err != nil {
				return nil, err
			}
			obj[k.Value] = val
		}
		return obj, nil
	case yaml.SequenceNode:
		arr := make(ir.Array, len(n.Content))
		for i, c := range n.Content {
			val, err := valueFromNode(c)
			if err != nil {
				return nil, err
			}
			arr[i] = val
		}
		return arr, nil
	case yaml.ScalarNode:
		return scalarFromNode(n)
	default:
		return nil, fmt.Errorf("line %d: unsupported node kind %d", n.Line, n.Kind)
	}
}

func scalarFromNode(n *yaml.Node) (ir.Value, error) {
	switch n.ShortTag() {
	case "!!null":
		return ir.Null{}, nil
	case "!!bool":
		b, err := strconv.ParseBool(strings.ToLower(n.Value))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return ir.Bool(b), nil
	case "!!int":
		i, err := strconv.ParseInt(strings.ReplaceAll(n.Value, "_", ""), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return ir.Int(i), nil
	case "!!float":
		d, err := ir.NewDecimal(n.Value)
		if err != nil {
			return nil, fmt.Errorf("line %d: %q is not a finite decimal", n.Line, n.Value)
		}
		return d, nil
	default:
		// !!str, !!timestamp and custom tags keep their literal text.
		return ir.String(n.Value), nil
	}
}

// candidatesFromValue expands a decoded document into candidates, one
// group per entity object. Keys are visited in sorted order.
func candidatesFromValue(ctx context.Context, root ir.Value, cfg Config) ([]Candidate, error) {
	var objects ir.Array
	switch v := root.(type) {
	case ir.Object:
		if entities, ok := v["entities"].(ir.Array); ok && len(v) == 1 {
			objects = entities
		} else {
			objects = ir.Array{v}
		}
	case ir.Array:
		objects = v
	default:
		return nil, fmt.Errorf("expected object or array, got %s", ir.Kind(root))
	}

	var out []Candidate
	for group, elem := range objects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		obj, ok := elem.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("entity %d: expected object, got %s", group, ir.Kind(elem))
		}
		entityType := cfg.DefaultEntityType
		if t, ok := obj[EntityTypeKey].(ir.String); ok {
			entityType = string(t)
		}
		for _, k := range obj.SortedKeys() {
			if k == EntityTypeKey {
				continue
			}
			out = append(out, Candidate{
				EntityType: entityType,
				Field:      k,
				Value:      obj[k],
				Confidence: cfg.confidence(),
				Group:      group,
			})
		}
	}
	return out, nil
}
