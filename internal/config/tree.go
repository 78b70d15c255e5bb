package config

import (
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Lookup returns the value at a dotted path ("tools.stedgeai.version").
func Lookup(tree map[string]any, path string) (any, bool) {
	var cur any = tree
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Section returns the mapping at a dotted path, or nil.
func Section(tree map[string]any, path string) map[string]any {
	v, ok := Lookup(tree, path)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// Set writes value at a dotted path, creating intermediate mappings.
func Set(tree map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := tree
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

// Clone deep-copies a tree.
func Clone(tree map[string]any) map[string]any {
	return cloneNode(tree).(map[string]any)
}

func cloneNode(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, c := range x {
			out[k] = cloneNode(c)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, c := range x {
			out[i] = cloneNode(c)
		}
		return out
	case Tuple:
		out := make(Tuple, len(x))
		for i, c := range x {
			out[i] = cloneNode(c)
		}
		return out
	default:
		return v
	}
}

// MarshalTree serializes a normalized tree to YAML. Floats keep a decimal
// point and tuples keep their literal spelling, so loading and normalizing
// the output yields the same tree.
func MarshalTree(tree map[string]any) ([]byte, error) {
	node, err := toNode(tree)
	if err != nil {
		return nil, err
	}
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{node}}
	return yaml.Marshal(doc)
}

// UnmarshalTree decodes YAML into a raw (not yet normalized) tree.
func UnmarshalTree(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func toNode(v any) (*yaml.Node, error) {
	switch x := v.(type) {
	case map[string]any:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child, err := toNode(x[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			n.Content = append(n.Content, scalar("!!str", k), child)
		}
		return n, nil
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, e := range x {
			child, err := toNode(e)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, child)
		}
		return n, nil
	case Tuple:
		return scalar("!!str", x.String()), nil
	case nil:
		return scalar("!!null", "null"), nil
	case bool:
		return scalar("!!bool", strconv.FormatBool(x)), nil
	case int:
		return scalar("!!int", strconv.Itoa(x)), nil
	case int64:
		return scalar("!!int", strconv.FormatInt(x, 10)), nil
	case *big.Int:
		return scalar("!!int", x.String()), nil
	case float64:
		return scalar("!!float", formatPyFloat(x)), nil
	case string:
		return scalar("!!str", x), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func scalar(tag, value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
