package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
)

var (
	envVarPattern = regexp.MustCompile(`\$\{(\w+)\}`)
	spaceRun      = regexp.MustCompile(` +`)
)

// LookupEnv resolves environment variables during normalization.
// Tests replace it through NormalizeWith.
type LookupEnv func(name string) (string, bool)

// Normalize walks a YAML-decoded tree depth-first and returns a new tree in
// which every string leaf has been env-expanded, lambda-compacted or
// coerced to a bool/int/float/Tuple literal. The input is not modified.
func Normalize(tree map[string]any) (map[string]any, error) {
	return NormalizeWith(tree, os.LookupEnv)
}

// NormalizeWith is Normalize with an explicit environment lookup.
func NormalizeWith(tree map[string]any, lookup LookupEnv) (map[string]any, error) {
	out, err := normalizeNode(tree, "", lookup)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func normalizeNode(node any, path string, lookup LookupEnv) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			n, err := normalizeNode(child, joinPath(path, k), lookup)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			key := toString(k)
			n, err := normalizeNode(child, joinPath(path, key), lookup)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			n, err := normalizeNode(child, path, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case Tuple:
		return v, nil
	case string:
		return normalizeString(v, path, lookup)
	default:
		return v, nil
	}
}

// normalizeString applies env expansion, lambda preservation and literal
// coercion, in that order.
func normalizeString(s, path string, lookup LookupEnv) (any, error) {
	expanded, err := expandEnv(s, path, lookup)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(expanded, "lambda ") {
		return compactLambda(expanded), nil
	}
	if v, ok := EvalLiteral(expanded); ok {
		return v, nil
	}
	return expanded, nil
}

func expandEnv(s, path string, lookup LookupEnv) (string, error) {
	var missing string
	out := envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		val, ok := lookup(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return m
		}
		return val
	})
	if missing != "" {
		section, attr := splitPath(path)
		return "", errkind.Config(errkind.MissingEnv, section, attr,
			"environment variable ${"+missing+"} is not set",
			"Please set it or remove the reference from the configuration file")
	}
	return out, nil
}

func compactLambda(s string) string {
	s = strings.ReplaceAll(s, "\n", "")
	return spaceRun.ReplaceAllString(s, " ")
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func splitPath(path string) (section, attr string) {
	i := strings.LastIndex(path, ".")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}
