package orchestration

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Pre-compiled patterns for variable substitution. Compiling once at
// package level avoids repeated compilation overhead on the hot path.
var (
	// wholeValuePattern matches strings that consist of exactly one
	// reference, e.g. "${geocode.latitude}". These are replaced by the
	// referenced value with its original type preserved.
	wholeValuePattern = regexp.MustCompile(`^\$\{([^}]+)\}$`)

	// embeddedPattern matches references embedded inside larger strings,
	// e.g. "lat=${geocode.latitude}&lon=${geocode.longitude}".
	embeddedPattern = regexp.MustCompile(`\$\{([^}]+)\}`)
)

// ResolveInputs expands variable references in a node's input map against
// the accumulated node results and the execution context. The walk is
// recursive over nested maps and arrays. Resolution is pure: the inputs
// are copied, never mutated, and no external state is consulted.
//
// Unresolvable references are left literal, so resolution is idempotent
// once no `${...}` remains.
func ResolveInputs(inputs map[string]interface{}, results map[string]*ResultEnvelope, context map[string]interface{}) map[string]interface{} {
	if inputs == nil {
		return map[string]interface{}{}
	}
	resolved := make(map[string]interface{}, len(inputs))
	for key, value := range inputs {
		resolved[key] = resolveValue(value, results, context)
	}
	return resolved
}

func resolveValue(value interface{}, results map[string]*ResultEnvelope, context map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return resolveString(v, results, context)
	case map[string]interface{}:
		if _, ok := v["source_type"]; ok {
			return resolveSourceSpec(v, results, context)
		}
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = resolveValue(item, results, context)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = resolveValue(item, results, context)
		}
		return out
	default:
		return value
	}
}

func resolveString(s string, results map[string]*ResultEnvelope, context map[string]interface{}) interface{} {
	// Whole-value replacement preserves the referent's type
	if match := wholeValuePattern.FindStringSubmatch(s); match != nil {
		if val, ok := lookupReference(match[1], results, context); ok {
			return val
		}
		return s
	}

	// Embedded interpolation stringifies non-string referents
	return embeddedPattern.ReplaceAllStringFunc(s, func(ref string) string {
		path := ref[2 : len(ref)-1]
		val, ok := lookupReference(path, results, context)
		if !ok {
			return ref
		}
		return stringify(val)
	})
}

// lookupReference resolves a dotted reference path. Resolution order:
//  1. a path whose head names a node with a recorded result descends
//     through that result by the remaining segments
//  2. "context.<path>" descends into the execution context
//  3. a single-segment path naming a context key yields its value
//
// Undefined at any step reports not-found so the caller can leave the
// reference literal.
func lookupReference(path string, results map[string]*ResultEnvelope, context map[string]interface{}) (interface{}, bool) {
	parts := strings.Split(path, ".")

	// Only successfully completed nodes expose their results
	if envelope, ok := results[parts[0]]; ok && envelope != nil && envelope.Success {
		return descend(envelope.Result, parts[1:])
	}

	if parts[0] == "context" && len(parts) > 1 {
		return descend(context, parts[1:])
	}

	if len(parts) == 1 {
		if val, ok := context[path]; ok {
			return val, true
		}
	}

	return nil, false
}

// descend walks a value by path segments through nested maps
func descend(value interface{}, segments []string) (interface{}, bool) {
	current := value
	for _, segment := range segments {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "null"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// resolveSourceSpec handles the structured input-source form. The card
// schema defines these as an alternative to templated strings; both are
// treated as equivalent. Unresolvable specs are returned unchanged.
func resolveSourceSpec(spec map[string]interface{}, results map[string]*ResultEnvelope, context map[string]interface{}) interface{} {
	sourceType, _ := spec["source_type"].(string)

	switch sourceType {
	case SourceConstant:
		return spec["source"]

	case SourceContext:
		key := referencePath(spec["source"])
		if key == "" {
			return spec
		}
		if val, ok := descend(context, strings.Split(key, ".")); ok {
			return val
		}
		return spec

	case SourceNodeOutput:
		path := referencePath(spec["source"])
		if path == "" {
			if nodeID, _ := spec["source_node"].(string); nodeID != "" {
				path = nodeID
			}
		}
		if path == "" {
			return spec
		}
		if val, ok := lookupReference(path, results, context); ok {
			return val
		}
		return spec

	case SourceRequest:
		field, _ := spec["source"].(string)
		if field == "" {
			return spec
		}
		if val, ok := context[field]; ok {
			return val
		}
		return spec

	default:
		// Not a recognized spec; treat as a plain nested map
		out := make(map[string]interface{}, len(spec))
		for k, item := range spec {
			out[k] = resolveValue(item, results, context)
		}
		return out
	}
}

// referencePath extracts the path from "${a.b}" or returns a raw string
func referencePath(source interface{}) string {
	s, _ := source.(string)
	if s == "" {
		return ""
	}
	if match := wholeValuePattern.FindStringSubmatch(s); match != nil {
		return match[1]
	}
	return s
}
