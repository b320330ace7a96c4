// Package patch implements RFC 6902 patch generation and application for
// entity snapshots. A patch is the ordered list of operations describing the
// delta between two successive snapshots; applying it to the earlier snapshot
// must reproduce the later one exactly.
package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"
)

// Operation is a single path-addressed mutation (add, replace or remove).
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Diff computes the operations that transform before into after. Both values
// are compared through their JSON form.
func Diff(before, after any) ([]Operation, error) {
	src, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("marshal diff source: %w", err)
	}
	dst, err := json.Marshal(after)
	if err != nil {
		return nil, fmt.Errorf("marshal diff target: %w", err)
	}
	diff, err := jsondiff.CompareJSON(src, dst)
	if err != nil {
		return nil, fmt.Errorf("compare snapshots: %w", err)
	}
	if len(diff) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(diff)
	if err != nil {
		return nil, fmt.Errorf("encode diff: %w", err)
	}
	var ops []Operation
	if err := json.Unmarshal(encoded, &ops); err != nil {
		return nil, fmt.Errorf("decode diff: %w", err)
	}
	return ops, nil
}

// Apply applies the operations to a JSON document and returns the result.
func Apply(doc []byte, ops []Operation) ([]byte, error) {
	if len(ops) == 0 {
		return doc, nil
	}
	encoded, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode patch: %w", err)
	}
	p, err := jsonpatch.DecodePatch(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	out, err := p.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	return out, nil
}

// TopLevelField reports whether the operation targets a top-level property
// ("/name" with no further segments) and returns the property name.
func TopLevelField(op Operation) (string, bool) {
	if !strings.HasPrefix(op.Path, "/") {
		return "", false
	}
	field := op.Path[1:]
	if field == "" || strings.ContainsAny(field, "/~") {
		return "", false
	}
	return field, true
}

// AlreadyApplied reports whether every operation is a no-op against the given
// document: adds and replaces whose value already matches, and removes whose
// path is already absent. Used by reconcilers to detect duplicate delivery of
// a patch set.
func AlreadyApplied(doc []byte, ops []Operation) bool {
	for _, op := range ops {
		switch op.Op {
		case "add", "replace":
			current, err := valueAt(doc, op.Path)
			if err != nil {
				return false
			}
			if !jsonEqual(current, op.Value) {
				return false
			}
		case "remove":
			if _, err := valueAt(doc, op.Path); err == nil {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func valueAt(doc []byte, path string) (json.RawMessage, error) {
	var current any
	if err := json.Unmarshal(doc, &current); err != nil {
		return nil, err
	}
	for _, segment := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		segment = strings.ReplaceAll(segment, "~1", "/")
		segment = strings.ReplaceAll(segment, "~0", "~")
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, fmt.Errorf("path %s is absent", path)
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("path %s is absent", path)
			}
			current = node[idx]
		default:
			return nil, fmt.Errorf("path %s does not address a container", path)
		}
	}
	return json.Marshal(current)
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ab, err := json.Marshal(av)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
