package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrPathInvalid = errors.New("invalid path")

const forbiddenPathChars = ".#$[]"

// splitPath validates p and returns its segments. The empty path is the root.
func splitPath(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}
	segments := strings.Split(p, "/")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrPathInvalid, p)
		}
		if strings.ContainsAny(s, forbiddenPathChars) {
			return nil, fmt.Errorf("%w: segment %q contains one of %q", ErrPathInvalid, s, forbiddenPathChars)
		}
	}
	return segments, nil
}

// related reports whether a change at one path can alter the value at the other.
func related(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// normalize drops nulls and empty objects and resolves server timestamps.
// A fully empty value normalizes to nil.
func normalize(v any, nowMillis int64) any {
	switch t := v.(type) {
	case map[string]any:
		if isServerTimestamp(t) {
			return json.Number(fmt.Sprint(nowMillis))
		}
		for k, child := range t {
			c := normalize(child, nowMillis)
			if c == nil {
				delete(t, k)
				continue
			}
			t[k] = c
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		// arrays are stored as objects keyed by index
		m := make(map[string]any, len(t))
		for i, child := range t {
			if c := normalize(child, nowMillis); c != nil {
				m[fmt.Sprint(i)] = c
			}
		}
		if len(m) == 0 {
			return nil
		}
		return m
	default:
		return v
	}
}

func isServerTimestamp(m map[string]any) bool {
	if len(m) != 1 {
		return false
	}
	sv, ok := m[".sv"].(string)
	return ok && sv == "timestamp"
}

// lookup returns the node at segments, or nil.
func lookup(root map[string]any, segments []string) any {
	var node any = root
	for _, s := range segments {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node, ok = m[s]
		if !ok {
			return nil
		}
	}
	if m, ok := node.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	return node
}

// set places v at segments, replacing leaves on the way with objects.
func set(root map[string]any, segments []string, v any) {
	node := root
	for _, s := range segments[:len(segments)-1] {
		next, ok := node[s].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[s] = next
		}
		node = next
	}
	node[segments[len(segments)-1]] = v
}

// remove deletes the node at segments and prunes emptied ancestors.
func remove(root map[string]any, segments []string) bool {
	if len(segments) == 0 {
		changed := len(root) > 0
		for k := range root {
			delete(root, k)
		}
		return changed
	}
	parents := make([]map[string]any, 0, len(segments))
	node := root
	for _, s := range segments[:len(segments)-1] {
		next, ok := node[s].(map[string]any)
		if !ok {
			return false
		}
		parents = append(parents, node)
		node = next
	}
	last := segments[len(segments)-1]
	if _, ok := node[last]; !ok {
		return false
	}
	delete(node, last)
	for i := len(parents) - 1; i >= 0 && len(node) == 0; i-- {
		delete(parents[i], segments[i])
		node = parents[i]
	}
	return true
}

func render(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
