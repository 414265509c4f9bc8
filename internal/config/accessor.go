package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// GetByPath retrieves a config value by its dot-separated JSON path
// (e.g. "realtime.tables" or "realtime.tables.0").
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}

	var cur any = tree
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("invalid array index %q in %s", key, path)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", cur, key)
		}
	}
	return cur, nil
}

// SetByPath sets the value at a dot-separated JSON path. String values are
// coerced to bool or number when they parse as one; comma-separated
// strings are accepted for list fields.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := tree
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("unknown config section %q in %s", key, path)
		}
		parent = child
	}

	leaf := parts[len(parts)-1]
	existing, ok := parent[leaf]
	if !ok {
		return fmt.Errorf("unknown config key: %s", path)
	}
	if _, isList := existing.([]any); isList {
		if s, isStr := value.(string); isStr {
			value = splitList(s)
		}
	} else {
		value = coerce(value)
	}
	parent[leaf] = value

	var updated Config
	if err := decodeTree(tree, &updated); err != nil {
		// A null list field has no type hint; retry as a list.
		s, isStr := value.(string)
		if !isStr {
			return err
		}
		parent[leaf] = splitList(s)
		if err := decodeTree(tree, &updated); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	*cfg = updated
	return nil
}

func decodeTree(tree map[string]any, out *Config) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	out := *cfg
	out.Realtime.Tables = append([]string(nil), cfg.Realtime.Tables...)
	out.Kafka.Brokers = append([]string(nil), cfg.Kafka.Brokers...)
	out.Realtime.AnonKey = MaskSecret(out.Realtime.AnonKey)
	out.Classifier.APIKey = MaskSecret(out.Classifier.APIKey)
	if u, err := url.Parse(out.Store.DatabaseURL); err == nil && u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
			out.Store.DatabaseURL = u.String()
		}
	}
	return &out
}

// MaskSecret shows the first and last 4 characters of s.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths returns every leaf path in sorted order with its current value.
func ListPaths(cfg *Config) ([]string, map[string]any) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, nil
	}
	flat := make(map[string]any)
	flatten("", tree, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, flat
}

func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, out)
			continue
		}
		out[path] = v
	}
}

func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func splitList(s string) []any {
	out := []any{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
