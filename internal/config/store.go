// Package config implements the Configuration Store (spec §4.9): a
// lazily-loaded, layered hierarchical config tree resolved by dotted path.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/yujihama/planrunner/pkg/planerr"
	"gopkg.in/yaml.v3"
)

// Store lazily loads one or more layered config files on first Resolve call
// and merges them into a single combined tree (later files override earlier
// ones), matching spec §4.9.
type Store struct {
	mu     sync.Mutex
	paths  []string
	loaded bool
	tree   map[string]any
}

// New creates a Store over the given config file paths, listed from lowest
// to highest override precedence. Files are not read until first Resolve.
func New(paths ...string) *Store {
	return &Store{paths: paths}
}

func (s *Store) ensureLoaded() error {
	if s.loaded {
		return nil
	}
	merged := map[string]any{}
	for _, p := range s.paths {
		data, err := os.ReadFile(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		var layer map[string]any
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".json" {
			if err := yaml.Unmarshal(data, &layer); err != nil {
				return err
			}
		} else if err := yaml.Unmarshal(data, &layer); err != nil {
			return err
		}
		mergeInto(merged, layer)
	}
	s.tree = merged
	s.loaded = true
	return nil
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				mergeInto(dm, sm)
				continue
			}
		}
		dst[k] = v
	}
}

// Resolve walks the combined config tree by dotted path, e.g. "db.host".
// Returns CONFIG_KEY_MISSING if the path does not resolve.
func (s *Store) Resolve(path string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, planerr.New(planerr.CodeConfigKeyMissing, "config load failed").WithCause(err)
	}
	if path == "" {
		return nil, planerr.Newf(planerr.CodeConfigKeyMissing, "empty config path")
	}
	parts := strings.Split(path, ".")
	var cur any = s.tree
	for i, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			if idx, err := strconv.Atoi(part); err == nil {
				if arr, ok := cur.([]any); ok && idx >= 0 && idx < len(arr) {
					cur = arr[idx]
					continue
				}
			}
			return nil, planerr.Newf(planerr.CodeConfigKeyMissing, "config key missing at '%s' (segment %d)", path, i)
		}
		v, ok := m[part]
		if !ok {
			return nil, planerr.Newf(planerr.CodeConfigKeyMissing, "config key missing: '%s'", path)
		}
		cur = v
	}
	return cur, nil
}

// Has reports whether a path resolves without error, used by the Validator
// for static config-reference checks.
func (s *Store) Has(path string) bool {
	_, err := s.Resolve(path)
	return err == nil
}

// Keys returns the sorted top-level keys of the loaded tree, useful for
// error messages and debugging.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.ensureLoaded()
	keys := make([]string, 0, len(s.tree))
	for k := range s.tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ExpectType validates a resolved value against a declared scalar/object
// type name, mirroring original_source's validator.py type-check helper
// for ${config.*} references declared against a Block Spec's input type.
func ExpectType(val any, typeName string) bool {
	switch strings.ToLower(typeName) {
	case "string", "str":
		_, ok := val.(string)
		return ok
	case "number", "float":
		switch val.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer", "int":
		switch v := val.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean", "bool":
		_, ok := val.(bool)
		return ok
	case "array", "list":
		_, ok := val.([]any)
		return ok
	case "object", "dict":
		_, ok := val.(map[string]any)
		return ok
	case "bytes", "binary":
		_, ok := val.([]byte)
		return ok
	default:
		return true
	}
}
