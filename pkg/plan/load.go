package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFileError wraps a parse failure with the path that caused it.
type LoadFileError struct {
	Path string
	Err  error
}

func (e *LoadFileError) Error() string {
	return fmt.Sprintf("load plan %s: %v", e.Path, e.Err)
}

func (e *LoadFileError) Unwrap() error { return e.Err }

// LoadFile parses a single Plan document from path.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadFileError{Path: path, Err: err}
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, &LoadFileError{Path: path, Err: err}
	}
	if p.ID == "" {
		return nil, &LoadFileError{Path: path, Err: fmt.Errorf("plan missing id")}
	}
	return &p, nil
}

// LoadDir recursively loads every *.yaml/*.yml Plan document under dir,
// indexed by Plan.ID, mirroring internal/registry's LoadSpecs directory
// walk. Used to build a subflow/scheduler PlanLookup over a directory of
// Plan files.
func LoadDir(dir string) (map[string]*Plan, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Plan{}, nil
		}
		return nil, err
	}
	sort.Strings(paths)

	out := map[string]*Plan{}
	for _, path := range paths {
		p, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if _, dup := out[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q (from %s)", p.ID, path)
		}
		out[p.ID] = p
	}
	return out, nil
}
