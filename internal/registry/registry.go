// Package registry implements the Block Registry (spec §4.1): loading Block
// Specs from YAML documents, selecting by id and optional semver, and
// exposing the uniform Block interface Processing and UI Blocks satisfy.
//
// Grounded on original_source's core/blocks/registry.py BlockRegistry: the
// same id@version shorthand, "kept and indexed by version" multi-version
// storage, and highest-semver-when-omitted selection with graceful fallback
// to last-loaded on unparsable versions. Go has no equivalent to Python's
// importlib dynamic class loading, so entrypoints resolve through an
// explicit constructor registry instead of a file/dotted-path loader —
// the idiomatic Go shape also used by the teacher's actions.Registry.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/yujihama/planrunner/internal/scope"
	"github.com/yujihama/planrunner/pkg/plan"
	"github.com/yujihama/planrunner/pkg/planerr"
	"gopkg.in/yaml.v3"
)

// ProcessingBlock is deterministic given its inputs and execution context
// and must not mutate Runner state (spec §4.1).
type ProcessingBlock interface {
	Run(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// UIBlock is interactive and may request suspension via the __await_ui
// sentinel output (spec §6).
type UIBlock interface {
	Render(ctx context.Context, inputs map[string]any, execCtx *scope.ExecutionContext) (map[string]any, error)
}

// OptionalValidator is implemented by Blocks that want a pre-flight
// self-check beyond what the Block Spec's schema already expresses.
type OptionalValidator interface {
	Validate() error
}

// OptionalDryRunner is implemented by Blocks that can synthesize their own
// dry-run outputs rather than relying on the Dry-run Engine's generic
// type-driven sample synthesis.
type OptionalDryRunner interface {
	DryRun(inputs map[string]any) (map[string]any, error)
}

// AwaitUIKey is the sentinel field a UIBlock's Render output uses to signal
// suspension (spec §6: `{__await_ui:true, snapshot?:map}`).
const AwaitUIKey = "__await_ui"

// SpecParseError is raised when a Block Spec YAML document fails to parse
// or is missing required fields (id/version/entrypoint).
type SpecParseError struct {
	Path string
	Err  error
}

func (e *SpecParseError) Error() string {
	return fmt.Sprintf("block spec parse error in %s: %v", e.Path, e.Err)
}
func (e *SpecParseError) Unwrap() error { return e.Err }

// DuplicateVersionError is raised when two specs share both id and version.
type DuplicateVersionError struct {
	ID      string
	Version string
}

func (e *DuplicateVersionError) Error() string {
	return fmt.Sprintf("duplicate block spec version: %s@%s", e.ID, e.Version)
}

// Factory constructs a Block instance. The returned value must satisfy
// ProcessingBlock or UIBlock (checked by Get).
type Factory func() (any, error)

// Registry loads Block Specs and resolves Block instances by id/version.
type Registry struct {
	mu          sync.RWMutex
	specsByID   map[string][]*plan.BlockSpec
	factories   map[string]Factory // keyed by entrypoint
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		specsByID: map[string][]*plan.BlockSpec{},
		factories: map[string]Factory{},
	}
}

// RegisterFactory binds an entrypoint name (as declared in a Block Spec's
// `entrypoint` field) to a constructor. Call before LoadSpecs/Get.
func (r *Registry) RegisterFactory(entrypoint string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[entrypoint] = f
}

// LoadSpecs recursively loads every *.yaml file under dir, parsing and
// minimally validating each (id/version/entrypoint present). Multiple
// specs sharing an id are kept and indexed by version. Returns the count
// of specs loaded.
func (r *Registry) LoadSpecs(dir string) (int, error) {
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
			return 0, nil
		}
		return 0, err
	}
	sort.Strings(paths)

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return count, &SpecParseError{Path: p, Err: err}
		}
		var spec plan.BlockSpec
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return count, &SpecParseError{Path: p, Err: err}
		}
		if spec.ID == "" || spec.Version == "" || spec.Entrypoint == "" {
			return count, &SpecParseError{Path: p, Err: fmt.Errorf("missing id/version/entrypoint")}
		}
		for _, existing := range r.specsByID[spec.ID] {
			if existing.Version == spec.Version {
				return count, &DuplicateVersionError{ID: spec.ID, Version: spec.Version}
			}
		}
		s := spec
		r.specsByID[spec.ID] = append(r.specsByID[spec.ID], &s)
		count++
	}
	return count, nil
}

// List returns the sorted list of known block ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.specsByID))
	for id := range r.specsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Spec resolves a Block Spec by id and optional version, selecting the
// highest semver when version is omitted. Supports "id@version" shorthand
// in blockID when version is empty.
func (r *Registry) Spec(blockID, version string) (*plan.BlockSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveSpecLocked(blockID, version)
}

func (r *Registry) resolveSpecLocked(blockID, version string) (*plan.BlockSpec, error) {
	id := blockID
	if version == "" {
		if i := strings.Index(blockID, "@"); i != -1 {
			id = blockID[:i]
			version = blockID[i+1:]
		}
	}
	specs := r.specsByID[id]
	if len(specs) == 0 {
		return nil, planerr.Newf(planerr.CodeBlockInternal, "block id not found: %s", id)
	}
	if version != "" {
		for _, s := range specs {
			if s.Version == version {
				return s, nil
			}
		}
		return nil, planerr.Newf(planerr.CodeBlockInternal, "version %s not found for block %s", version, id)
	}
	return pickLatest(specs), nil
}

// pickLatest selects the highest semver among specs, falling back to the
// last-loaded entry if any version string fails to parse (matches
// original_source's registry.py _resolve_spec behavior exactly).
func pickLatest(specs []*plan.BlockSpec) *plan.BlockSpec {
	best := specs[0]
	bestParsed, err := parseSemver(best.Version)
	if err != nil {
		return specs[len(specs)-1]
	}
	for _, s := range specs[1:] {
		parsed, err := parseSemver(s.Version)
		if err != nil {
			// Any unparsable version anywhere in the set: fall back to
			// "last loaded" for the whole resolution, mirroring the
			// Python implementation's except-fallback.
			return specs[len(specs)-1]
		}
		if semverLess(bestParsed, parsed) {
			best = s
			bestParsed = parsed
		}
	}
	return best
}

type semver struct{ major, minor, patch int }

func parseSemver(v string) (semver, error) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) == 0 {
		return semver{}, fmt.Errorf("empty version")
	}
	nums := make([]int, 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimLeft(parts[i], "v"))
		if err != nil {
			return semver{}, err
		}
		nums[i] = n
	}
	return semver{nums[0], nums[1], nums[2]}, nil
}

func semverLess(a, b semver) bool {
	if a.major != b.major {
		return a.major < b.major
	}
	if a.minor != b.minor {
		return a.minor < b.minor
	}
	return a.patch < b.patch
}

// Get instantiates a Block by id (and optional version), supporting the
// "id@version" shorthand.
func (r *Registry) Get(blockID, version string) (any, *plan.BlockSpec, error) {
	r.mu.RLock()
	spec, err := r.resolveSpecLocked(blockID, version)
	if err != nil {
		r.mu.RUnlock()
		return nil, nil, err
	}
	factory, ok := r.factories[spec.Entrypoint]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, planerr.Newf(planerr.CodeBlockInternal, "no factory registered for entrypoint: %s", spec.Entrypoint)
	}
	instance, err := factory()
	if err != nil {
		return nil, nil, planerr.New(planerr.CodeBlockInternal, "block construction failed").WithCause(err)
	}
	_, isProc := instance.(ProcessingBlock)
	_, isUI := instance.(UIBlock)
	if !isProc && !isUI {
		return nil, nil, planerr.Newf(planerr.CodeBlockInternal, "entrypoint %s produced neither a ProcessingBlock nor a UIBlock", spec.Entrypoint)
	}
	return instance, spec, nil
}
