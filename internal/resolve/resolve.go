// Package resolve implements the Reference Resolver (spec §4.2): walking a
// value tree of scalars/maps/sequences substituting `${...}` placeholders
// against a layered scope of vars/env/config/node outputs.
package resolve

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/yujihama/planrunner/internal/config"
	"github.com/yujihama/planrunner/pkg/planerr"
)

// pendingType is the type of the sentinel returned for a reference that cannot yet be
// resolved, used by the scheduler's deferral check (spec §4.2) instead of
// raising UNRESOLVED_REFERENCE — the caller re-queues the node.
type pendingType struct{}

// Pending is the sentinel value signalling "not yet resolvable".
var Pending = pendingType{}

// IsPending reports whether a value is the Pending sentinel.
func IsPending(v any) bool {
	_, ok := v.(pendingType)
	return ok
}

var soleRe = regexp.MustCompile(`^\$\{([^}]+)\}$`)
var embeddedRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// OutputsFunc looks up a node's produced outputs by id.
type OutputsFunc func(nodeID string) (map[string]any, bool)

// Scope is the layered name resolution context a Resolver consults.
type Scope struct {
	Vars    map[string]any
	Config  *config.Store
	Outputs OutputsFunc
	// KnownNodeIDs lists every node id that could ever be a resolver
	// namespace, used to distinguish "unknown node" from other namespaces.
	KnownNodeIDs map[string]bool
}

// Options controls resolution behavior.
type Options struct {
	// Defer, when true, makes an unresolved reference return Pending instead
	// of raising UNRESOLVED_REFERENCE — used by the scheduler's readiness
	// check (spec §4.2).
	Defer bool
}

// Resolve walks value substituting every `${...}` placeholder found,
// returning the resolved tree. A tree with no placeholders resolves to
// itself unchanged (spec §8 round-trip law).
func Resolve(value any, scope Scope, opts Options) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, scope, opts)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			r, err := Resolve(e, scope, opts)
			if err != nil {
				return nil, err
			}
			if IsPending(r) {
				return Pending, nil
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			r, err := Resolve(e, scope, opts)
			if err != nil {
				return nil, err
			}
			if IsPending(r) {
				return Pending, nil
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveString(s string, scope Scope, opts Options) (any, error) {
	if m := soleRe.FindStringSubmatch(s); m != nil {
		return resolveExpr(strings.TrimSpace(m[1]), scope, opts)
	}
	if !embeddedRe.MatchString(s) {
		return s, nil
	}
	var sb strings.Builder
	rest := s
	for {
		loc := embeddedRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:loc[0]])
		inner := rest[loc[2]:loc[3]]
		v, err := resolveExpr(strings.TrimSpace(inner), scope, opts)
		if err != nil {
			return nil, err
		}
		if IsPending(v) {
			return Pending, nil
		}
		sb.WriteString(stringify(v))
		rest = rest[loc[1]:]
	}
	return sb.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// resolveExpr resolves a single `identifier(.path)*` reference against the
// scope's vars/env/config/node-output namespaces (spec §4.2).
func resolveExpr(expr string, scope Scope, opts Options) (any, error) {
	parts := splitPath(expr)
	if len(parts) == 0 {
		return nil, planerr.Newf(planerr.CodeUnresolvedReference, "empty reference")
	}
	head := parts[0]
	rest := parts[1:]

	switch head {
	case "vars":
		return traverseOrFail(scope.Vars, rest, expr, opts)
	case "env":
		if len(rest) == 0 {
			return nil, planerr.Newf(planerr.CodeEnvKeyMissing, "env reference missing key: %s", expr)
		}
		key := rest[0]
		val, ok := os.LookupEnv(key)
		if !ok {
			return nil, planerr.Newf(planerr.CodeEnvKeyMissing, "env key not set: %s", key)
		}
		return val, nil
	case "config":
		if scope.Config == nil {
			return nil, planerr.Newf(planerr.CodeConfigKeyMissing, "no config store configured for: %s", expr)
		}
		v, err := scope.Config.Resolve(strings.Join(rest, "."))
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		// Node alias reference: head is a node id.
		if scope.KnownNodeIDs != nil && !scope.KnownNodeIDs[head] {
			return nil, planerr.Newf(planerr.CodeUnresolvedReference, "reference to unknown namespace or node '%s'", head)
		}
		if len(rest) == 0 {
			return nil, planerr.Newf(planerr.CodeUnresolvedReference, "node reference '%s' missing alias", expr)
		}
		if scope.Outputs == nil {
			if opts.Defer {
				return Pending, nil
			}
			return nil, planerr.Newf(planerr.CodeUnresolvedReference, "no outputs available for node '%s'", head)
		}
		outs, ok := scope.Outputs(head)
		if !ok {
			if opts.Defer {
				return Pending, nil
			}
			return nil, planerr.Newf(planerr.CodeUnresolvedReference, "node '%s' has not produced outputs yet", head)
		}
		alias := rest[0]
		path := rest[1:]
		v, err := traversePath(outs, append([]string{alias}, path...), expr)
		if err != nil {
			if opts.Defer {
				return Pending, nil
			}
			return nil, err
		}
		return v, nil
	}
}

func traverseOrFail(root map[string]any, path []string, expr string, opts Options) (any, error) {
	if len(path) == 0 {
		return nil, planerr.Newf(planerr.CodeUnresolvedReference, "reference missing path: %s", expr)
	}
	v, err := traversePath(root, path, expr)
	if err != nil {
		if opts.Defer {
			return Pending, nil
		}
		return nil, err
	}
	return v, nil
}

// traversePath walks map keys and integer list indices, case-sensitive
// first with a case-insensitive fallback (spec §4.2).
func traversePath(root any, path []string, expr string) (any, error) {
	cur := root
	for _, seg := range path {
		switch c := cur.(type) {
		case map[string]any:
			if v, ok := c[seg]; ok {
				cur = v
				continue
			}
			found := false
			for k, v := range c {
				if strings.EqualFold(k, seg) {
					cur = v
					found = true
					break
				}
			}
			if !found {
				return nil, planerr.Newf(planerr.CodeUnresolvedReference, "reference path not found: %s (missing key '%s')", expr, seg)
			}
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, planerr.Newf(planerr.CodeUnresolvedReference, "reference path not found: %s (bad index '%s')", expr, seg)
			}
			cur = c[idx]
		default:
			return nil, planerr.Newf(planerr.CodeUnresolvedReference, "reference path not found: %s (scalar reached before '%s')", expr, seg)
		}
	}
	return cur, nil
}

func splitPath(expr string) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch c {
		case '.':
			parts = append(parts, cur.String())
			cur.Reset()
		case '[':
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
			j := strings.IndexByte(expr[i:], ']')
			if j == -1 {
				cur.WriteByte(c)
				continue
			}
			parts = append(parts, expr[i+1:i+j])
			i += j
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// HasPlaceholder reports whether s contains any `${...}` placeholder.
func HasPlaceholder(s string) bool { return embeddedRe.MatchString(s) }

// ReplacePlaceholders textually replaces every `${...}` occurrence in s with
// literal, without resolving anything — used by static syntax checks that
// need a placeholder-free string to parse (spec §4.5 item 6).
func ReplacePlaceholders(s, literal string) string {
	return embeddedRe.ReplaceAllString(s, literal)
}
