// Package guard implements the Expression Evaluator (spec §4.3): the
// closed-grammar boolean predicate language used by `when`/`while.condition`.
//
// Evaluation is two-staged. First, any embedded `${...}` placeholder is
// resolved against scope and spliced back in as a grammar-correct literal
// token (quoted strings, bare numbers/booleans/null). Second, the resulting
// text is tokenized and validated against the closed grammar — literals,
// identifiers, `==`,`!=`,`<`,`<=`,`>`,`>=`, `and`,`or`,`not`, unary `-`,
// parens, member/index access — rejecting anything else (function calls,
// arithmetic beyond unary minus, comma-separated argument lists) with
// UNSAFE_EXPRESSION before it ever reaches an evaluator. Only then is the
// vetted text handed to a CEL program for evaluation, so CEL's declared-
// variable sandboxing (no reachable host functions/methods) backs a grammar
// that is additionally restricted at the token level.
package guard

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/yujihama/planrunner/internal/config"
	"github.com/yujihama/planrunner/internal/resolve"
	"github.com/yujihama/planrunner/pkg/plan"
	"github.com/yujihama/planrunner/pkg/planerr"
)

// Data is the evaluation-time scope: resolved vars, env, config tree and
// the outputs of every node that has completed so far.
type Data struct {
	Vars   map[string]any
	Env    map[string]any
	Config map[string]any
	Nodes  map[string]map[string]any
	// KnownNodeIDs lists every node id in the enclosing Plan, so identifiers
	// referencing a not-yet-run (but declared) node compile rather than
	// erroring as an unknown CEL variable.
	KnownNodeIDs []string
	// ConfigStore backs `${config.*}` placeholder substitution ahead of CEL
	// compilation (Config above only feeds the compiled program's `config`
	// variable once substitution is already done).
	ConfigStore *config.Store
}

// Engine evaluates guard predicates, caching compiled CEL programs by the
// post-substitution expression text.
type Engine struct {
	mu    sync.Mutex
	cache map[string]cel.Program
}

// NewEngine creates an empty-cache Engine.
func NewEngine() *Engine {
	return &Engine{cache: map[string]cel.Program{}}
}

// Evaluate runs a Guard (textual or structured) against data and returns its
// truthiness. Per spec §4.3, a null result is falsy.
func (e *Engine) Evaluate(ctx context.Context, g *plan.Guard, data Data) (bool, error) {
	if g == nil {
		return true, nil
	}
	if g.Structured != nil {
		return evalStructured(g.Structured, data)
	}
	return e.evalExpr(g.Expr, data)
}

func evalStructured(s *plan.Structured, data Data) (bool, error) {
	left, err := resolveValue(s.Left, data)
	if err != nil {
		return false, err
	}
	right, err := resolveValue(s.Right, data)
	if err != nil {
		return false, err
	}
	return compare(left, s.Op, right)
}

func resolveValue(v any, data Data) (any, error) {
	str, ok := v.(string)
	if !ok {
		return v, nil
	}
	return resolve.Resolve(str, toResolveScope(data), resolve.Options{})
}

func compare(left any, op string, right any) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	switch op {
	case "eq":
		return looseEqual(left, right), nil
	case "ne":
		return !looseEqual(left, right), nil
	case "gt":
		if !lok || !rok {
			return false, planerr.Newf(planerr.CodeUnsafeExpression, "gt requires numeric operands")
		}
		return lf > rf, nil
	case "gte":
		if !lok || !rok {
			return false, planerr.Newf(planerr.CodeUnsafeExpression, "gte requires numeric operands")
		}
		return lf >= rf, nil
	case "lt":
		if !lok || !rok {
			return false, planerr.Newf(planerr.CodeUnsafeExpression, "lt requires numeric operands")
		}
		return lf < rf, nil
	case "lte":
		if !lok || !rok {
			return false, planerr.Newf(planerr.CodeUnsafeExpression, "lte requires numeric operands")
		}
		return lf <= rf, nil
	default:
		return false, planerr.Newf(planerr.CodeUnsafeExpression, "unknown structured guard op: %s", op)
	}
}

func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

func (e *Engine) evalExpr(expr string, data Data) (bool, error) {
	substituted, err := substitutePlaceholders(expr, data)
	if err != nil {
		return false, err
	}
	if err := validateGrammar(substituted); err != nil {
		return false, err
	}
	translated := translateKeywords(substituted)

	prg, err := e.compile(translated, data.KnownNodeIDs)
	if err != nil {
		return false, planerr.Newf(planerr.CodeUnsafeExpression, "guard compile failed: %v", err).WithCause(err)
	}

	activation := map[string]any{
		"vars":   orEmpty(data.Vars),
		"env":    orEmpty(data.Env),
		"config": orEmpty(data.Config),
	}
	for _, id := range data.KnownNodeIDs {
		if n, ok := data.Nodes[id]; ok {
			activation[id] = n
		} else {
			activation[id] = map[string]any{}
		}
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, planerr.Newf(planerr.CodeUnsafeExpression, "guard evaluation failed: %v", err).WithCause(err)
	}
	v := out.Value()
	return truthy(v), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (e *Engine) compile(expr string, nodeIDs []string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := expr
	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	opts := []cel.EnvOption{
		cel.Variable("vars", cel.DynType),
		cel.Variable("env", cel.DynType),
		cel.Variable("config", cel.DynType),
	}
	for _, id := range nodeIDs {
		opts = append(opts, cel.Variable(id, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	e.cache[key] = prg
	return prg, nil
}

// ValidateExpressionSyntax checks expr against the closed grammar without
// evaluating it: every `${...}` placeholder is replaced with a neutral `0`
// literal (mirroring original_source's validator.py, which substitutes a
// harmless literal before ast.parse), then the result is tokenized and
// checked exactly as evalExpr would. Used by the Validator's guard-syntax
// check (spec §4.5 item 6), which runs before any node has produced outputs.
func ValidateExpressionSyntax(expr string) error {
	neutral := resolve.ReplacePlaceholders(expr, "0")
	return validateGrammar(neutral)
}

// substitutePlaceholders resolves every `${...}` in expr against data and
// splices the result back in as a grammar-correct literal token.
func substitutePlaceholders(expr string, data Data) (string, error) {
	if !resolve.HasPlaceholder(expr) {
		return expr, nil
	}
	var sb strings.Builder
	rest := expr
	for {
		i := strings.Index(rest, "${")
		if i == -1 {
			sb.WriteString(rest)
			break
		}
		j := strings.Index(rest[i:], "}")
		if j == -1 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:i])
		inner := strings.TrimSpace(rest[i+2 : i+j])
		v, err := resolve.Resolve("${"+inner+"}", toResolveScope(data), resolve.Options{})
		if err != nil {
			return "", err
		}
		sb.WriteString(literalToken(v))
		rest = rest[i+j+1:]
	}
	return sb.String(), nil
}

func toResolveScope(data Data) resolve.Scope {
	known := map[string]bool{}
	for _, id := range data.KnownNodeIDs {
		known[id] = true
	}
	return resolve.Scope{
		Vars:         data.Vars,
		Config:       data.ConfigStore,
		KnownNodeIDs: known,
		Outputs: func(nodeID string) (map[string]any, bool) {
			n, ok := data.Nodes[nodeID]
			return n, ok
		},
	}
}

func literalToken(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int, int64:
		return fmt.Sprintf("%v", t)
	default:
		return strconv.Quote(fmt.Sprintf("%v", t))
	}
}

// translateKeywords rewrites the closed grammar's python-style keyword
// operators (and/or/not) into CEL's symbolic equivalents. Tokens are
// matched on word boundaries so identifiers like `android` are untouched.
func translateKeywords(expr string) string {
	toks := tokenize(expr)
	var sb strings.Builder
	for _, t := range toks {
		switch {
		case t.kind == tokKeyword && t.text == "and":
			sb.WriteString(" && ")
		case t.kind == tokKeyword && t.text == "or":
			sb.WriteString(" || ")
		case t.kind == tokKeyword && t.text == "not":
			sb.WriteString(" ! ")
		default:
			sb.WriteString(t.raw)
		}
	}
	return sb.String()
}
