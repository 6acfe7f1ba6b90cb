package guard

import (
	"strings"
	"unicode"

	"github.com/yujihama/planrunner/pkg/planerr"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokKeyword
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
	tokComma
)

type token struct {
	kind tokenKind
	text string // normalized text (for keywords/ops)
	raw  string // original source slice, including any surrounding whitespace consumed before it
}

var keywords = map[string]bool{"and": true, "or": true, "not": true, "true": true, "false": true, "null": true}

// allowed comparison/boolean operator lexemes — spec §4.3's closed set.
var allowedOps = map[string]bool{
	"==": true, "!=": true, "<=": true, ">=": true, "<": true, ">": true, "-": true,
}

// tokenize lexes a guard expression into tokens, preserving leading
// whitespace in `raw` so re-joining reconstructs readable text.
func tokenize(s string) []token {
	var toks []token
	i := 0
	n := len(s)
	for i < n {
		start := i
		for i < n && unicode.IsSpace(rune(s[i])) {
			i++
		}
		ws := s[start:i]
		if i >= n {
			if ws != "" {
				toks = append(toks, token{kind: tokOp, text: "", raw: ws})
			}
			break
		}
		c := s[i]
		switch {
		case c == '"' || c == '\'':
			j := i + 1
			for j < n && s[j] != c {
				if s[j] == '\\' {
					j++
				}
				j++
			}
			end := j + 1
			if end > n {
				end = n
			}
			toks = append(toks, token{kind: tokString, text: s[i:end], raw: ws + s[i:end]})
			i = end
		case c >= '0' && c <= '9':
			j := i
			for j < n && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: s[i:j], raw: ws + s[i:j]})
			i = j
		case isIdentStart(c):
			j := i
			for j < n && isIdentPart(s[j]) {
				j++
			}
			word := s[i:j]
			kind := tokIdent
			if keywords[word] {
				kind = tokKeyword
			}
			toks = append(toks, token{kind: kind, text: word, raw: ws + word})
			i = j
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", raw: ws + "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", raw: ws + ")"})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBracket, text: "[", raw: ws + "["})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBracket, text: "]", raw: ws + "]"})
			i++
		case c == '.':
			toks = append(toks, token{kind: tokDot, text: ".", raw: ws + "."})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", raw: ws + ","})
			i++
		case strings.HasPrefix(s[i:], "=="):
			toks = append(toks, token{kind: tokOp, text: "==", raw: ws + "=="})
			i += 2
		case strings.HasPrefix(s[i:], "!="):
			toks = append(toks, token{kind: tokOp, text: "!=", raw: ws + "!="})
			i += 2
		case strings.HasPrefix(s[i:], "<="):
			toks = append(toks, token{kind: tokOp, text: "<=", raw: ws + "<="})
			i += 2
		case strings.HasPrefix(s[i:], ">="):
			toks = append(toks, token{kind: tokOp, text: ">=", raw: ws + ">="})
			i += 2
		case c == '<' || c == '>' || c == '-':
			toks = append(toks, token{kind: tokOp, text: string(c), raw: ws + string(c)})
			i++
		default:
			// Unknown character: emit as a single-char op token so the
			// grammar validator can reject it explicitly.
			toks = append(toks, token{kind: tokOp, text: string(c), raw: ws + string(c)})
			i++
		}
	}
	return toks
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// validateGrammar rejects any expression containing tokens or patterns
// outside the closed grammar: function calls (identifier immediately
// followed by '('), arithmetic beyond unary minus, comma-separated
// argument/list construction, or any unrecognized operator character.
func validateGrammar(expr string) error {
	toks := tokenize(expr)
	for i, t := range toks {
		switch t.kind {
		case tokIdent, tokKeyword, tokNumber, tokString, tokLParen, tokRParen, tokLBracket, tokRBracket, tokDot:
			// allowed token kinds
		case tokOp:
			if t.text == "" {
				continue
			}
			if !allowedOps[t.text] {
				return planerr.Newf(planerr.CodeUnsafeExpression, "unsafe expression: disallowed operator '%s'", t.text)
			}
			if t.text == "-" && i > 0 {
				// '-' after an operand is binary subtraction, not unary minus.
				switch p := toks[i-1]; {
				case p.kind == tokIdent, p.kind == tokNumber, p.kind == tokString, p.kind == tokRParen, p.kind == tokRBracket,
					p.kind == tokKeyword && (p.text == "true" || p.text == "false" || p.text == "null"):
					return planerr.Newf(planerr.CodeUnsafeExpression, "unsafe expression: arithmetic beyond unary minus is not permitted")
				}
			}
		case tokComma:
			return planerr.Newf(planerr.CodeUnsafeExpression, "unsafe expression: comma not permitted (no function calls or literal lists)")
		}
		if t.kind == tokIdent && i+1 < len(toks) && toks[i+1].kind == tokLParen {
			return planerr.Newf(planerr.CodeUnsafeExpression, "unsafe expression: function calls are not permitted ('%s(')", t.text)
		}
	}
	return nil
}
