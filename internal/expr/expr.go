// Package expr evaluates the boolean condition language used by step
// conditions, while conditions and break conditions.
//
// Evaluation has two phases. Every {{dotted.path}} reference is first
// replaced by a literal: strings become quoted literals, booleans the bare
// words true/false, anything else its text form. The substituted text is
// then tokenized and parsed by recursive descent:
//
//	or_expr    := and_expr ("or" and_expr)*
//	and_expr   := not_expr ("and" not_expr)*
//	not_expr   := "not" not_expr | comparison
//	comparison := atom (op atom | "contains" phrase)?
//	atom       := "(" or_expr ")" | string_literal | bareword
//
// Operands compare numerically when both parse as numbers and as strings
// otherwise. A lone atom is tested for truthiness.
package expr

import (
	"strconv"
	"strings"

	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/vars"
)

// falsy lists the operand texts that are false when tested for truthiness.
var falsy = map[string]bool{
	"false": true,
	"False": true,
	"":      true,
	"0":     true,
	"none":  true,
	"None":  true,
}

// Evaluate substitutes references in expression from r and evaluates it.
// An empty or whitespace-only expression is true.
func Evaluate(expression string, r vars.Resolver) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	substituted, err := vars.ReplaceRefs(expression, r, literal)
	if err != nil {
		return false, err
	}
	return EvaluateLiteral(substituted)
}

// EvaluateLiteral evaluates an expression that contains no references.
func EvaluateLiteral(text string) (bool, error) {
	if strings.TrimSpace(text) == "" {
		return true, nil
	}

	tokens, err := tokenize(text)
	if err != nil {
		return false, err
	}

	p := &parser{tokens: tokens}
	result, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if tok, ok := p.peek(); ok {
		return false, errors.Syntax("Unexpected token '%s' at position %d", tok.text, tok.pos).
			WithDetail("position", tok.pos)
	}
	return result, nil
}

// literal renders a resolved value as expression source text.
func literal(v any) string {
	switch val := v.(type) {
	case string:
		if strings.Contains(val, "'") && !strings.Contains(val, `"`) {
			return `"` + val + `"`
		}
		return "'" + val + "'"
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return vars.Stringify(v)
	}
}

// operand is an evaluated atom.
type operand struct {
	text   string
	quoted bool
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) next() (token, bool) {
	tok, ok := p.peek()
	if ok {
		p.pos++
	}
	return tok, ok
}

// peekKeyword reports whether the next token is the given keyword.
func (p *parser) peekKeyword(kw string) bool {
	tok, ok := p.peek()
	return ok && tok.isKeyword(kw)
}

func (p *parser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.peekKeyword("or") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *parser) parseAnd() (bool, error) {
	left, err := p.parseNot()
	if err != nil {
		return false, err
	}
	for p.peekKeyword("and") {
		p.pos++
		right, err := p.parseNot()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *parser) parseNot() (bool, error) {
	if p.peekKeyword("not") {
		p.pos++
		v, err := p.parseNot()
		if err != nil {
			return false, err
		}
		return !v, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (bool, error) {
	left, err := p.parseAtom()
	if err != nil {
		return false, err
	}

	tok, ok := p.peek()
	switch {
	case ok && tok.kind == tokenOperator:
		p.pos++
		right, err := p.parseAtom()
		if err != nil {
			return false, err
		}
		return compare(left.text, tok.text, right.text), nil

	case ok && tok.isKeyword("contains"):
		p.pos++
		right, err := p.parsePhrase(tok)
		if err != nil {
			return false, err
		}
		return strings.Contains(left.text, right), nil
	}

	return !falsy[left.text], nil
}

// parsePhrase reads the right operand of contains. An unquoted operand
// extends over consecutive barewords up to and/or, joined by single spaces.
func (p *parser) parsePhrase(op token) (string, error) {
	tok, ok := p.peek()
	if !ok {
		return "", errors.Syntax("Expected value after 'contains' at position %d", op.pos).
			WithDetail("position", op.pos)
	}
	if tok.kind != tokenWord || tok.endsPhrase() {
		atom, err := p.parseAtom()
		if err != nil {
			return "", err
		}
		return atom.text, nil
	}

	var words []string
	for {
		tok, ok := p.peek()
		if !ok || tok.kind != tokenWord || tok.endsPhrase() {
			break
		}
		words = append(words, tok.text)
		p.pos++
	}
	return strings.Join(words, " "), nil
}

func (p *parser) parseAtom() (operand, error) {
	tok, ok := p.next()
	if !ok {
		return operand{}, errors.Syntax("Unexpected end of expression")
	}

	switch tok.kind {
	case tokenLParen:
		v, err := p.parseOr()
		if err != nil {
			return operand{}, err
		}
		closing, ok := p.next()
		if !ok || closing.kind != tokenRParen {
			pos := tok.pos
			if ok {
				pos = closing.pos
			}
			return operand{}, errors.Syntax("Expected ')' at position %d", pos).
				WithDetail("position", pos)
		}
		return operand{text: strconv.FormatBool(v)}, nil

	case tokenString:
		return operand{text: tok.text, quoted: true}, nil

	case tokenOperator:
		return operand{}, errors.Syntax("Unexpected operator '%s' at position %d", tok.text, tok.pos).
			WithDetail("position", tok.pos)

	case tokenRParen:
		return operand{}, errors.Syntax("Unexpected token ')' at position %d", tok.pos).
			WithDetail("position", tok.pos)
	}

	if tok.isKeyword("and") || tok.isKeyword("or") || tok.isKeyword("not") {
		return operand{}, errors.Syntax("Unexpected keyword '%s' at position %d", tok.text, tok.pos).
			WithDetail("position", tok.pos)
	}
	return operand{text: tok.text}, nil
}

// compare applies op numerically when both sides are numbers, else as strings.
func compare(left, op, right string) bool {
	lf, lerr := strconv.ParseFloat(left, 64)
	rf, rerr := strconv.ParseFloat(right, 64)
	if lerr == nil && rerr == nil {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case "<":
			return lf < rf
		case ">":
			return lf > rf
		case "<=":
			return lf <= rf
		case ">=":
			return lf >= rf
		}
		return false
	}

	switch op {
	case "==":
		return left == right
	case "!=":
		return left != right
	case "<":
		return left < right
	case ">":
		return left > right
	case "<=":
		return left <= right
	case ">=":
		return left >= right
	}
	return false
}
