package expr

import (
	"unicode"

	"github.com/meow-stack/recipe-engine/internal/errors"
)

// tokenKind represents the type of a token
type tokenKind int

const (
	tokenWord tokenKind = iota
	tokenString
	tokenOperator
	tokenLParen
	tokenRParen
)

// token represents a lexical token. Positions count runes from the start
// of the substituted expression.
type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) isKeyword(kw string) bool {
	return t.kind == tokenWord && t.text == kw
}

// endsPhrase reports whether the token ends an unquoted contains phrase.
func (t token) endsPhrase() bool {
	return t.isKeyword("and") || t.isKeyword("or")
}

// tokenize converts an expression string into a slice of tokens
func tokenize(text string) ([]token, error) {
	src := []rune(text)
	var tokens []token
	i := 0

	for i < len(src) {
		c := src[i]

		if unicode.IsSpace(c) {
			i++
			continue
		}

		switch {
		case c == '\'' || c == '"':
			start := i
			i++
			for i < len(src) && src[i] != c {
				i++
			}
			if i >= len(src) {
				return nil, errors.Syntax("Unterminated string literal starting at position %d", start).
					WithDetail("position", start)
			}
			tokens = append(tokens, token{kind: tokenString, text: string(src[start+1 : i]), pos: start})
			i++

		case c == '(':
			tokens = append(tokens, token{kind: tokenLParen, text: "(", pos: i})
			i++

		case c == ')':
			tokens = append(tokens, token{kind: tokenRParen, text: ")", pos: i})
			i++

		case i+1 < len(src) && isTwoCharOp(c, src[i+1]):
			tokens = append(tokens, token{kind: tokenOperator, text: string(src[i : i+2]), pos: i})
			i += 2

		case c == '<' || c == '>':
			tokens = append(tokens, token{kind: tokenOperator, text: string(c), pos: i})
			i++

		case isWordRune(c) || (c == '-' && i+1 < len(src) && unicode.IsDigit(src[i+1])):
			// A leading '-' is accepted so substituted negative numbers stay one word.
			start := i
			i++
			for i < len(src) && isWordRune(src[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokenWord, text: string(src[start:i]), pos: start})

		default:
			return nil, errors.Syntax("Unexpected character '%c' at position %d", c, i).
				WithDetail("position", i)
		}
	}

	return tokens, nil
}

func isTwoCharOp(a, b rune) bool {
	if b != '=' {
		return false
	}
	return a == '=' || a == '!' || a == '<' || a == '>'
}

func isWordRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.'
}
