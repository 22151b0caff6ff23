// Package formula implements the restricted expression grammar used by
// questionnaire variables: literals, variable references, arithmetic,
// comparisons, boolean operators, and a fixed set of builtin functions.
// Nothing else is reachable — formulas cannot execute general code.
package formula

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent
	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input string
	pos   int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.input) && unicode.IsSpace(rune(l.input[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch {
	case c >= '0' && c <= '9' || c == '.' && l.pos+1 < len(l.input) && isDigit(l.input[l.pos+1]):
		seenDot := false
		for l.pos < len(l.input) && (isDigit(l.input[l.pos]) || l.input[l.pos] == '.' && !seenDot) {
			if l.input[l.pos] == '.' {
				seenDot = true
			}
			l.pos++
		}
		return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}, nil

	case isIdentStart(c):
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		word := l.input[start:l.pos]
		switch strings.ToLower(word) {
		case "and":
			return token{kind: tokAnd, text: word, pos: start}, nil
		case "or":
			return token{kind: tokOr, text: word, pos: start}, nil
		case "not":
			return token{kind: tokNot, text: word, pos: start}, nil
		}
		return token{kind: tokIdent, text: word, pos: start}, nil

	case c == '"' || c == '\'':
		quote := c
		l.pos++
		var sb strings.Builder
		for l.pos < len(l.input) && l.input[l.pos] != quote {
			if l.input[l.pos] == '\\' && l.pos+1 < len(l.input) {
				l.pos++
			}
			sb.WriteByte(l.input[l.pos])
			l.pos++
		}
		if l.pos >= len(l.input) {
			return token{}, fmt.Errorf("unterminated string at %d", start)
		}
		l.pos++ // Closing quote
		return token{kind: tokString, text: sb.String(), pos: start}, nil
	}

	two := ""
	if l.pos+1 < len(l.input) {
		two = l.input[l.pos : l.pos+2]
	}
	switch two {
	case "==":
		l.pos += 2
		return token{kind: tokEq, text: two, pos: start}, nil
	case "!=":
		l.pos += 2
		return token{kind: tokNeq, text: two, pos: start}, nil
	case "<=":
		l.pos += 2
		return token{kind: tokLte, text: two, pos: start}, nil
	case ">=":
		l.pos += 2
		return token{kind: tokGte, text: two, pos: start}, nil
	case "&&":
		l.pos += 2
		return token{kind: tokAnd, text: two, pos: start}, nil
	case "||":
		l.pos += 2
		return token{kind: tokOr, text: two, pos: start}, nil
	}

	l.pos++
	switch c {
	case '+':
		return token{kind: tokPlus, text: "+", pos: start}, nil
	case '-':
		return token{kind: tokMinus, text: "-", pos: start}, nil
	case '*':
		return token{kind: tokStar, text: "*", pos: start}, nil
	case '/':
		return token{kind: tokSlash, text: "/", pos: start}, nil
	case '%':
		return token{kind: tokPercent, text: "%", pos: start}, nil
	case '<':
		return token{kind: tokLt, text: "<", pos: start}, nil
	case '>':
		return token{kind: tokGt, text: ">", pos: start}, nil
	case '!':
		return token{kind: tokNot, text: "!", pos: start}, nil
	case '=':
		// Single '=' is accepted as equality; questionnaire authors write it
		// constantly and rejecting it would break otherwise-valid content.
		return token{kind: tokEq, text: "=", pos: start}, nil
	case '(':
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case ')':
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case ',':
		return token{kind: tokComma, text: ",", pos: start}, nil
	}

	return token{}, fmt.Errorf("unexpected character %q at %d", c, start)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }

// ScanIdentifiers is the conservative fallback used when a formula does not
// parse: it collects every identifier-shaped token that is not a builtin or
// keyword, so dependency tracking stays usable in a degraded state.
func ScanIdentifiers(raw string) []string {
	var out []string
	seen := make(map[string]struct{})

	i := 0
	for i < len(raw) {
		c := raw[i]
		if c == '"' || c == '\'' {
			// Skip string literals entirely.
			quote := c
			i++
			for i < len(raw) && raw[i] != quote {
				if raw[i] == '\\' {
					i++
				}
				i++
			}
			i++
			continue
		}
		if !isIdentStart(c) {
			i++
			continue
		}
		start := i
		for i < len(raw) && isIdentPart(raw[i]) {
			i++
		}
		word := raw[start:i]
		if isReserved(word) {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		out = append(out, word)
	}
	return out
}

func isReserved(word string) bool {
	switch strings.ToLower(word) {
	case "and", "or", "not", "true", "false", "null":
		return true
	}
	_, builtin := builtins[strings.ToUpper(word)]
	return builtin
}
