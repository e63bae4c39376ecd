package dsl

import (
	"strings"
)

type tokenType int

const (
	tokEOF tokenType = iota
	tokNumber
	tokString
	tokBool
	tokNull
	tokIdent
	tokKeyword // reserved words: if else for in let function return

	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokPercent

	tokEq
	tokNotEq
	tokLess
	tokLessEq
	tokGreater
	tokGreaterEq

	tokAnd
	tokOr
	tokNot

	tokDot
	tokComma
	tokQuestion
	tokColon
	tokPipe

	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
)

type token struct {
	typ tokenType
	val string
	pos int
}

var keywords = map[string]tokenType{
	"true":     tokBool,
	"false":    tokBool,
	"null":     tokNull,
	"if":       tokKeyword,
	"else":     tokKeyword,
	"for":      tokKeyword,
	"in":       tokKeyword,
	"let":      tokKeyword,
	"function": tokKeyword,
	"return":   tokKeyword,
}

// tokenize scans the whole input, skipping whitespace and // or /* */
// comments.
func tokenize(input string) ([]token, error) {
	var toks []token
	i := 0
	n := len(input)

	for i < n {
		c := input[i]

		// Whitespace.
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			i++
			continue
		}

		// Comments.
		if c == '/' && i+1 < n && input[i+1] == '/' {
			for i < n && input[i] != '\n' {
				i++
			}
			continue
		}
		if c == '/' && i+1 < n && input[i+1] == '*' {
			end := strings.Index(input[i+2:], "*/")
			if end < 0 {
				i = n
			} else {
				i += 2 + end + 2
			}
			continue
		}

		start := i
		switch {
		case c >= '0' && c <= '9':
			for i < n && input[i] >= '0' && input[i] <= '9' {
				i++
			}
			if i+1 < n && input[i] == '.' && input[i+1] >= '0' && input[i+1] <= '9' {
				i++
				for i < n && input[i] >= '0' && input[i] <= '9' {
					i++
				}
			}
			toks = append(toks, token{tokNumber, input[start:i], start})

		case c == '"' || c == '\'':
			quote := c
			i++
			var sb strings.Builder
			closed := false
			for i < n {
				if input[i] == '\\' && i+1 < n {
					switch input[i+1] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					case 'r':
						sb.WriteByte('\r')
					default:
						sb.WriteByte(input[i+1])
					}
					i += 2
					continue
				}
				if input[i] == quote {
					closed = true
					i++
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, parseErrorf(start, "unterminated string")
			}
			toks = append(toks, token{tokString, sb.String(), start})

		case isIdentStart(c):
			for i < n && isIdentPart(input[i]) {
				i++
			}
			word := input[start:i]
			if typ, ok := keywords[word]; ok {
				toks = append(toks, token{typ, word, start})
			} else {
				toks = append(toks, token{tokIdent, word, start})
			}

		default:
			typ, width, err := scanOperator(input, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{typ, input[i : i+width], start})
			i += width
		}
	}

	toks = append(toks, token{tokEOF, "", n})
	return toks, nil
}

func scanOperator(input string, i int) (tokenType, int, error) {
	two := ""
	if i+1 < len(input) {
		two = input[i : i+2]
	}
	switch two {
	case "==":
		return tokEq, 2, nil
	case "!=":
		return tokNotEq, 2, nil
	case "<=":
		return tokLessEq, 2, nil
	case ">=":
		return tokGreaterEq, 2, nil
	case "&&":
		return tokAnd, 2, nil
	case "||":
		return tokOr, 2, nil
	}

	switch input[i] {
	case '+':
		return tokPlus, 1, nil
	case '-':
		return tokMinus, 1, nil
	case '*':
		return tokStar, 1, nil
	case '/':
		return tokSlash, 1, nil
	case '%':
		return tokPercent, 1, nil
	case '<':
		return tokLess, 1, nil
	case '>':
		return tokGreater, 1, nil
	case '!':
		return tokNot, 1, nil
	case '.':
		return tokDot, 1, nil
	case ',':
		return tokComma, 1, nil
	case '?':
		return tokQuestion, 1, nil
	case ':':
		return tokColon, 1, nil
	case '|':
		return tokPipe, 1, nil
	case '(':
		return tokLParen, 1, nil
	case ')':
		return tokRParen, 1, nil
	case '[':
		return tokLBracket, 1, nil
	case ']':
		return tokRBracket, 1, nil
	case '{':
		return tokLBrace, 1, nil
	case '}':
		return tokRBrace, 1, nil
	}
	return tokEOF, 0, parseErrorf(i, "unexpected character %q", input[i])
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
