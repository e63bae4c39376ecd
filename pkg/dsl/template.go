package dsl

import "strings"

// RenderTemplate substitutes every {{ expression }} segment of tmpl with
// its evaluated, stringified value. Text outside the markers passes through
// untouched; a string without markers renders to itself.
func RenderTemplate(tmpl string, ctx *Context) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:open])
		rest = rest[open+2:]

		closing := strings.Index(rest, "}}")
		if closing < 0 {
			return "", parseErrorf(open, "unterminated template expression")
		}
		expr := rest[:closing]
		rest = rest[closing+2:]

		node, err := Parse(expr)
		if err != nil {
			return "", err
		}
		v, err := eval(node, ctx)
		if err != nil {
			return "", err
		}
		b.WriteString(stringify(v))
	}
}
