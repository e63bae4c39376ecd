package dsl

import (
	"strings"
)

// Node is one expression tree node. String renders the node back to source
// form; the rendering parses to an equivalent tree (compound expressions
// are printed fully parenthesized, and parentheses carry no AST node).
type Node interface {
	String() string
}

// LiteralNode holds a string, number, boolean or null constant.
type LiteralNode struct {
	Value Value
}

func (n *LiteralNode) String() string {
	switch n.Value.Kind() {
	case KindNull:
		return "null"
	case KindBool:
		if n.Value.Truthy() {
			return "true"
		}
		return "false"
	case KindNumber:
		return formatNumber(n.Value.n)
	case KindString:
		return quote(n.Value.s)
	default:
		return "null"
	}
}

// IdentifierNode references a context field or built-in function by name.
type IdentifierNode struct {
	Name string
}

func (n *IdentifierNode) String() string { return n.Name }

// MemberNode is obj.prop (Computed=false, Property set) or obj[expr]
// (Computed=true, Index set).
type MemberNode struct {
	Object   Node
	Property string
	Index    Node
	Computed bool
}

func (n *MemberNode) String() string {
	if n.Computed {
		return n.Object.String() + "[" + n.Index.String() + "]"
	}
	return n.Object.String() + "." + n.Property
}

// CallNode invokes a function with evaluated arguments.
type CallNode struct {
	Func Node
	Args []Node
}

func (n *CallNode) String() string {
	args := make([]string, len(n.Args))
	for i, a := range n.Args {
		args[i] = a.String()
	}
	return n.Func.String() + "(" + strings.Join(args, ", ") + ")"
}

// BinaryNode applies an infix operator.
type BinaryNode struct {
	Left     Node
	Operator string
	Right    Node
}

func (n *BinaryNode) String() string {
	return "(" + n.Left.String() + " " + n.Operator + " " + n.Right.String() + ")"
}

// UnaryNode applies ! or unary -.
type UnaryNode struct {
	Operator string
	Operand  Node
}

func (n *UnaryNode) String() string {
	return "(" + n.Operator + n.Operand.String() + ")"
}

// ConditionalNode is the ternary cond ? then : else.
type ConditionalNode struct {
	Cond Node
	Then Node
	Else Node
}

func (n *ConditionalNode) String() string {
	return "(" + n.Cond.String() + " ? " + n.Then.String() + " : " + n.Else.String() + ")"
}

// ArrayNode is an array literal.
type ArrayNode struct {
	Elements []Node
}

func (n *ArrayNode) String() string {
	items := make([]string, len(n.Elements))
	for i, e := range n.Elements {
		items[i] = e.String()
	}
	return "[" + strings.Join(items, ", ") + "]"
}

// ObjectProperty is one key-value pair of an object literal.
type ObjectProperty struct {
	Key   string
	Value Node
}

// ObjectNode is an object literal. Property order is preserved.
type ObjectNode struct {
	Properties []ObjectProperty
}

func (n *ObjectNode) String() string {
	items := make([]string, len(n.Properties))
	for i, p := range n.Properties {
		key := p.Key
		if !isBareKey(key) {
			key = quote(key)
		}
		items[i] = key + ": " + p.Value.String()
	}
	return "{" + strings.Join(items, ", ") + "}"
}

// PipeNode is x | f(...), sugar for f(x, ...).
type PipeNode struct {
	Left  Node
	Right Node
}

func (n *PipeNode) String() string {
	return "(" + n.Left.String() + " | " + n.Right.String() + ")"
}

func quote(s string) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\t':
			sb.WriteString(`\t`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteByte('"')
	return sb.String()
}

func isBareKey(s string) bool {
	if s == "" {
		return false
	}
	if _, reserved := keywords[s]; reserved {
		return false
	}
	if !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentPart(s[i]) {
			return false
		}
	}
	return true
}
