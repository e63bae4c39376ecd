package dsl

import "math"

// Context holds the data visible to an expression: args, config, request
// and (for response templates) response, each a plain decoded-JSON value.
type Context struct {
	data map[string]any
}

// NewContext builds an evaluation context over the given data.
func NewContext(data map[string]any) *Context {
	if data == nil {
		data = map[string]any{}
	}
	return &Context{data: data}
}

// Child derives a context with extra bindings layered over this one.
func (c *Context) Child(extra map[string]any) *Context {
	merged := make(map[string]any, len(c.data)+len(extra))
	for k, v := range c.data {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return NewContext(merged)
}

func (c *Context) lookup(name string) Value {
	return FromAny(c.data[name])
}

// Eval evaluates a parsed expression against a context. All failures are
// reported as *Error; lookups that miss yield null rather than failing.
func Eval(node Node, ctx *Context) (any, error) {
	v, err := eval(node, ctx)
	if err != nil {
		return nil, err
	}
	return v.Any(), nil
}

// EvalString parses and evaluates in one step.
func EvalString(expr string, ctx *Context) (any, error) {
	node, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	return Eval(node, ctx)
}

func eval(node Node, ctx *Context) (Value, error) {
	switch n := node.(type) {
	case *LiteralNode:
		return n.Value, nil

	case *IdentifierNode:
		return ctx.lookup(n.Name), nil

	case *MemberNode:
		obj, err := eval(n.Object, ctx)
		if err != nil {
			return Null, err
		}
		if n.Computed {
			key, err := eval(n.Index, ctx)
			if err != nil {
				return Null, err
			}
			return obj.Member(key), nil
		}
		return obj.Member(String(n.Property)), nil

	case *CallNode:
		return evalCall(n, nil, ctx)

	case *BinaryNode:
		left, err := eval(n.Left, ctx)
		if err != nil {
			return Null, err
		}
		right, err := eval(n.Right, ctx)
		if err != nil {
			return Null, err
		}
		return applyBinary(n.Operator, left, right)

	case *UnaryNode:
		operand, err := eval(n.Operand, ctx)
		if err != nil {
			return Null, err
		}
		switch n.Operator {
		case "!":
			return Bool(!operand.Truthy()), nil
		case "-":
			if operand.Kind() != KindNumber {
				return Null, evalErrorf("cannot negate %s", operand.Kind())
			}
			return Number(-operand.n), nil
		default:
			return Null, evalErrorf("unknown unary operator %q", n.Operator)
		}

	case *ConditionalNode:
		cond, err := eval(n.Cond, ctx)
		if err != nil {
			return Null, err
		}
		if cond.Truthy() {
			return eval(n.Then, ctx)
		}
		return eval(n.Else, ctx)

	case *ArrayNode:
		items := make([]any, len(n.Elements))
		for i, elem := range n.Elements {
			v, err := eval(elem, ctx)
			if err != nil {
				return Null, err
			}
			items[i] = v.Any()
		}
		return Array(items), nil

	case *ObjectNode:
		obj := make(map[string]any, len(n.Properties))
		for _, prop := range n.Properties {
			v, err := eval(prop.Value, ctx)
			if err != nil {
				return Null, err
			}
			obj[prop.Key] = v.Any()
		}
		return Object(obj), nil

	case *PipeNode:
		left, err := eval(n.Left, ctx)
		if err != nil {
			return Null, err
		}
		// x | f(y) is sugar for f(x, y).
		if call, ok := n.Right.(*CallNode); ok {
			return evalCall(call, &left, ctx)
		}
		// Otherwise the piped value is bound as "data" on the right.
		return eval(n.Right, ctx.Child(map[string]any{"data": left.Any()}))

	default:
		return Null, evalErrorf("unknown node type %T", node)
	}
}

func evalCall(call *CallNode, piped *Value, ctx *Context) (Value, error) {
	ident, ok := call.Func.(*IdentifierNode)
	if !ok {
		return Null, evalErrorf("invalid function call target")
	}

	args := make([]Value, 0, len(call.Args)+1)
	if piped != nil {
		args = append(args, *piped)
	}
	for _, argNode := range call.Args {
		v, err := eval(argNode, ctx)
		if err != nil {
			return Null, err
		}
		args = append(args, v)
	}

	if fn, ok := builtins[ident.Name]; ok {
		out, err := fn(args)
		if err != nil {
			return Null, err
		}
		return out, nil
	}

	// Context-supplied callable values.
	if v := ctx.lookup(ident.Name); v.Kind() == KindFunc {
		return callFunc(v.fn, args...)
	}

	return Null, evalErrorf("unknown function %q", ident.Name)
}

func applyBinary(op string, left, right Value) (Value, error) {
	switch op {
	case "+":
		return add(left, right)
	case "-":
		if left.Kind() == KindNumber && right.Kind() == KindNumber {
			return Number(left.n - right.n), nil
		}
		return Null, evalErrorf("cannot subtract %s from %s", right.Kind(), left.Kind())
	case "*":
		return multiply(left, right)
	case "/":
		if left.Kind() != KindNumber || right.Kind() != KindNumber {
			return Null, evalErrorf("cannot divide %s by %s", left.Kind(), right.Kind())
		}
		if right.n == 0 {
			return Null, evalErrorf("division by zero")
		}
		return Number(left.n / right.n), nil
	case "%":
		if left.Kind() != KindNumber || right.Kind() != KindNumber {
			return Null, evalErrorf("cannot modulo %s by %s", left.Kind(), right.Kind())
		}
		if right.n == 0 {
			return Null, evalErrorf("modulo by zero")
		}
		return Number(math.Mod(left.n, right.n)), nil
	case "==":
		return Bool(left.Equal(right)), nil
	case "!=":
		return Bool(!left.Equal(right)), nil
	case "<":
		return Bool(lessThan(left, right)), nil
	case "<=":
		return Bool(lessThan(left, right) || left.Equal(right)), nil
	case ">":
		return Bool(lessThan(right, left)), nil
	case ">=":
		return Bool(lessThan(right, left) || left.Equal(right)), nil
	case "&&":
		return Bool(left.Truthy() && right.Truthy()), nil
	case "||":
		return Bool(left.Truthy() || right.Truthy()), nil
	default:
		return Null, evalErrorf("unknown operator %q", op)
	}
}

func add(left, right Value) (Value, error) {
	switch {
	case left.Kind() == KindNumber && right.Kind() == KindNumber:
		return Number(left.n + right.n), nil
	case left.Kind() == KindString || right.Kind() == KindString:
		return String(stringify(left) + stringify(right)), nil
	case left.Kind() == KindArray && right.Kind() == KindArray:
		out := make([]any, 0, len(left.arr)+len(right.arr))
		out = append(out, left.arr...)
		out = append(out, right.arr...)
		return Array(out), nil
	default:
		return Null, evalErrorf("cannot add %s and %s", left.Kind(), right.Kind())
	}
}

func multiply(left, right Value) (Value, error) {
	switch {
	case left.Kind() == KindNumber && right.Kind() == KindNumber:
		return Number(left.n * right.n), nil
	case left.Kind() == KindString && right.Kind() == KindNumber:
		return String(repeatString(left.s, int(right.n))), nil
	case left.Kind() == KindArray && right.Kind() == KindNumber:
		times := int(right.n)
		if times < 0 {
			times = 0
		}
		out := make([]any, 0, len(left.arr)*times)
		for i := 0; i < times; i++ {
			out = append(out, left.arr...)
		}
		return Array(out), nil
	default:
		return Null, evalErrorf("cannot multiply %s by %s", left.Kind(), right.Kind())
	}
}

func repeatString(s string, times int) string {
	if times < 0 {
		times = 0
	}
	out := make([]byte, 0, len(s)*times)
	for i := 0; i < times; i++ {
		out = append(out, s...)
	}
	return string(out)
}

// lessThan compares uniformly typed numbers or strings; mixed or unordered
// kinds are never less.
func lessThan(left, right Value) bool {
	if left.Kind() == KindNumber && right.Kind() == KindNumber {
		return left.n < right.n
	}
	if left.Kind() == KindString && right.Kind() == KindString {
		return left.s < right.s
	}
	return false
}
