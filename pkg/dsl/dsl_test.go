package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalExpr(t *testing.T, expr string, data map[string]any) any {
	t.Helper()
	out, err := EvalString(expr, NewContext(data))
	require.NoError(t, err)
	return out
}

func TestEvalBasics(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"user":   map[string]any{"id": float64(42), "name": "ada"},
		"config": map[string]any{"baseUrl": "https://x"},
	}

	tests := []struct {
		expr string
		want any
	}{
		{`config.baseUrl + "/users/" + toString(user.id)`, "https://x/users/42"},
		{"1 + 2 * 3", float64(7)},
		{"10 % 3", float64(1)},
		{"user.id == 42", true},
		{"user.id != 42", false},
		{"user.name < \"bob\"", true},
		{"user.id >= 42 && user.name == \"ada\"", true},
		{"!user.missing", true},
		{"-user.id", float64(-42)},
		{"user.id > 100 ? \"big\" : \"small\"", "small"},
		{"user.missing ? 1 : 2", float64(2)},
		{`"ab" * 3`, "ababab"},
		{"[1, 2] + [3]", []any{float64(1), float64(2), float64(3)}},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, evalExpr(t, tt.expr, data))
		})
	}
}

// Missing members and indexes degrade to null instead of failing, at any
// depth.
func TestEvalGracefulMemberProbing(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"user":  map[string]any{"name": "ada"},
		"items": []any{"a", "b"},
	}

	assert.Nil(t, evalExpr(t, "user.missing", data))
	assert.Nil(t, evalExpr(t, "user.missing.deeper.still", data))
	assert.Nil(t, evalExpr(t, "items[99]", data))
	assert.Nil(t, evalExpr(t, "items[-1]", data))
	assert.Nil(t, evalExpr(t, "ghost.anything", data))
	assert.Equal(t, "b", evalExpr(t, "items[1]", data))
	assert.Equal(t, "b", evalExpr(t, `items["1"]`, data))
}

func TestEvalBuiltins(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"users": []any{
			map[string]any{"name": "ada", "active": true, "age": float64(36)},
			map[string]any{"name": "bob", "active": false, "age": float64(41)},
			map[string]any{"name": "cyd", "active": true, "age": float64(29)},
		},
		"csv":  "a,b,c",
		"blob": `{"k": 1}`,
	}

	tests := []struct {
		expr string
		want any
	}{
		{"length(\"héllo\")", float64(5)},
		{"length(users)", float64(3)},
		{"length(42)", float64(0)},
		{"toNumber(\"12\")", float64(12)},
		{"toNumber(\"3.5\")", float64(3.5)},
		{"toNumber(\"nope\")", float64(0)},
		{"toNumber(true)", float64(1)},
		{"toString(null)", ""},
		{"toString(false)", "false"},
		{"toJSON([1, 2])", "[1,2]"},
		{"fromJSON(blob).k", float64(1)},
		{"fromJSON(\"{bad\")", nil},
		{"split(csv, \",\")[1]", "b"},
		{"join([\"x\", \"y\"], \"-\")", "x-y"},
		{"replace(csv, \",\", \";\")", "a;b;c"},
		{"match(csv, \"^a\")", true},
		{"match(csv, \"[\")", false},
		{"extract(\"id=42;id=7\", \"id=(\\\\d+)\")", []any{"42", "7"}},
		{"default(null, \"fallback\")", "fallback"},
		{"default(\"\", \"fallback\")", "fallback"},
		{"default(\"set\", \"fallback\")", "set"},
		{"slice([1, 2, 3, 4], 1, 3)", []any{float64(2), float64(3)}},
		{"slice(\"hello\", 0, 2)", "he"},
		{"concat([1], [2], 3)", []any{float64(1), float64(2), float64(3)}},
		{"keys({b: 1, a: 2})", []any{"a", "b"}},
		{"values({b: 1, a: 2})", []any{float64(2), float64(1)}},
		{"merge({a: 1}, {b: 2}).b", float64(2)},
		{"pick({a: 1, b: 2}, \"a\").a", float64(1)},
		{"length(omit({a: 1, b: 2}, \"a\"))", float64(1)},
		{"sort([3, 1, 2])", []any{float64(1), float64(2), float64(3)}},
		{"sort([\"c\", \"a\"])", []any{"a", "c"}},
		{"includes([1, 2], 2)", true},
		{"includes([1, 2], 5)", false},
		{"users | filterBy(\"active\") | getNames()", []any{"ada", "cyd"}},
		{"users | pluck(\"age\") | length()", float64(3)},
		{"users | filterBy(\"name\", \"bob\") | length()", float64(1)},
		{"users | filterActive() | length()", float64(2)},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, evalExpr(t, tt.expr, data))
		})
	}
}

func TestEvalErrors(t *testing.T) {
	t.Parallel()

	exprs := []string{
		"1 / 0",
		"1 % 0",
		"\"a\" - 1",
		"-\"a\"",
		"{} / 2",
		"unknownFn(1)",
	}

	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			t.Parallel()
			_, err := EvalString(expr, NewContext(nil))
			require.Error(t, err)
			var dslErr *Error
			require.ErrorAs(t, err, &dslErr)
			assert.Equal(t, ErrEval, dslErr.Kind)
		})
	}
}

// The same expression over the same context must yield the same value.
func TestEvalPure(t *testing.T) {
	t.Parallel()

	data := map[string]any{
		"args":   map[string]any{"q": "books"},
		"config": map[string]any{"baseUrl": "https://api"},
	}
	node, err := Parse(`config.baseUrl + "/search?q=" + args.q`)
	require.NoError(t, err)

	first, err := Eval(node, NewContext(data))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Eval(node, NewContext(data))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEvalPipeDataBinding(t *testing.T) {
	t.Parallel()

	// A non-call right side sees the piped value as "data".
	out := evalExpr(t, "items | data[0]", map[string]any{"items": []any{"first", "second"}})
	assert.Equal(t, "first", out)
}
