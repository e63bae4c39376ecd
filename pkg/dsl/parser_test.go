package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStructures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		check func(t *testing.T, node Node)
	}{
		{
			name:  "member chain",
			input: "ctx.user.id",
			check: func(t *testing.T, node Node) {
				outer, ok := node.(*MemberNode)
				require.True(t, ok)
				assert.Equal(t, "id", outer.Property)
				inner, ok := outer.Object.(*MemberNode)
				require.True(t, ok)
				assert.Equal(t, "user", inner.Property)
			},
		},
		{
			name:  "computed index",
			input: "items[0]",
			check: func(t *testing.T, node Node) {
				m, ok := node.(*MemberNode)
				require.True(t, ok)
				assert.True(t, m.Computed)
			},
		},
		{
			name:  "precedence of multiplication",
			input: "1 + 2 * 3",
			check: func(t *testing.T, node Node) {
				b, ok := node.(*BinaryNode)
				require.True(t, ok)
				assert.Equal(t, "+", b.Operator)
				right, ok := b.Right.(*BinaryNode)
				require.True(t, ok)
				assert.Equal(t, "*", right.Operator)
			},
		},
		{
			name:  "ternary",
			input: "a ? b : c",
			check: func(t *testing.T, node Node) {
				_, ok := node.(*ConditionalNode)
				assert.True(t, ok)
			},
		},
		{
			name:  "pipe",
			input: "items | length()",
			check: func(t *testing.T, node Node) {
				p, ok := node.(*PipeNode)
				require.True(t, ok)
				_, ok = p.Right.(*CallNode)
				assert.True(t, ok)
			},
		},
		{
			name:  "array literal with trailing comma",
			input: "[1, 2, 3,]",
			check: func(t *testing.T, node Node) {
				a, ok := node.(*ArrayNode)
				require.True(t, ok)
				assert.Len(t, a.Elements, 3)
			},
		},
		{
			name:  "object literal with string key",
			input: `{name: "x", "content-type": "json"}`,
			check: func(t *testing.T, node Node) {
				o, ok := node.(*ObjectNode)
				require.True(t, ok)
				require.Len(t, o.Properties, 2)
				assert.Equal(t, "content-type", o.Properties[1].Key)
			},
		},
		{
			name:  "comments skipped",
			input: "1 + /* two */ 2 // trailing",
			check: func(t *testing.T, node Node) {
				_, ok := node.(*BinaryNode)
				assert.True(t, ok)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			node, err := Parse(tt.input)
			require.NoError(t, err)
			tt.check(t, node)
		})
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"",
		"1 +",
		"a ? b",
		"foo(",
		"[1, 2",
		"{key",
		`"unterminated`,
		"a @ b",
		"let x",
		"1 2",
	}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(input)
			require.Error(t, err)
			var dslErr *Error
			require.ErrorAs(t, err, &dslErr)
			assert.Equal(t, ErrParse, dslErr.Kind)
		})
	}
}

// Printing an accepted expression must yield a string that parses back to
// an equivalent tree.
func TestPrintRoundTrip(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"ctx.user.id",
		"items[2].name",
		`config.baseUrl + "/users/" + toString(user.id)`,
		"a && b || !c",
		"count >= 10 ? \"many\" : \"few\"",
		"items | filterBy(\"active\") | getNames() | join(\", \")",
		`{id: 1, tags: ["a", "b"], nested: {deep: true}}`,
		"-x * (y + 2) % 3",
		`"quotes \" and \\ backslash \n"`,
		"default(request.headers.authorization, \"\")",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			t.Parallel()
			first, err := Parse(input)
			require.NoError(t, err)

			printed := first.String()
			second, err := Parse(printed)
			require.NoError(t, err, "printed form %q must parse", printed)

			assert.Equal(t, printed, second.String(), "print must be a fixed point")
		})
	}
}
