package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTemplate(t *testing.T) {
	t.Parallel()

	ctx := NewContext(map[string]any{
		"args": map[string]any{"id": float64(7), "name": "ada"},
	})

	tests := []struct {
		tmpl string
		want string
	}{
		{"/users/{{ args.id }}", "/users/7"},
		{"plain text", "plain text"},
		{"{{ args.name }} and {{ args.id }}", "ada and 7"},
		{`{"name": "{{ args.name }}"}`, `{"name": "ada"}`},
		{"{{ args.missing }}", ""},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			t.Parallel()
			out, err := RenderTemplate(tt.tmpl, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestRenderTemplateErrors(t *testing.T) {
	t.Parallel()

	ctx := NewContext(nil)

	_, err := RenderTemplate("{{ unterminated", ctx)
	require.Error(t, err)

	_, err = RenderTemplate("{{ 1 / 0 }}", ctx)
	require.Error(t, err)
	var dslErr *Error
	require.ErrorAs(t, err, &dslErr)
	assert.Equal(t, ErrEval, dslErr.Kind)
}
