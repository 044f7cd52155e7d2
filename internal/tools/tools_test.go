package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orca/pkg/schema"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterFunc("weather", "forecast", func(context.Context, string) (any, error) {
		return "sunny", nil
	}))

	assert.True(t, r.Has("weather"))
	assert.Equal(t, 1, r.Count())

	tool, err := r.Get("weather")
	require.NoError(t, err)
	out, err := tool.Invoke(context.Background(), "weather today")
	require.NoError(t, err)
	assert.Equal(t, "sunny", out)

	_, err = r.Get("missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestRegistry_RejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, string) (any, error) { return nil, nil }

	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(r.Register(nil)))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(r.RegisterFunc("Bad Name", "", noop)))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(r.RegisterFunc("nofn", "", nil)))

	require.NoError(t, r.RegisterFunc("dup", "", noop))
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(r.RegisterFunc("dup", "", noop)))
}

func TestRegistry_ListAndFuncs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))

	assert.Equal(t, []string{"calculate", "jq"}, []string{r.List()[0].Name, r.List()[1].Name})

	funcs := r.Funcs()
	require.Contains(t, funcs, "calculate")
	out, err := funcs["calculate"](context.Background(), "calculate 6 * 7")
	require.NoError(t, err)
	assert.Equal(t, 42, out.(map[string]any)["result"])
}

func TestMatch(t *testing.T) {
	names := []string{"weather", "stock_price", "stock"}

	got, ok := Match("What's the stock price of ACME?", names)
	require.True(t, ok)
	assert.Equal(t, "stock_price", got)

	got, ok = Match("Weather in Paris", names)
	require.True(t, ok)
	assert.Equal(t, "weather", got)

	_, ok = Match("weathering the storm", names)
	assert.False(t, ok)

	_, ok = Match("anything", nil)
	assert.False(t, ok)
}

func TestCalculate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	tool, err := r.Get("calculate")
	require.NoError(t, err)

	out, err := tool.Invoke(context.Background(), "Calculate (2 + 3) * 4?")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"expression": "(2 + 3) * 4", "result": 20}, out)

	out, err = tool.Invoke(context.Background(), "calculate max(3, 9) - 1")
	require.NoError(t, err)
	assert.Equal(t, 8, out.(map[string]any)["result"])

	_, err = tool.Invoke(context.Background(), "calculate the meaning of life")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestJQ(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	tool, err := r.Get("jq")
	require.NoError(t, err)
	ctx := context.Background()

	out, err := tool.Invoke(ctx, `jq '.items | length' {"items": [1, 2, 3]}`)
	require.NoError(t, err)
	assert.Equal(t, 3, out)

	out, err = tool.Invoke(ctx, `jq .[] [1, 2]`)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)

	_, err = tool.Invoke(ctx, `jq '.a' {broken`)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = tool.Invoke(ctx, "no program here")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}
