package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/schema"
)

type fakeVault struct {
	values map[string]string
}

func (v *fakeVault) Resolve(_ context.Context, key string) ([]byte, error) {
	val, ok := v.values[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return []byte(val), nil
}

func (v *fakeVault) Store(_ context.Context, key string, value []byte) error {
	v.values[key] = string(value)
	return nil
}

func (v *fakeVault) Delete(_ context.Context, key string) error {
	delete(v.values, key)
	return nil
}

func (v *fakeVault) List(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	return keys, nil
}

func testScope() *Scope {
	return &Scope{
		Matrix: map[string]string{"os": "linux", "arch": "amd64"},
		Env:    map[string]string{"CI": "true", "HOME": "/home/runner"},
		Job: map[string]any{
			"name":     "build",
			"instance": "build (os=linux, arch=amd64)",
			"runs_on":  "linux",
		},
		Workflow: map[string]any{
			"name":   "release",
			"run_id": "0192d7a0",
		},
		Steps: map[string]any{
			"compile": map[string]any{
				"outcome": "succeeded",
				"outputs": map[string]any{"version": "1.2.3"},
			},
		},
	}
}

func TestResolvePlainString(t *testing.T) {
	interp := NewInterpolator(nil)

	out, err := interp.Resolve(context.Background(), "no tokens here", testScope())
	require.NoError(t, err)
	assert.Equal(t, "no tokens here", out)
}

func TestResolveNamespaces(t *testing.T) {
	interp := NewInterpolator(nil)
	scope := testScope()

	tests := []struct {
		input string
		want  string
	}{
		{"image-${{ matrix.os }}-${{ matrix.arch }}", "image-linux-amd64"},
		{"${{ env.CI }}", "true"},
		{"${{ job.name }}", "build"},
		{"${{ workflow.run_id }}", "0192d7a0"},
		{"v${{ steps.compile.outputs.version }}", "v1.2.3"},
		{"${{ steps.compile.outcome }}", "succeeded"},
	}

	for _, tt := range tests {
		out, err := interp.Resolve(context.Background(), tt.input, scope)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, out, tt.input)
	}
}

func TestResolveExprExpression(t *testing.T) {
	interp := NewInterpolator(nil)

	out, err := interp.Resolve(context.Background(),
		`${{ matrix.os == "linux" ? "ubuntu" : "other" }}`, testScope())
	require.NoError(t, err)
	assert.Equal(t, "ubuntu", out)

	out, err = interp.Resolve(context.Background(), "${{ 1 + 2 }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "3", out)
}

func TestResolveUnknownReferences(t *testing.T) {
	interp := NewInterpolator(nil)
	scope := testScope()

	for _, input := range []string{
		"${{ matrix.missing }}",
		"${{ env.MISSING }}",
		"${{ steps.nope.outputs.x }}",
		"${{ steps.compile.outputs.missing }}",
		"${{ bogus.path }}",
	} {
		_, err := interp.Resolve(context.Background(), input, scope)
		require.Error(t, err, input)

		var perr *schema.PipelineError
		require.True(t, errors.As(err, &perr), input)
		assert.Equal(t, schema.ErrCodeInterpolation, perr.Code, input)
	}
}

func TestResolveMalformedTokens(t *testing.T) {
	interp := NewInterpolator(nil)
	scope := testScope()

	for _, input := range []string{
		"${{ matrix.os",
		"${{ }}",
		"${{ prefix ${{ matrix.os }} }}",
	} {
		_, err := interp.Resolve(context.Background(), input, scope)
		require.Error(t, err, input)
	}
}

func TestResolveSecretsTwoPass(t *testing.T) {
	vault := &fakeVault{values: map[string]string{"API_TOKEN": "s3cret"}}
	interp := NewInterpolator(vault)

	out, err := interp.Resolve(context.Background(),
		"curl -H 'Auth: ${{ secrets.API_TOKEN }}' ${{ env.HOME }}", testScope())
	require.NoError(t, err)
	assert.Equal(t, "curl -H 'Auth: s3cret' /home/runner", out)
}

func TestResolveSecretMissingVault(t *testing.T) {
	interp := NewInterpolator(nil)

	_, err := interp.Resolve(context.Background(), "${{ secrets.TOKEN }}", testScope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no vault configured")
}

func TestResolveSecretUnknownKey(t *testing.T) {
	interp := NewInterpolator(&fakeVault{values: map[string]string{}})

	_, err := interp.Resolve(context.Background(), "${{ secrets.NOPE }}", testScope())
	require.Error(t, err)
}

func TestResolveMap(t *testing.T) {
	interp := NewInterpolator(nil)

	out, err := interp.ResolveMap(context.Background(), map[string]string{
		"TARGET": "${{ matrix.os }}",
		"PLAIN":  "unchanged",
	}, testScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"TARGET": "linux", "PLAIN": "unchanged"}, out)
}

func TestResolveAny(t *testing.T) {
	interp := NewInterpolator(nil)

	out, err := interp.ResolveAny(context.Background(), map[string]any{
		"query": ".version",
		"input": `{"version":"${{ steps.compile.outputs.version }}"}`,
		"list":  []any{"${{ matrix.os }}", 42},
		"count": 7,
	}, testScope())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"query": ".version",
		"input": `{"version":"1.2.3"}`,
		"list":  []any{"linux", 42},
		"count": 7,
	}, out)
}

func TestHasInterpolation(t *testing.T) {
	assert.True(t, HasInterpolation("x ${{ matrix.os }}"))
	assert.False(t, HasInterpolation("plain"))
}
