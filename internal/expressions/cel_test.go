package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func celData() map[string]any {
	return testScope().Data()
}

func TestCELEvaluateCondition(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	tests := []struct {
		expr string
		want bool
	}{
		{`matrix.os == "linux"`, true},
		{`matrix.os == "windows"`, false},
		{`env.CI == "true" && matrix.arch == "amd64"`, true},
		{`steps.compile.outcome == "succeeded"`, true},
		{`workflow.name == "release"`, true},
		{`"os" in matrix`, true},
		{`"missing" in matrix`, false},
	}

	for _, tt := range tests {
		got, err := engine.EvaluateCondition(context.Background(), tt.expr, celData())
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestCELConditionNonBool(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	_, err = engine.EvaluateCondition(context.Background(), `matrix.os`, celData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected bool")
}

func TestCELCompileError(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), `matrix.os ==`, celData())
	require.Error(t, err)
}

func TestCELEmptyExpression(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	_, err = engine.Evaluate(context.Background(), "", celData())
	require.Error(t, err)
}

func TestCELMissingScopeDefaultsToEmpty(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	got, err := engine.EvaluateCondition(context.Background(), `"x" in matrix`, nil)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCELCacheConcurrency(t *testing.T) {
	engine, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := engine.EvaluateCondition(context.Background(), `matrix.os == "linux"`, celData())
			assert.NoError(t, err)
			assert.True(t, got)
		}()
	}
	wg.Wait()
}
