package actions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/schema"
)

type stubAction struct {
	name   string
	schema ActionSchema
}

func (a *stubAction) Name() string                     { return a.name }
func (a *stubAction) Schema() ActionSchema             { return a.schema }
func (a *stubAction) Validate(_ map[string]any) error  { return nil }
func (a *stubAction) Execute(_ context.Context, _ ActionInput) (*ActionOutput, error) {
	return &ActionOutput{Summary: a.name}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "docker/build"}))

	got, err := reg.Get("docker/build")
	require.NoError(t, err)
	assert.Equal(t, "docker/build", got.Name())
	assert.True(t, reg.Has("docker/build"))
	assert.False(t, reg.Has("docker/push"))
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryDuplicateName(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "docker/build"}))

	err := reg.Register(&stubAction{name: "docker/build"})
	require.Error(t, err)

	var perr *schema.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, schema.ErrCodeConflict, perr.Code)
}

func TestRegistryGetUnknown(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("nope")
	require.Error(t, err)

	var perr *schema.PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, schema.ErrCodeActionUnavailable, perr.Code)
}

func TestRegistryListSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "zeta"}))
	require.NoError(t, reg.Register(&stubAction{name: "alpha"}))

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "zeta", infos[1].Name)
}

func TestRegistryInputSchema(t *testing.T) {
	reg := NewRegistry()
	raw := json.RawMessage(`{"type":"object"}`)
	require.NoError(t, reg.Register(&stubAction{name: "a", schema: ActionSchema{InputSchema: raw}}))

	assert.Equal(t, raw, reg.InputSchema("a"))
	assert.Nil(t, reg.InputSchema("missing"))
}

func TestRegisterBundlePrefixesNames(t *testing.T) {
	reg := NewRegistry()
	n, err := reg.RegisterBundle("tools", []Action{
		&stubAction{name: "lint"},
		&stubAction{name: "fmt"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, reg.Has("tools/lint"))
	assert.True(t, reg.Has("tools/fmt"))

	got, err := reg.Get("tools/lint")
	require.NoError(t, err)
	out, err := got.Execute(context.Background(), ActionInput{})
	require.NoError(t, err)
	assert.Equal(t, "lint", out.Summary)
}

func TestRegisterBundleEmptyPrefix(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterBundle("", []Action{&stubAction{name: "x"}})
	require.Error(t, err)
}
