package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/internal/spec"
	"github.com/conveyorci/conveyor/pkg/schema"
)

type fakeLookup struct {
	known map[string]string // name -> input schema JSON
}

func (f *fakeLookup) Has(name string) bool {
	_, ok := f.known[name]
	return ok
}

func (f *fakeLookup) InputSchema(name string) json.RawMessage {
	return json.RawMessage(f.known[name])
}

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	lookup := &fakeLookup{known: map[string]string{
		"core/noop": "",
		"core/setup-path": `{
			"type": "object",
			"required": ["path"],
			"properties": {"path": {"type": "string", "minLength": 1}},
			"additionalProperties": false
		}`,
	}}
	wv, err := NewWorkflowValidator(lookup)
	require.NoError(t, err)
	return wv
}

func validate(t *testing.T, wv *WorkflowValidator, doc string) *schema.ValidationResult {
	t.Helper()
	wf, raw, err := spec.Load([]byte(doc))
	require.NoError(t, err)
	return wv.Validate(wf, raw)
}

func TestValidate_ValidWorkflow(t *testing.T) {
	wv := newValidator(t)
	result := validate(t, wv, `
on: [push]
jobs:
  build:
    runs-on: linux
    strategy:
      matrix:
        os: [linux, darwin]
    steps:
      - uses: core/setup-path
        with:
          path: /opt/tool/bin
      - run: make build
`)
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidate_StructuralFailures(t *testing.T) {
	wv := newValidator(t)

	cases := []struct {
		name string
		doc  string
	}{
		{"missing jobs", `on: [push]`},
		{"missing on", "jobs:\n  a:\n    runs-on: linux\n    steps:\n      - run: make"},
		{"empty steps", "on: push\njobs:\n  a:\n    runs-on: linux\n    steps: []"},
		{"unknown top key", "on: push\nbogus: 1\njobs:\n  a:\n    runs-on: linux\n    steps:\n      - run: make"},
		{"step both shapes", "on: push\njobs:\n  a:\n    runs-on: linux\n    steps:\n      - run: make\n        uses: core/noop"},
		{"step neither shape", "on: push\njobs:\n  a:\n    runs-on: linux\n    steps:\n      - name: empty"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := validate(t, wv, tc.doc)
			assert.False(t, result.Valid())
		})
	}
}

func TestValidate_EmptyMatrixAxis(t *testing.T) {
	wv := newValidator(t)
	result := validate(t, wv, `
on: push
jobs:
  build:
    runs-on: linux
    strategy:
      matrix:
        os: []
    steps:
      - run: make
`)
	require.False(t, result.Valid())

	found := false
	for _, issue := range result.Errors {
		if issue.Code == schema.ErrCodeEmptyMatrix {
			found = true
		}
	}
	assert.True(t, found, "expected an EMPTY_MATRIX issue, got %+v", result.Errors)
}

func TestValidate_UnknownAction(t *testing.T) {
	wv := newValidator(t)
	result := validate(t, wv, `
on: push
jobs:
  build:
    runs-on: linux
    steps:
      - uses: core/does-not-exist
`)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeActionUnavailable, result.Errors[0].Code)
}

func TestValidate_ActionInputSchema(t *testing.T) {
	wv := newValidator(t)
	result := validate(t, wv, `
on: push
jobs:
  build:
    runs-on: linux
    steps:
      - uses: core/setup-path
        with:
          wrong_key: value
`)
	assert.False(t, result.Valid())
}

func TestValidate_CronTriggers(t *testing.T) {
	wv := newValidator(t)

	good := validate(t, wv, `
on:
  schedule:
    - cron: "0 4 * * *"
jobs:
  nightly:
    runs-on: linux
    steps:
      - run: make test
`)
	assert.True(t, good.Valid(), "unexpected errors: %+v", good.Errors)

	bad := validate(t, wv, `
on:
  schedule:
    - cron: "not a cron"
jobs:
  nightly:
    runs-on: linux
    steps:
      - run: make test
`)
	assert.False(t, bad.Valid())
}

func TestValidate_DuplicateStepID(t *testing.T) {
	wv := newValidator(t)
	result := validate(t, wv, `
on: push
jobs:
  build:
    runs-on: linux
    steps:
      - id: same
        run: make a
      - id: same
        run: make b
`)
	assert.False(t, result.Valid())
}

func TestValidate_InterpolatedUsesDeferred(t *testing.T) {
	wv := newValidator(t)
	result := validate(t, wv, `
on: push
jobs:
  build:
    runs-on: linux
    steps:
      - uses: ${{ matrix.installer }}
`)
	assert.True(t, result.Valid(), "interpolated action refs resolve at runtime: %+v", result.Errors)
}
