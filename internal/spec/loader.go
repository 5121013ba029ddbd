package spec

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// Load parses a workflow YAML document into the object model. The raw
// decoded document is returned alongside so the validation pipeline can run
// JSON Schema checks against the document as written, not the model.
func Load(data []byte) (*schema.Workflow, any, error) {
	var wf schema.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeMalformedSpec,
			"parse workflow: %s", err.Error()).WithCause(err)
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeMalformedSpec,
			"parse workflow document: %s", err.Error()).WithCause(err)
	}

	return &wf, doc, nil
}

// LoadFile reads and parses a workflow file.
func LoadFile(path string) (*schema.Workflow, any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"read workflow file %q: %s", path, err.Error()).WithCause(err)
	}
	return Load(data)
}
