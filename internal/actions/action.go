package actions

import (
	"context"
	"encoding/json"
)

// Action is a reusable built-in invoked by a `uses:` step.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(with map[string]any) error
}

// ActionRegistry manages the lifecycle and lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the input contract of an action.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time. With
// holds the step's interpolated `with:` block; Env is the step's resolved
// environment.
type ActionInput struct {
	With             map[string]any    `json:"with"`
	Env              map[string]string `json:"env,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
}

// ActionOutput is the result of an action execution. Outputs feed
// steps.<id>.outputs; EnvExports and PathAdditions apply to subsequent
// steps of the same job instance, exactly like the command files of a
// shell step.
type ActionOutput struct {
	Outputs       map[string]string `json:"outputs,omitempty"`
	EnvExports    map[string]string `json:"env_exports,omitempty"`
	PathAdditions []string          `json:"path_additions,omitempty"`
	Summary       string            `json:"summary,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
