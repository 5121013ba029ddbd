package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// Registry is the concrete thread-safe ActionRegistry implementation.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate name.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}

	r.actions[name] = action
	return nil
}

// Get retrieves an action by name.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	}
	return action, nil
}

// Has reports whether an action is registered. Satisfies the lookup
// needed by workflow validation.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[name]
	return ok
}

// InputSchema returns the input schema for a registered action, or nil
// when the action is unknown or has no schema.
func (r *Registry) InputSchema(name string) json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[name]
	if !ok {
		return nil
	}
	return action.Schema().InputSchema
}

// List returns info for all registered actions, sorted by name.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for _, a := range r.actions {
		s := a.Schema()
		infos = append(infos, ActionInfo{
			Name:        a.Name(),
			Description: s.Description,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterBundle bulk-registers actions under a prefixed namespace.
// Each action name becomes "prefix/originalName" (e.g. "docker/build").
func (r *Registry) RegisterBundle(prefix string, acts []Action) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "bundle prefix is empty")
	}

	registered := 0
	for _, a := range acts {
		named := &prefixedAction{prefix: prefix, inner: a}
		if err := r.Register(named); err != nil {
			return registered, err
		}
		registered++
	}
	return registered, nil
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

type prefixedAction struct {
	prefix string
	inner  Action
}

func (p *prefixedAction) Name() string {
	return fmt.Sprintf("%s/%s", p.prefix, p.inner.Name())
}

func (p *prefixedAction) Schema() ActionSchema { return p.inner.Schema() }

func (p *prefixedAction) Validate(with map[string]any) error { return p.inner.Validate(with) }

func (p *prefixedAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	return p.inner.Execute(ctx, input)
}
