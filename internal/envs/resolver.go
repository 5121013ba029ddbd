package envs

import (
	"os"
	"sort"
	"strings"
)

// Layer is one immutable environment layer. Layers are resolved in order
// with later layers shadowing earlier ones per key, except path-like keys,
// which compose by concatenation.
type Layer struct {
	Name string
	Vars map[string]string
}

// ProcessLayer captures the current process environment as the base layer.
func ProcessLayer() Layer {
	environ := os.Environ()
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			vars[kv[:i]] = kv[i+1:]
		}
	}
	return Layer{Name: "process", Vars: vars}
}

// Resolver merges ordered environment layers into a flat mapping.
// Path-like keys (PATH by default) concatenate with the OS list separator
// in layer declaration order instead of being overwritten, because later
// steps depend on directories exported by earlier toolchain steps.
type Resolver struct {
	pathKeys map[string]bool
}

// NewResolver creates a Resolver. pathKeys extends the default path-like
// key set (PATH is always included).
func NewResolver(pathKeys ...string) *Resolver {
	keys := map[string]bool{"PATH": true}
	for _, k := range pathKeys {
		keys[k] = true
	}
	return &Resolver{pathKeys: keys}
}

// IsPathKey reports whether the key composes by concatenation.
func (r *Resolver) IsPathKey(key string) bool {
	return r.pathKeys[key]
}

// Resolve folds the layers into one total mapping. The merge is
// deterministic: identical inputs always produce identical output.
func (r *Resolver) Resolve(layers ...Layer) map[string]string {
	resolved := make(map[string]string)
	for _, layer := range layers {
		// Per-key results depend only on layer order, never on map
		// iteration order within a layer.
		for k, v := range layer.Vars {
			if r.pathKeys[k] {
				resolved[k] = joinPath(resolved[k], v)
				continue
			}
			resolved[k] = v
		}
	}
	return resolved
}

// joinPath appends value to existing with the OS path list separator,
// preserving declaration order. Empty segments are dropped.
func joinPath(existing, value string) string {
	if value == "" {
		return existing
	}
	if existing == "" {
		return value
	}
	return existing + string(os.PathListSeparator) + value
}

// Environ renders a resolved mapping as sorted KEY=value pairs for
// process spawning. Sorting keeps spawn environments reproducible.
func Environ(resolved map[string]string) []string {
	keys := make([]string, 0, len(resolved))
	for k := range resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	environ := make([]string, 0, len(keys))
	for _, k := range keys {
		environ = append(environ, k+"="+resolved[k])
	}
	return environ
}

// Scope owns the environment state of one job instance: the static layers
// (process, workflow, job) plus runtime exports accumulated from earlier
// steps. A Scope is owned by exactly one job runner and never shared
// across instances.
type Scope struct {
	resolver *Resolver
	base     []Layer

	exports  map[string]string
	pathAdds []string
}

// NewScope creates a Scope over the given base layers (outermost first).
func NewScope(r *Resolver, base ...Layer) *Scope {
	return &Scope{
		resolver: r,
		base:     base,
		exports:  make(map[string]string),
	}
}

// Export records a runtime env export visible to subsequent steps of this
// instance. Re-exporting a key overwrites its value.
func (s *Scope) Export(key, value string) {
	s.exports[key] = value
}

// AppendPath records a directory appended to the path composition for
// subsequent steps of this instance.
func (s *Scope) AppendPath(dir string) {
	if dir == "" {
		return
	}
	s.pathAdds = append(s.pathAdds, dir)
}

// ResolveFor produces the total environment for one step: base layers,
// then the step layer, then runtime exports and path additions. Every key
// has exactly one final value; the result is never shared with another
// instance's scope.
func (s *Scope) ResolveFor(stepEnv map[string]string) map[string]string {
	layers := make([]Layer, 0, len(s.base)+2)
	layers = append(layers, s.base...)
	if len(stepEnv) > 0 {
		layers = append(layers, Layer{Name: "step", Vars: stepEnv})
	}
	if len(s.exports) > 0 {
		layers = append(layers, Layer{Name: "runtime", Vars: s.exports})
	}

	resolved := s.resolver.Resolve(layers...)
	for _, dir := range s.pathAdds {
		resolved["PATH"] = joinPath(resolved["PATH"], dir)
	}
	return resolved
}
