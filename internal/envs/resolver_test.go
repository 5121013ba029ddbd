package envs

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sep() string { return string(os.PathListSeparator) }

func TestResolve_LaterLayersShadow(t *testing.T) {
	r := NewResolver()
	resolved := r.Resolve(
		Layer{Name: "workflow", Vars: map[string]string{"X": "1", "Y": "global"}},
		Layer{Name: "job", Vars: map[string]string{"X": "2"}},
	)
	assert.Equal(t, "2", resolved["X"])
	assert.Equal(t, "global", resolved["Y"])
}

func TestResolve_StepShadowsJobAndGlobal(t *testing.T) {
	r := NewResolver()
	resolved := r.Resolve(
		Layer{Name: "workflow", Vars: map[string]string{"X": "1"}},
		Layer{Name: "job", Vars: map[string]string{"X": "2"}},
		Layer{Name: "step", Vars: map[string]string{"X": "3"}},
	)
	assert.Equal(t, "3", resolved["X"])
}

func TestResolve_PathConcatenatesInDeclarationOrder(t *testing.T) {
	r := NewResolver()
	resolved := r.Resolve(
		Layer{Name: "process", Vars: map[string]string{"PATH": "/usr/bin"}},
		Layer{Name: "job", Vars: map[string]string{"PATH": "/opt/go/bin"}},
		Layer{Name: "step", Vars: map[string]string{"PATH": "/opt/tool/bin"}},
	)
	assert.Equal(t, strings.Join([]string{"/usr/bin", "/opt/go/bin", "/opt/tool/bin"}, sep()), resolved["PATH"])
}

func TestResolve_CustomPathKeys(t *testing.T) {
	r := NewResolver("LD_LIBRARY_PATH")
	resolved := r.Resolve(
		Layer{Name: "a", Vars: map[string]string{"LD_LIBRARY_PATH": "/lib"}},
		Layer{Name: "b", Vars: map[string]string{"LD_LIBRARY_PATH": "/opt/lib"}},
	)
	assert.Equal(t, "/lib"+sep()+"/opt/lib", resolved["LD_LIBRARY_PATH"])
	assert.True(t, r.IsPathKey("PATH"))
	assert.True(t, r.IsPathKey("LD_LIBRARY_PATH"))
	assert.False(t, r.IsPathKey("HOME"))
}

func TestEnviron_SortedAndComplete(t *testing.T) {
	environ := Environ(map[string]string{"B": "2", "A": "1", "C": "3"})
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, environ)
}

func TestScope_RuntimeExportsVisibleToLaterSteps(t *testing.T) {
	r := NewResolver()
	scope := NewScope(r, Layer{Name: "workflow", Vars: map[string]string{"X": "1", "PATH": "/usr/bin"}})

	before := scope.ResolveFor(nil)
	assert.Equal(t, "1", before["X"])
	_, hasTool := before["TOOL_HOME"]
	assert.False(t, hasTool)

	scope.Export("TOOL_HOME", "/opt/tool")
	scope.AppendPath("/opt/tool/bin")

	after := scope.ResolveFor(nil)
	assert.Equal(t, "/opt/tool", after["TOOL_HOME"])
	assert.Equal(t, "/usr/bin"+sep()+"/opt/tool/bin", after["PATH"])
}

func TestScope_StepLayerShadowsBase(t *testing.T) {
	r := NewResolver()
	scope := NewScope(r,
		Layer{Name: "workflow", Vars: map[string]string{"X": "1"}},
		Layer{Name: "job", Vars: map[string]string{"X": "2"}},
	)
	resolved := scope.ResolveFor(map[string]string{"X": "3"})
	assert.Equal(t, "3", resolved["X"])

	// Absent step override: the job layer wins.
	resolved = scope.ResolveFor(nil)
	assert.Equal(t, "2", resolved["X"])
}

func TestScope_IsolationBetweenInstances(t *testing.T) {
	r := NewResolver()
	base := Layer{Name: "workflow", Vars: map[string]string{"PATH": "/usr/bin"}}

	a := NewScope(r, base)
	b := NewScope(r, base)

	a.Export("TOOLCHAIN", "go1.25")
	a.AppendPath("/opt/go/bin")

	got := b.ResolveFor(nil)
	_, leaked := got["TOOLCHAIN"]
	assert.False(t, leaked, "runtime exports must not cross instance scopes")
	assert.Equal(t, "/usr/bin", got["PATH"])
}

func TestProcessLayer(t *testing.T) {
	t.Setenv("CONVEYOR_TEST_MARKER", "yes")
	layer := ProcessLayer()
	require.Equal(t, "process", layer.Name)
	assert.Equal(t, "yes", layer.Vars["CONVEYOR_TEST_MARKER"])
}
