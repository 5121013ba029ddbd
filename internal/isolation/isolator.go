package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/conveyorci/conveyor/pkg/schema"
)

// Limits specifies constraints for step process execution.
type Limits struct {
	Timeout       time.Duration `json:"timeout,omitempty"`
	ReadOnlyPaths []string      `json:"read_only_paths,omitempty"`
	WritablePaths []string      `json:"writable_paths,omitempty"`
	DenyPaths     []string      `json:"deny_paths,omitempty"`
}

// PathAccessMode indicates the type of filesystem access being requested.
type PathAccessMode int

const (
	PathAccessRead PathAccessMode = iota
	PathAccessWrite
)

// ValidatePath checks whether the given path is permitted under these limits.
// Empty allow lists mean unrestricted access; deny rules win over allows.
func (l Limits) ValidatePath(path string, mode PathAccessMode) error {
	clean, err := resolveCleanPath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	// Fail-closed: a deny rule that cannot be resolved denies access.
	for _, deny := range l.DenyPaths {
		base, err := resolveCleanPath(deny)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodePathDenied,
				"path %q denied: invalid deny rule %q: %v", path, deny, err)
		}
		if isUnderPath(clean, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	if len(l.ReadOnlyPaths) == 0 && len(l.WritablePaths) == 0 {
		return nil
	}

	if coveredBy(clean, l.WritablePaths) {
		return nil
	}
	if mode == PathAccessRead && coveredBy(clean, l.ReadOnlyPaths) {
		return nil
	}
	verb := "read"
	if mode == PathAccessWrite {
		verb = "write"
	}
	return schema.NewErrorf(schema.ErrCodePathDenied,
		"%s access to %q denied: not under any allowed path", verb, path)
}

// coveredBy reports whether clean sits under any entry of the allow list.
// Entries that cannot be resolved are skipped: they cannot grant access.
func coveredBy(clean string, allow []string) bool {
	for _, a := range allow {
		base, err := resolveCleanPath(a)
		if err != nil {
			continue
		}
		if isUnderPath(clean, base) {
			return true
		}
	}
	return false
}

// resolveCleanPath cleans and resolves a path to absolute, resolving
// symlinks on the longest existing prefix so non-existent paths (e.g. a
// working directory a step is about to create) resolve consistently.
func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	return resolveAncestor(abs), nil
}

// resolveAncestor walks up from path until it finds an existing directory,
// resolves symlinks on that ancestor, and re-appends the unresolved suffix.
func resolveAncestor(path string) string {
	dir := path
	for i := 0; i < 256; i++ { // depth limit
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached root
		}
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return path
			}
			return filepath.Join(resolved, rel)
		}
		dir = parent
	}
	return path
}

// isUnderPath returns true if path is under (or equal to) the base directory.
// Uses filepath.Rel to avoid string-prefix false positives (e.g. /tmp vs /tmpevil).
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

// Isolator wraps a step command with whatever process containment the
// platform offers. The default isolator enforces timeouts and kill-on-cancel
// through the exec context; path policy is enforced by the caller via
// Limits.ValidatePath before spawning.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
}

// New returns the isolator for the current platform.
func New() Isolator {
	return &ExecIsolator{}
}
