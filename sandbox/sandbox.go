// Package sandbox confines filesystem access to a single root directory.
// Every filesystem tool resolves user-supplied paths through a Resolver,
// which guarantees the canonical result stays inside the root and that no
// component of the traversal is a symlink.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knothic/anvil/core"
)

// Resolver canonicalizes paths against a fixed sandbox root.
type Resolver struct {
	root string
}

// New creates a resolver rooted at dir, creating the directory if needed.
// The root itself is fully canonicalized so later prefix checks are exact.
func New(dir string) (*Resolver, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox root %s: %w", abs, err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing sandbox root %s: %w", abs, err)
	}
	return &Resolver{root: canonical}, nil
}

// Root returns the canonical sandbox root.
func (r *Resolver) Root() string {
	return r.root
}

// Resolve maps a user-supplied path to a canonical absolute path inside the
// root, or fails. The input is always treated as relative to the root:
// leading separators are stripped before joining. Two independent checks are
// applied: the cleaned join must remain under the root (catches ".."), and
// no existing component between root and leaf may be a symlink (symlinks are
// rejected as policy, even ones that would resolve inside the root). A
// non-existent tail — the file about to be created — is permitted and ends
// the per-component check.
func (r *Resolver) Resolve(p string) (string, error) {
	trimmed := strings.TrimLeft(p, "/\\")
	joined := filepath.Join(r.root, trimmed)

	if joined != r.root && !strings.HasPrefix(joined, r.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: %w", p, core.ErrPathEscape)
	}

	if err := r.checkComponents(joined); err != nil {
		return "", err
	}

	// Canonicalize the longest existing prefix. With symlinks already
	// rejected this is a belt check against exotic filesystems.
	if canonical, ok := r.canonicalExistingPrefix(joined); ok {
		if canonical != r.root && !strings.HasPrefix(canonical, r.root+string(os.PathSeparator)) {
			return "", fmt.Errorf("%s: %w", p, core.ErrPathEscape)
		}
	}

	return joined, nil
}

// checkComponents walks every existing component from root to leaf and
// rejects symlinks. The walk stops at the first non-existent component.
func (r *Resolver) checkComponents(target string) error {
	rel, err := filepath.Rel(r.root, target)
	if err != nil {
		return fmt.Errorf("%s: %w", target, core.ErrPathEscape)
	}
	if rel == "." {
		return nil
	}

	current := r.root
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("inspecting %s: %w", current, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%s: %w", current, core.ErrSymlinkForbidden)
		}
	}
	return nil
}

// canonicalExistingPrefix resolves the longest existing ancestor of target
// and rejoins the missing tail, returning (canonical, true) when any prefix
// exists.
func (r *Resolver) canonicalExistingPrefix(target string) (string, bool) {
	current := target
	var tail []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", false
		}
		tail = append(tail, filepath.Base(current))
		current = parent
	}
}
