package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/knothic/anvil/core"
)

// fsRead reads a sandboxed file and returns its size and content.
func (t *toolset) fsRead(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	if err := t.checkConsent(token, ScopeReadFS); err != nil {
		return nil, err
	}
	path, err := stringField(input, "path")
	if err != nil {
		return nil, err
	}
	abs, err := t.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, core.ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return map[string]interface{}{
		"path":    abs,
		"bytes":   len(data),
		"content": string(data),
	}, nil
}

// fsWrite writes content to a sandboxed file, creating parent directories.
// An existing file is replaced unless overwrite is false (the default is true).
func (t *toolset) fsWrite(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	if err := t.checkConsent(token, ScopeWriteFS); err != nil {
		return nil, err
	}
	path, err := stringField(input, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringField(input, "content")
	if err != nil {
		return nil, err
	}
	overwrite := optionalBool(input, "overwrite", true)

	abs, err := t.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	if !overwrite {
		if _, err := os.Lstat(abs); err == nil {
			return nil, fmt.Errorf("refusing to overwrite existing file %s", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("creating parents for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return map[string]interface{}{
		"path":  abs,
		"bytes": len(content),
	}, nil
}

// fsDelete removes a file, or a directory tree when recursive is set.
func (t *toolset) fsDelete(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	if err := t.checkConsent(token, ScopeDeleteFS); err != nil {
		return nil, err
	}
	path, err := stringField(input, "path")
	if err != nil {
		return nil, err
	}
	recursive := optionalBool(input, "recursive", false)

	abs, err := t.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	if abs == t.sandbox.Root() {
		return nil, fmt.Errorf("refusing to delete the sandbox root")
	}
	if recursive {
		err = os.RemoveAll(abs)
	} else {
		err = os.Remove(abs)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, core.ErrNotFound)
		}
		return nil, fmt.Errorf("deleting %s: %w", path, err)
	}
	return map[string]interface{}{
		"path":    abs,
		"deleted": true,
	}, nil
}

// fsList returns directory entries as [{name, is_dir, size}].
func (t *toolset) fsList(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	if err := t.checkConsent(token, ScopeListFS); err != nil {
		return nil, err
	}
	path := optionalString(input, "path", "/")
	abs, err := t.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, core.ErrNotFound)
		}
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	listed := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		listed = append(listed, map[string]interface{}{
			"name":   entry.Name(),
			"is_dir": entry.IsDir(),
			"size":   size,
		})
	}
	return map[string]interface{}{
		"path":    abs,
		"entries": listed,
	}, nil
}

// fsGlob matches a shell-style pattern against files under a sandboxed
// start directory. The pattern is matched against both the path relative to
// the start and the bare file name.
func (t *toolset) fsGlob(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	if err := t.checkConsent(token, ScopeListFS); err != nil {
		return nil, err
	}
	pattern, err := stringField(input, "pattern")
	if err != nil {
		return nil, err
	}
	start := optionalString(input, "start", "/")

	root, err := t.sandbox.Resolve(start)
	if err != nil {
		return nil, err
	}

	var matches []string
	walkErr := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			matches = append(matches, p)
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			matches = append(matches, p)
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walking %s: %w", start, walkErr)
	}
	return map[string]interface{}{
		"root":    root,
		"pattern": pattern,
		"matches": matches,
	}, nil
}

// fsSearchMaxBytes caps how much of a file fs.search will scan.
const fsSearchMaxBytes = 2_000_000

// fsSearch runs a line-based regex over a single sandboxed file.
func (t *toolset) fsSearch(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	if err := t.checkConsent(token, ScopeSearchFS); err != nil {
		return nil, err
	}
	pattern, err := stringField(input, "pattern")
	if err != nil {
		return nil, err
	}
	path, err := stringField(input, "path")
	if err != nil {
		return nil, err
	}
	maxBytes := optionalInt(input, "max_bytes", fsSearchMaxBytes)

	rx, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	abs, err := t.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, core.ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) > maxBytes {
		data = data[:maxBytes]
	}

	var matches []map[string]interface{}
	for i, line := range strings.Split(string(data), "\n") {
		if rx.MatchString(line) {
			matches = append(matches, map[string]interface{}{
				"line": i + 1,
				"text": line,
			})
		}
	}
	return map[string]interface{}{
		"path":    abs,
		"pattern": pattern,
		"matches": matches,
	}, nil
}
