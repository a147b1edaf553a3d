package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knothic/anvil/core"
)

// The git tools are thin wrappers over process invocation bound to a
// sandboxed working directory. They share runCommand with shell.run but are
// gated by the git_ops scope instead of exec_shell.

func (t *toolset) gitStatus(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	return t.runGit(ctx, input, token, "status", "--porcelain=v1")
}

func (t *toolset) gitAdd(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	paths, err := stringList(input, "paths")
	if err != nil {
		return nil, err
	}
	args := append([]string{"add", "--"}, paths...)
	return t.runGit(ctx, input, token, args...)
}

func (t *toolset) gitCommit(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	message, err := stringField(input, "message")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("input %q must not be empty", "message")
	}
	return t.runGit(ctx, input, token, "commit", "-m", message)
}

func (t *toolset) runGit(ctx context.Context, input map[string]interface{}, token *core.ConsentToken, gitArgs ...string) (map[string]interface{}, error) {
	if err := t.checkConsent(token, ScopeGitOps); err != nil {
		return nil, err
	}

	workdir := optionalString(input, "workdir", "/")
	timeout := optionalSeconds(input, "timeout_sec", defaultShellTimeout)

	cwd, err := t.sandbox.Resolve(workdir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return nil, fmt.Errorf("creating workdir %s: %w", workdir, err)
	}

	argv := append([]string{"git"}, gitArgs...)
	return t.runCommand(ctx, cwd, argv, strings.Join(argv, " "), timeout)
}
