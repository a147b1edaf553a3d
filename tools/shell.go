package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/knothic/anvil/core"
)

// timeoutExitCode mirrors the conventional exit status of timeout(1).
const timeoutExitCode = 124

const defaultShellTimeout = 120 * time.Second

// shellRun executes a command inside a sandboxed working directory. The
// command is either a string run via sh -c or an argv list. stdout, stderr
// and the exit code are captured; a timeout reports exit 124.
func (t *toolset) shellRun(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error) {
	if err := t.checkConsent(token, ScopeExecShell); err != nil {
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

	args, display, err := commandArgs(input)
	if err != nil {
		return nil, err
	}

	return t.runCommand(ctx, cwd, args, display, timeout)
}

// runCommand is shared by shell.run and the git wrappers.
func (t *toolset) runCommand(ctx context.Context, cwd string, args []string, display string, timeout time.Duration) (map[string]interface{}, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			exitCode = timeoutExitCode
			fmt.Fprintf(&stderr, "\nTIMEOUT after %s", timeout)
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("running %q: %w", display, runErr)
		}
	}

	return map[string]interface{}{
		"cwd":       cwd,
		"cmd":       display,
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}, nil
}

// commandArgs builds the argv from the cmd input, which is either a string
// (run through the shell) or a list of arguments.
func commandArgs(input map[string]interface{}) ([]string, string, error) {
	v, ok := input["cmd"]
	if !ok {
		return nil, "", fmt.Errorf("missing required input %q", "cmd")
	}
	switch cmd := v.(type) {
	case string:
		if strings.TrimSpace(cmd) == "" {
			return nil, "", fmt.Errorf("input %q must not be empty", "cmd")
		}
		return []string{"/bin/sh", "-c", cmd}, cmd, nil
	case []interface{}, []string:
		argv, err := stringList(input, "cmd")
		if err != nil {
			return nil, "", err
		}
		if len(argv) == 0 {
			return nil, "", fmt.Errorf("input %q must not be empty", "cmd")
		}
		return argv, strings.Join(argv, " "), nil
	}
	return nil, "", fmt.Errorf("input %q must be a string or list of strings", "cmd")
}
