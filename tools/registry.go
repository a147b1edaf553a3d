// Package tools maps symbolic capability names to implementations and
// enforces consent scopes at every side-effecting entry point. The builtin
// catalog covers sandboxed filesystem access, shell and git execution, and
// time-bounded HTTP fetches.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/knothic/anvil/core"
	"github.com/knothic/anvil/sandbox"
)

// Func is a tool implementation: a pure function of the input mapping and
// the consent token, returning an output mapping.
type Func func(ctx context.Context, input map[string]interface{}, token *core.ConsentToken) (map[string]interface{}, error)

// Capability is one registered tool.
type Capability struct {
	Name        string
	Description string
	Scopes      []string
	Fn          Func
}

// CapabilityInfo is the registry entry exposed to planners and the API.
type CapabilityInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"desc"`
	Scopes      []string `json:"scopes"`
}

// Registry holds the capability table. It is effectively immutable after
// startup; Resolve is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]*Capability
	logger core.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger core.Logger) *Registry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Registry{
		caps:   make(map[string]*Capability),
		logger: logger,
	}
}

// Register adds a capability under name, replacing any previous entry.
func (r *Registry) Register(name, description string, fn Func, scopes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[name] = &Capability{
		Name:        name,
		Description: description,
		Scopes:      scopes,
		Fn:          fn,
	}
}

// Resolve returns the capability record or core.ErrUnknownCapability.
func (r *Registry) Resolve(name string) (*Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, core.ErrUnknownCapability)
	}
	return cap, nil
}

// Catalog lists registered capabilities, optionally filtered to those whose
// scopes are all granted. A nil or wildcard grant returns everything.
func (r *Registry) Catalog(grantedScopes []string) []CapabilityInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowAll := len(grantedScopes) == 0
	granted := make(map[string]bool, len(grantedScopes))
	for _, s := range grantedScopes {
		if s == core.ScopeAll {
			allowAll = true
		}
		granted[s] = true
	}

	var infos []CapabilityInfo
	for _, cap := range r.caps {
		if !allowAll {
			ok := true
			for _, scope := range cap.Scopes {
				if !granted[scope] {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
		}
		infos = append(infos, CapabilityInfo{
			Name:        cap.Name,
			Description: cap.Description,
			Scopes:      cap.Scopes,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Builtins wires the standard catalog into a registry bound to the given
// sandbox and consent policy.
func Builtins(cfg *core.Config, sb *sandbox.Resolver, logger core.Logger) *Registry {
	r := NewRegistry(logger)
	t := &toolset{cfg: cfg, sandbox: sb, logger: r.logger}

	r.Register("fs.read", "Read a file from the sandbox", t.fsRead, ScopeReadFS)
	r.Register("fs.write", "Write a file into the sandbox", t.fsWrite, ScopeWriteFS)
	r.Register("fs.delete", "Delete a file or directory in the sandbox", t.fsDelete, ScopeDeleteFS)
	r.Register("fs.list", "List directory entries", t.fsList, ScopeListFS)
	r.Register("fs.glob", "Glob files under a start path", t.fsGlob, ScopeListFS)
	r.Register("fs.search", "Regex search within a file", t.fsSearch, ScopeSearchFS)
	r.Register("shell.run", "Run a shell command in the sandbox", t.shellRun, ScopeExecShell)
	r.Register("git.status", "Git status of a sandboxed workdir", t.gitStatus, ScopeGitOps)
	r.Register("git.add", "Git add paths in a sandboxed workdir", t.gitAdd, ScopeGitOps)
	r.Register("git.commit", "Git commit in a sandboxed workdir", t.gitCommit, ScopeGitOps)
	r.Register("net.http_get", "HTTP GET a URL", t.netHTTPGet, ScopeNetGet)

	return r
}

// Consent scope names for the builtin catalog.
const (
	ScopeReadFS    = "read_fs"
	ScopeWriteFS   = "write_fs"
	ScopeDeleteFS  = "delete_fs"
	ScopeListFS    = "list_fs"
	ScopeSearchFS  = "search_fs"
	ScopeExecShell = "exec_shell"
	ScopeGitOps    = "git_ops"
	ScopeNetGet    = "net_get"
)

// toolset carries the shared dependencies of the builtin tools.
type toolset struct {
	cfg     *core.Config
	sandbox *sandbox.Resolver
	logger  core.Logger
}

// checkConsent enforces the scope policy inside each tool. Enforcement is a
// no-op when the runtime does not require consent.
func (t *toolset) checkConsent(token *core.ConsentToken, scope string) error {
	if !t.cfg.Consent.Require {
		return nil
	}
	if token == nil {
		return fmt.Errorf("scope %s: %w", scope, core.ErrConsentRequired)
	}
	if !token.Allows(scope) {
		return fmt.Errorf("scope %s: %w", scope, core.ErrConsentDenied)
	}
	return nil
}
