// Package types defines the canonical action and agent records shared across
// all services, plus the structured error model.
package types

import (
	"strings"
	"time"
)

// Metadata keys with reserved meaning. MetaDomain identifies the remote host an
// action's functions are served from; the secret keys are stripped before any
// metadata leaves the system.
const (
	MetaDomain            = "domain"
	MetaAPIKey            = "apiKey"
	MetaOAuthClientID     = "oauthClientId"
	MetaOAuthClientSecret = "oauthClientSecret"
)

// Metadata is an action's configuration map. Stored encrypted at rest.
type Metadata map[string]string

// Domain returns the metadata's domain entry.
func (m Metadata) Domain() string {
	return m[MetaDomain]
}

// Clone returns a shallow copy. A nil receiver clones to an empty map so
// callers can mutate the result unconditionally.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Function is one callable capability exposed by an action.
type Function struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// FunctionNames extracts the name sequence from a function list, preserving
// order and dropping blank or duplicate names.
func FunctionNames(fns []Function) []string {
	seen := make(map[string]bool, len(fns))
	names := make([]string, 0, len(fns))
	for _, fn := range fns {
		name := strings.TrimSpace(fn.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// Action bundles a set of named functions with connection metadata for a
// remote domain. Binding an action to an agent exposes its functions as tools
// on that agent.
type Action struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	BoundAgentID  string    `json:"bound_agent_id"`
	Metadata      Metadata  `json:"metadata"`
	FunctionNames []string  `json:"function_names"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Agent holds the reference lists the synchronizer maintains. ActionRefs
// entries encode "domain|actionID"; ToolRefs entries encode
// "functionName|domain". Both lists are mutated only by the synchronizer.
type Agent struct {
	ID         string    `json:"id"`
	Author     string    `json:"author"`
	ActionRefs []string  `json:"action_refs"`
	ToolRefs   []string  `json:"tool_refs"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Role classifies the acting identity for authorization decisions.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the resolved caller of an operation.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the identity bypasses ownership checks.
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}
