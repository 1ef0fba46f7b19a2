package binding

import (
	"github.com/strandhq/toolbind/pkg/store"
	"github.com/strandhq/toolbind/pkg/types"
)

// CanModify reports whether the identity may mutate the agent: admins always,
// everyone else only their own agents.
func CanModify(identity types.Identity, agent *types.Agent) bool {
	if identity.IsAdmin() {
		return true
	}
	return agent != nil && identity.ID == agent.Author
}

// scopeFilter builds the store filter for an agent lookup. Non-admin lookups
// carry the author constraint so an agent the caller may not touch resolves
// as absent, never as forbidden.
func scopeFilter(identity types.Identity, agentID string) store.AgentFilter {
	f := store.AgentFilter{ID: agentID}
	if !identity.IsAdmin() {
		f.Author = identity.ID
	}
	return f
}
