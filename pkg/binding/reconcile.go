package binding

import (
	"context"

	"github.com/strandhq/toolbind/pkg/ref"
	"github.com/strandhq/toolbind/pkg/types"
)

// ReconcileAgent rebuilds an agent's reference lists from the current state
// of every action it references. Refs to vanished actions and malformed
// entries are dropped; surviving refs are re-encoded against each action's
// current domain and function set. Running it against a consistent agent is a
// no-op, which makes it the corrective step after a partially-failed cascade.
func (s *Synchronizer) ReconcileAgent(ctx context.Context, agentID string, identity types.Identity) (*types.Agent, error) {
	agent, err := s.agents.Get(ctx, scopeFilter(identity, agentID))
	if err != nil {
		return nil, types.ErrStore("load agent", err)
	}
	if agent == nil {
		return nil, types.ErrNotFound("agent")
	}

	seen := make(map[string]bool, len(agent.ActionRefs))
	actionRefs := make([]string, 0, len(agent.ActionRefs))
	toolRefs := make([]string, 0, len(agent.ToolRefs))

	for _, r := range agent.ActionRefs {
		_, actionID, err := ref.SplitActionRef(r)
		if err != nil || actionID == "" || seen[actionID] {
			continue
		}
		seen[actionID] = true

		rec, err := s.actions.Get(ctx, actionID)
		if err != nil {
			return nil, types.ErrStore("load action", err)
		}
		if rec == nil {
			// Action deleted out from under the agent; drop the refs.
			continue
		}

		meta, err := s.crypto.Open(rec.Metadata)
		if err != nil {
			return nil, types.ErrStore("decrypt action metadata", err)
		}
		domain := meta.Domain()
		if domain == "" {
			continue
		}

		actionRef, err := ref.EncodeActionRef(domain, actionID)
		if err != nil {
			return nil, err
		}
		actionRefs = append(actionRefs, actionRef)
		for _, fn := range rec.FunctionNames {
			toolRef, err := ref.EncodeToolRef(fn, domain)
			if err != nil {
				return nil, err
			}
			toolRefs = append(toolRefs, toolRef)
		}
	}

	if err := s.agents.UpdateRefs(ctx, agent.ID, actionRefs, toolRefs); err != nil {
		return nil, types.ErrStore("persist agent refs", err)
	}

	agent.ActionRefs = actionRefs
	agent.ToolRefs = toolRefs
	s.log.InfoContext(ctx, "agent reconciled",
		"agent_id", agentID, "action_refs", len(actionRefs), "tool_refs", len(toolRefs))
	return agent, nil
}
