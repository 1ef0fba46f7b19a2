package binding

import (
	"context"

	"github.com/strandhq/toolbind/pkg/ref"
	"github.com/strandhq/toolbind/pkg/types"
)

// Bind attaches an action's references to an agent: one action ref, one tool
// ref per function. Binding an already-bound action is a silent no-op, so an
// agent never ends up with more than one action ref for the same action.
func (s *Synchronizer) Bind(ctx context.Context, agentID, actionID string, identity types.Identity) (*types.Agent, error) {
	agent, err := s.agents.Get(ctx, scopeFilter(identity, agentID))
	if err != nil {
		return nil, types.ErrStore("load agent", err)
	}
	if agent == nil {
		return nil, types.ErrNotFound("agent")
	}

	rec, err := s.actions.Get(ctx, actionID)
	if err != nil {
		return nil, types.ErrStore("load action", err)
	}
	if rec == nil {
		return nil, types.ErrNotFound("action")
	}

	meta, err := s.crypto.Open(rec.Metadata)
	if err != nil {
		return nil, types.ErrStore("decrypt action metadata", err)
	}
	domain, err := s.parser.Resolve(ctx, meta.Domain(), false)
	if err != nil {
		return nil, types.ErrStore("domain resolution", err)
	}
	if domain == "" {
		return nil, types.ErrValidation("no domain")
	}

	for _, r := range agent.ActionRefs {
		if ref.ContainsID(r, actionID) {
			// Already bound; idempotent attach.
			return agent, nil
		}
	}

	actionRefs, toolRefs, err := rebindRefs(agent, actionID, domain, domain, rec.FunctionNames)
	if err != nil {
		return nil, err
	}
	if err := s.agents.UpdateRefs(ctx, agent.ID, actionRefs, toolRefs); err != nil {
		return nil, types.ErrStore("persist agent refs", err)
	}

	agent.ActionRefs = actionRefs
	agent.ToolRefs = toolRefs
	s.log.InfoContext(ctx, "action bound", "agent_id", agentID, "action_id", actionID, "domain", domain)
	return agent, nil
}

// Unbind detaches an action from an agent, removing its action ref and every
// tool ref served from the domain it was bound under.
func (s *Synchronizer) Unbind(ctx context.Context, agentID, actionID string, identity types.Identity) (*types.Agent, error) {
	agent, err := s.agents.Get(ctx, scopeFilter(identity, agentID))
	if err != nil {
		return nil, types.ErrStore("load agent", err)
	}
	if agent == nil {
		return nil, types.ErrNotFound("agent")
	}

	domain := ""
	found := false
	actionRefs := make([]string, 0, len(agent.ActionRefs))
	for _, r := range agent.ActionRefs {
		if !ref.ContainsID(r, actionID) {
			actionRefs = append(actionRefs, r)
			continue
		}
		if !found {
			d, _, err := ref.SplitActionRef(r)
			if err != nil {
				return nil, err
			}
			domain = d
		}
		found = true
	}
	if !found {
		// Nothing bound, nothing to unbind. No mutation.
		return nil, types.ErrValidation("no domain provided")
	}

	toolRefs := make([]string, 0, len(agent.ToolRefs))
	for _, r := range agent.ToolRefs {
		if ref.ToolRefDomain(r) == domain {
			continue
		}
		toolRefs = append(toolRefs, r)
	}

	if err := s.agents.UpdateRefs(ctx, agent.ID, actionRefs, toolRefs); err != nil {
		return nil, types.ErrStore("persist agent refs", err)
	}

	agent.ActionRefs = actionRefs
	agent.ToolRefs = toolRefs
	s.log.InfoContext(ctx, "action unbound", "agent_id", agentID, "action_id", actionID, "domain", domain)
	return agent, nil
}
