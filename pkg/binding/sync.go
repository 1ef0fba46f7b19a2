// Package binding implements the action–agent binding synchronizer: the six core
// operations over actions and agents, keeping both collections' encoded
// reference lists consistent as actions are created, edited, deleted,
// attached, and detached.
package binding

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/strandhq/toolbind/pkg/domains"
	"github.com/strandhq/toolbind/pkg/metadata"
	"github.com/strandhq/toolbind/pkg/ref"
	"github.com/strandhq/toolbind/pkg/store"
	"github.com/strandhq/toolbind/pkg/types"
)

// ActionStore is the keyed action record store the synchronizer consumes.
type ActionStore interface {
	Get(ctx context.Context, id string) (*store.ActionRecord, error)
	Create(ctx context.Context, rec *store.ActionRecord) error
	Update(ctx context.Context, rec *store.ActionRecord) error
	Delete(ctx context.Context, id string) (*store.ActionRecord, error)
	List(ctx context.Context, owner string) ([]store.ActionRecord, error)
}

// AgentStore is the agent record store, with the substring query the cascade
// relies on.
type AgentStore interface {
	Get(ctx context.Context, f store.AgentFilter) (*types.Agent, error)
	QueryByActionID(ctx context.Context, actionID string) ([]types.Agent, error)
	UpdateRefs(ctx context.Context, agentID string, actionRefs, toolRefs []string) error
}

// Crypto seals metadata for storage and opens it on read.
type Crypto interface {
	Seal(meta types.Metadata) ([]byte, error)
	Open(sealed []byte) (types.Metadata, error)
}

const defaultCascadeLimit = 8

// Config wires a Synchronizer's collaborators.
type Config struct {
	Log       *slog.Logger
	Actions   ActionStore
	Agents    AgentStore
	Crypto    Crypto
	Validator domains.Validator
	Parser    domains.Parser

	// CascadeLimit bounds concurrent per-agent writes during update/delete
	// cascades. Zero means the default.
	CascadeLimit int

	// NewID overrides action id generation. Zero value uses random UUIDs.
	NewID func() string
}

// Synchronizer orchestrates the stores, the domain policy, and the reference
// codec. It holds no record state across operations; every operation re-reads
// current store state.
type Synchronizer struct {
	log          *slog.Logger
	actions      ActionStore
	agents       AgentStore
	crypto       Crypto
	validator    domains.Validator
	parser       domains.Parser
	cascadeLimit int
	newID        func() string
}

// New creates a Synchronizer from the given config.
func New(cfg Config) *Synchronizer {
	s := &Synchronizer{
		log:          cfg.Log,
		actions:      cfg.Actions,
		agents:       cfg.Agents,
		crypto:       cfg.Crypto,
		validator:    cfg.Validator,
		parser:       cfg.Parser,
		cascadeLimit: cfg.CascadeLimit,
		newID:        cfg.NewID,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.cascadeLimit <= 0 {
		s.cascadeLimit = defaultCascadeLimit
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// ──────────────────────────────────────────────────────────────────────────────
// List / Create / Update / Delete
// ──────────────────────────────────────────────────────────────────────────────

// List returns the caller's actions with sanitized metadata. Admins see every
// action; other identities only their own.
func (s *Synchronizer) List(ctx context.Context, identity types.Identity) ([]types.Action, error) {
	owner := identity.ID
	if identity.IsAdmin() {
		owner = ""
	}
	recs, err := s.actions.List(ctx, owner)
	if err != nil {
		return nil, types.ErrStore("list actions", err)
	}

	out := make([]types.Action, 0, len(recs))
	for _, rec := range recs {
		meta, err := s.crypto.Open(rec.Metadata)
		if err != nil {
			return nil, types.ErrStore("decrypt action metadata", err)
		}
		out = append(out, toAction(&rec, meta))
	}
	return out, nil
}

// Create validates and persists a new action. It does not touch any agent's
// reference lists; attaching is a separate explicit Bind.
func (s *Synchronizer) Create(ctx context.Context, agentID string, functions []types.Function, rawMeta types.Metadata, identity types.Identity) (*types.Action, error) {
	names, meta, err := s.validateInput(ctx, functions, rawMeta)
	if err != nil {
		return nil, err
	}

	sealed, err := s.crypto.Seal(meta)
	if err != nil {
		return nil, types.ErrStore("encrypt action metadata", err)
	}

	now := time.Now().UTC()
	rec := &store.ActionRecord{
		ID:            s.newID(),
		Owner:         identity.ID,
		BoundAgentID:  agentID,
		Metadata:      sealed,
		FunctionNames: names,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.actions.Create(ctx, rec); err != nil {
		return nil, types.ErrStore("create action", err)
	}

	s.log.InfoContext(ctx, "action created",
		"action_id", rec.ID, "owner", rec.Owner, "domain", meta.Domain(), "functions", len(names))
	action := toAction(rec, meta)
	return &action, nil
}

// Update re-validates and persists an action's metadata and function set,
// then cascades the new references into every agent bound to it. The updating
// identity becomes the new owner.
func (s *Synchronizer) Update(ctx context.Context, actionID string, functions []types.Function, rawMeta types.Metadata, identity types.Identity) (*types.Action, error) {
	rec, err := s.actions.Get(ctx, actionID)
	if err != nil {
		return nil, types.ErrStore("load action", err)
	}
	if rec == nil {
		return nil, types.ErrNotFound("action")
	}

	oldMeta, err := s.crypto.Open(rec.Metadata)
	if err != nil {
		return nil, types.ErrStore("decrypt action metadata", err)
	}
	oldDomain := oldMeta.Domain()

	names, meta, err := s.validateInput(ctx, functions, rawMeta)
	if err != nil {
		return nil, err
	}

	sealed, err := s.crypto.Seal(meta)
	if err != nil {
		return nil, types.ErrStore("encrypt action metadata", err)
	}

	rec.Owner = identity.ID
	rec.Metadata = sealed
	rec.FunctionNames = names
	rec.UpdatedAt = time.Now().UTC()
	if err := s.actions.Update(ctx, rec); err != nil {
		return nil, types.ErrStore("update action", err)
	}

	newDomain := meta.Domain()
	if err := s.cascade(ctx, actionID, func(agent *types.Agent) error {
		actionRefs, toolRefs, err := rebindRefs(agent, actionID, oldDomain, newDomain, names)
		if err != nil {
			return err
		}
		return s.agents.UpdateRefs(ctx, agent.ID, actionRefs, toolRefs)
	}); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "action updated",
		"action_id", actionID, "old_domain", oldDomain, "new_domain", newDomain)
	action := toAction(rec, meta)
	return &action, nil
}

// Delete removes an action and scrubs its references from every bound agent.
func (s *Synchronizer) Delete(ctx context.Context, actionID string) error {
	rec, err := s.actions.Delete(ctx, actionID)
	if err != nil {
		return types.ErrStore("delete action", err)
	}
	if rec == nil {
		return types.ErrNotFound("action")
	}

	domain := ""
	if meta, err := s.crypto.Open(rec.Metadata); err == nil {
		domain = meta.Domain()
		if resolved, err := s.parser.Resolve(ctx, domain, false); err == nil && resolved != "" {
			domain = resolved
		}
	} else {
		// The record is already gone; scrub by action id alone.
		s.log.ErrorContext(ctx, "metadata unreadable during delete", "action_id", actionID, "error", err)
	}

	if err := s.cascade(ctx, actionID, func(agent *types.Agent) error {
		actionRefs := dropRefsContaining(agent.ActionRefs, actionID)
		toolRefs := dropRefsContaining(agent.ToolRefs, actionID)
		if domain != "" {
			toolRefs = dropRefsContaining(toolRefs, domain)
		}
		return s.agents.UpdateRefs(ctx, agent.ID, actionRefs, toolRefs)
	}); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "action deleted", "action_id", actionID, "domain", domain)
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Shared pieces
// ──────────────────────────────────────────────────────────────────────────────

// validateInput runs the shared create/update pipeline: non-empty function
// set, cleaned metadata, allowlisted domain, resolvable domain. The resolved
// domain replaces the raw one in the returned metadata.
func (s *Synchronizer) validateInput(ctx context.Context, functions []types.Function, rawMeta types.Metadata) ([]string, types.Metadata, error) {
	names := types.FunctionNames(functions)
	if len(names) == 0 {
		return nil, nil, types.ErrValidation("no functions")
	}

	meta := metadata.Clean(rawMeta)

	allowed, err := s.validator.IsAllowed(ctx, meta.Domain())
	if err != nil {
		return nil, nil, types.ErrStore("domain allowlist check", err)
	}
	if !allowed {
		return nil, nil, types.ErrDomainNotAllowed(meta.Domain())
	}

	resolved, err := s.parser.Resolve(ctx, meta.Domain(), true)
	if err != nil {
		return nil, nil, types.ErrStore("domain resolution", err)
	}
	if resolved == "" {
		return nil, nil, types.ErrValidation("no domain")
	}
	meta[types.MetaDomain] = resolved

	return names, meta, nil
}

// cascade fans a per-agent mutation out over every agent referencing the
// action, with bounded parallelism. Per-agent writes are independent; each
// mutation recomputes the agent's lists from scratch, so a partial failure is
// repaired by simply re-running the operation.
func (s *Synchronizer) cascade(ctx context.Context, actionID string, mutate func(agent *types.Agent) error) error {
	agents, err := s.agents.QueryByActionID(ctx, actionID)
	if err != nil {
		return types.ErrStore("query bound agents", err)
	}
	if len(agents) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cascadeLimit)
	for i := range agents {
		agent := &agents[i]
		g.Go(func() error {
			if err := mutate(agent); err != nil {
				s.log.ErrorContext(ctx, "cascade write failed",
					"action_id", actionID, "agent_id", agent.ID, "error", err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.ErrStore("cascade", err)
	}
	return nil
}

// rebindRefs recomputes an agent's reference lists so that exactly one action
// ref and one tool ref per function point at the action under newDomain.
// Entries for dropDomain or mentioning the action id are removed first
// (dropDomain is the superseded domain on update, the bind domain on bind),
// so a re-run against already-updated state converges to the same lists.
func rebindRefs(agent *types.Agent, actionID, dropDomain, newDomain string, functionNames []string) (actionRefs, toolRefs []string, err error) {
	actionRefs = dropRefsContaining(agent.ActionRefs, actionID)
	actionRef, err := ref.EncodeActionRef(newDomain, actionID)
	if err != nil {
		return nil, nil, err
	}
	actionRefs = append(actionRefs, actionRef)

	for _, r := range agent.ToolRefs {
		if ref.ContainsID(r, actionID) {
			continue
		}
		if ref.ToolRefDomain(r) == dropDomain {
			continue
		}
		toolRefs = append(toolRefs, r)
	}
	for _, fn := range functionNames {
		toolRef, err := ref.EncodeToolRef(fn, newDomain)
		if err != nil {
			return nil, nil, err
		}
		toolRefs = append(toolRefs, toolRef)
	}
	if toolRefs == nil {
		toolRefs = []string{}
	}
	return actionRefs, toolRefs, nil
}

func dropRefsContaining(refs []string, id string) []string {
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if ref.ContainsID(r, id) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func toAction(rec *store.ActionRecord, meta types.Metadata) types.Action {
	return types.Action{
		ID:            rec.ID,
		Owner:         rec.Owner,
		BoundAgentID:  rec.BoundAgentID,
		Metadata:      metadata.Sanitize(meta),
		FunctionNames: rec.FunctionNames,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}
