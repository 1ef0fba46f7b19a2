package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandhq/toolbind/pkg/types"
)

// AgentFilter selects one agent. A non-empty Author additionally scopes the
// lookup to that author, so a foreign agent resolves to "absent" rather than
// "forbidden".
type AgentFilter struct {
	ID     string
	Author string
}

// AgentStore persists agent records in Postgres.
type AgentStore struct {
	pool *pgxpool.Pool
}

// NewAgentStore creates an agent store backed by the given pool.
func NewAgentStore(pool *pgxpool.Pool) *AgentStore {
	return &AgentStore{pool: pool}
}

const agentColumns = `id, author, action_refs, tool_refs, created_at, updated_at`

// Get fetches the agent matching the filter, or nil if no match.
func (s *AgentStore) Get(ctx context.Context, f AgentFilter) (*types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	args := []any{f.ID}
	if f.Author != "" {
		query += ` AND author = $2`
		args = append(args, f.Author)
	}

	row := s.pool.QueryRow(ctx, query, args...)
	agent, err := scanAgent(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.Agents.Get: %w", err)
	}
	return agent, nil
}

// Create inserts a new agent record.
func (s *AgentStore) Create(ctx context.Context, agent *types.Agent) error {
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (id, author, action_refs, tool_refs, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		agent.ID, agent.Author, emptyIfNil(agent.ActionRefs), emptyIfNil(agent.ToolRefs),
		agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store.Agents.Create: %w", err)
	}
	return nil
}

// QueryByActionID returns every agent whose action-ref list mentions the
// given action id. The match is substring containment over each element,
// mirroring the reference codec's ContainsID.
func (s *AgentStore) QueryByActionID(ctx context.Context, actionID string) ([]types.Agent, error) {
	if actionID == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE EXISTS (
			SELECT 1 FROM unnest(action_refs) AS r WHERE position($1 IN r) > 0
		)
		ORDER BY id`, actionID)
	if err != nil {
		return nil, fmt.Errorf("store.Agents.QueryByActionID: %w", err)
	}
	defer rows.Close()

	out := make([]types.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("store.Agents.QueryByActionID scan: %w", err)
		}
		out = append(out, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store.Agents.QueryByActionID iteration: %w", err)
	}
	return out, nil
}

// UpdateRefs replaces an agent's reference lists wholesale. The synchronizer
// always recomputes both lists, so there is no partial-update form.
func (s *AgentStore) UpdateRefs(ctx context.Context, agentID string, actionRefs, toolRefs []string) error {
	res, err := s.pool.Exec(ctx, `
		UPDATE agents SET action_refs = $2, tool_refs = $3, updated_at = NOW()
		WHERE id = $1`,
		agentID, emptyIfNil(actionRefs), emptyIfNil(toolRefs),
	)
	if err != nil {
		return fmt.Errorf("store.Agents.UpdateRefs: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("store.Agents.UpdateRefs: agent %s vanished", agentID)
	}
	return nil
}

func scanAgent(row pgx.Row) (*types.Agent, error) {
	agent := &types.Agent{}
	err := row.Scan(
		&agent.ID, &agent.Author,
		&agent.ActionRefs, &agent.ToolRefs,
		&agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// emptyIfNil keeps stored arrays non-null so scans always yield slices.
func emptyIfNil(refs []string) []string {
	if refs == nil {
		return []string{}
	}
	return refs
}
