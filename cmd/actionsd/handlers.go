package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/strandhq/toolbind/pkg/auth"
	"github.com/strandhq/toolbind/pkg/types"
)

const (
	maxBodyBytes    = 1 << 20 // 1 MB
	maxRateLimiters = 10_000
)

// bindingService is the synchronizer surface the HTTP layer consumes.
type bindingService interface {
	List(ctx context.Context, identity types.Identity) ([]types.Action, error)
	Create(ctx context.Context, agentID string, functions []types.Function, rawMeta types.Metadata, identity types.Identity) (*types.Action, error)
	Update(ctx context.Context, actionID string, functions []types.Function, rawMeta types.Metadata, identity types.Identity) (*types.Action, error)
	Delete(ctx context.Context, actionID string) error
	Bind(ctx context.Context, agentID, actionID string, identity types.Identity) (*types.Agent, error)
	Unbind(ctx context.Context, agentID, actionID string, identity types.Identity) (*types.Agent, error)
	ReconcileAgent(ctx context.Context, agentID string, identity types.Identity) (*types.Agent, error)
}

// agentProvisioner creates agent records; agent lifecycle is otherwise outside
// the synchronizer's scope.
type agentProvisioner interface {
	Create(ctx context.Context, agent *types.Agent) error
}

// Server holds the HTTP handlers for the binding service.
type Server struct {
	log     *slog.Logger
	binding bindingService
	agents  agentProvisioner

	rateLimiters map[string]*rate.Limiter
	rlOrder      []string
	rlMu         sync.Mutex
	perUserLimit int
}

type actionRequest struct {
	Functions []types.Function `json:"functions"`
	Metadata  types.Metadata   `json:"metadata"`
}

type agentRequest struct {
	ID string `json:"id,omitempty"`
}

// HandleListActions is GET /v1/actions.
func (s *Server) HandleListActions(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.allow(w, r)
	if !ok {
		return
	}
	actions, err := s.binding.List(r.Context(), identity)
	if err != nil {
		s.fail(w, r, "list actions", err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

// HandleCreateAction is POST /v1/agents/{agent_id}/actions.
func (s *Server) HandleCreateAction(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.allow(w, r)
	if !ok {
		return
	}
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	action, err := s.binding.Create(r.Context(), chi.URLParam(r, "agent_id"), req.Functions, req.Metadata, identity)
	if err != nil {
		s.fail(w, r, "create action", err)
		return
	}
	writeJSON(w, http.StatusCreated, action)
}

// HandleUpdateAction is PUT /v1/actions/{action_id}.
func (s *Server) HandleUpdateAction(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.allow(w, r)
	if !ok {
		return
	}
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	action, err := s.binding.Update(r.Context(), chi.URLParam(r, "action_id"), req.Functions, req.Metadata, identity)
	if err != nil {
		s.fail(w, r, "update action", err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// HandleDeleteAction is DELETE /v1/actions/{action_id}.
func (s *Server) HandleDeleteAction(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.allow(w, r); !ok {
		return
	}
	if err := s.binding.Delete(r.Context(), chi.URLParam(r, "action_id")); err != nil {
		s.fail(w, r, "delete action", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleBindAction is PUT /v1/agents/{agent_id}/actions/{action_id}.
func (s *Server) HandleBindAction(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.allow(w, r)
	if !ok {
		return
	}
	agent, err := s.binding.Bind(r.Context(), chi.URLParam(r, "agent_id"), chi.URLParam(r, "action_id"), identity)
	if err != nil {
		s.fail(w, r, "bind action", err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// HandleUnbindAction is DELETE /v1/agents/{agent_id}/actions/{action_id}.
func (s *Server) HandleUnbindAction(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.allow(w, r)
	if !ok {
		return
	}
	agent, err := s.binding.Unbind(r.Context(), chi.URLParam(r, "agent_id"), chi.URLParam(r, "action_id"), identity)
	if err != nil {
		s.fail(w, r, "unbind action", err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// HandleReconcileAgent is POST /v1/agents/{agent_id}/reconcile.
func (s *Server) HandleReconcileAgent(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.allow(w, r)
	if !ok {
		return
	}
	agent, err := s.binding.ReconcileAgent(r.Context(), chi.URLParam(r, "agent_id"), identity)
	if err != nil {
		s.fail(w, r, "reconcile agent", err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// HandleCreateAgent is POST /v1/agents.
func (s *Server) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.allow(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeKind(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	agent := &types.Agent{
		ID:         req.ID,
		Author:     identity.ID,
		ActionRefs: []string{},
		ToolRefs:   []string{},
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if err := s.agents.Create(r.Context(), agent); err != nil {
		s.fail(w, r, "create agent", err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// ──────────────────────────────────────────────────────────────────────────────
// Shared handler plumbing
// ──────────────────────────────────────────────────────────────────────────────

// allow resolves the caller identity and applies the per-identity rate limit.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) (types.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeKind(w, http.StatusUnauthorized, "unauthorized", "no identity")
		return types.Identity{}, false
	}
	if !s.allowRate(identity.ID) {
		writeKind(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
		return types.Identity{}, false
	}
	return identity, true
}

// allowRate enforces the per-identity limit with a bounded LRU limiter map.
func (s *Server) allowRate(identityID string) bool {
	s.rlMu.Lock()
	defer s.rlMu.Unlock()

	lim, ok := s.rateLimiters[identityID]
	if ok {
		for i, k := range s.rlOrder {
			if k == identityID {
				s.rlOrder = append(s.rlOrder[:i], s.rlOrder[i+1:]...)
				break
			}
		}
		s.rlOrder = append(s.rlOrder, identityID)
		return lim.Allow()
	}

	if len(s.rateLimiters) >= maxRateLimiters {
		oldest := s.rlOrder[0]
		s.rlOrder = s.rlOrder[1:]
		delete(s.rateLimiters, oldest)
	}

	lim = rate.NewLimiter(rate.Limit(s.perUserLimit), s.perUserLimit*2)
	s.rateLimiters[identityID] = lim
	s.rlOrder = append(s.rlOrder, identityID)
	return lim.Allow()
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := types.KindOf(err)
	if kind == types.KindStore {
		// Internal detail stays in the log, not the response body.
		s.log.ErrorContext(r.Context(), op+" failed", "error", err)
		writeKind(w, http.StatusInternalServerError, string(kind), op+" failed")
		return
	}
	var e *types.Error
	msg := err.Error()
	if errors.As(err, &e) {
		msg = e.Message
	}
	writeKind(w, httpStatus(kind), string(kind), msg)
}

// httpStatus maps transport-agnostic error kinds to status codes at the
// boundary.
func httpStatus(kind types.Kind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusUnprocessableEntity
	case types.KindDomainNotAllowed:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindInvalidRef:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeActionRequest(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeKind(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return actionRequest{}, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeKind(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"kind": kind, "message": msg})
}
