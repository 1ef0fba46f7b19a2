package binding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/strandhq/toolbind/pkg/domains"
	"github.com/strandhq/toolbind/pkg/metadata"
	"github.com/strandhq/toolbind/pkg/store"
	"github.com/strandhq/toolbind/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────────────────────

type fakeActions struct {
	mu   sync.Mutex
	recs map[string]*store.ActionRecord
}

func newFakeActions() *fakeActions {
	return &fakeActions{recs: map[string]*store.ActionRecord{}}
}

func (f *fakeActions) Get(_ context.Context, id string) (*store.ActionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeActions) Create(_ context.Context, rec *store.ActionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.recs[rec.ID] = &cp
	return nil
}

func (f *fakeActions) Update(_ context.Context, rec *store.ActionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[rec.ID]; !ok {
		return fmt.Errorf("action %s vanished", rec.ID)
	}
	cp := *rec
	f.recs[rec.ID] = &cp
	return nil
}

func (f *fakeActions) Delete(_ context.Context, id string) (*store.ActionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, nil
	}
	delete(f.recs, id)
	return rec, nil
}

func (f *fakeActions) List(_ context.Context, owner string) ([]store.ActionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.ActionRecord, 0, len(f.recs))
	for _, rec := range f.recs {
		if owner != "" && rec.Owner != owner {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

type fakeAgents struct {
	mu      sync.Mutex
	recs    map[string]*types.Agent
	failFor map[string]error // agent id → forced UpdateRefs failure
}

func newFakeAgents(agents ...*types.Agent) *fakeAgents {
	f := &fakeAgents{recs: map[string]*types.Agent{}, failFor: map[string]error{}}
	for _, a := range agents {
		if a.ActionRefs == nil {
			a.ActionRefs = []string{}
		}
		if a.ToolRefs == nil {
			a.ToolRefs = []string{}
		}
		f.recs[a.ID] = a
	}
	return f
}

func (f *fakeAgents) Get(_ context.Context, filter store.AgentFilter) (*types.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.recs[filter.ID]
	if !ok {
		return nil, nil
	}
	if filter.Author != "" && agent.Author != filter.Author {
		return nil, nil
	}
	cp := *agent
	cp.ActionRefs = slices.Clone(agent.ActionRefs)
	cp.ToolRefs = slices.Clone(agent.ToolRefs)
	return &cp, nil
}

func (f *fakeAgents) QueryByActionID(_ context.Context, actionID string) ([]types.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Agent, 0)
	for _, agent := range f.recs {
		for _, r := range agent.ActionRefs {
			if strings.Contains(r, actionID) {
				cp := *agent
				cp.ActionRefs = slices.Clone(agent.ActionRefs)
				cp.ToolRefs = slices.Clone(agent.ToolRefs)
				out = append(out, cp)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeAgents) UpdateRefs(_ context.Context, agentID string, actionRefs, toolRefs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[agentID]; err != nil {
		return err
	}
	agent, ok := f.recs[agentID]
	if !ok {
		return fmt.Errorf("agent %s vanished", agentID)
	}
	agent.ActionRefs = slices.Clone(actionRefs)
	agent.ToolRefs = slices.Clone(toolRefs)
	return nil
}

func (f *fakeAgents) refs(t *testing.T, agentID string) (actionRefs, toolRefs []string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	agent, ok := f.recs[agentID]
	if !ok {
		t.Fatalf("agent %s missing", agentID)
	}
	return slices.Clone(agent.ActionRefs), slices.Clone(agent.ToolRefs)
}

// ──────────────────────────────────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────────────────────────────────

var (
	alice = types.Identity{ID: "alice", Role: types.RoleUser}
	bob   = types.Identity{ID: "bob", Role: types.RoleUser}
	root  = types.Identity{ID: "root", Role: types.RoleAdmin}
)

func testCrypto(t *testing.T) *metadata.Crypto {
	t.Helper()
	c, err := metadata.NewCrypto(strings.Repeat("0f", 32))
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}
	return c
}

func newSynchronizer(t *testing.T, agents *fakeAgents) (*Synchronizer, *fakeActions) {
	t.Helper()
	actions := newFakeActions()
	n := 0
	s := New(Config{
		Log:       slog.New(slog.DiscardHandler),
		Actions:   actions,
		Agents:    agents,
		Crypto:    testCrypto(t),
		Validator: domains.NewAllowlistValidator("*.example.com"),
		Parser:    domains.NormalizeParser{},
		NewID: func() string {
			n++
			return fmt.Sprintf("act-%04d", n)
		},
	})
	return s, actions
}

func mustCreate(t *testing.T, s *Synchronizer, agentID string, fns []string, meta types.Metadata, identity types.Identity) *types.Action {
	t.Helper()
	functions := make([]types.Function, len(fns))
	for i, name := range fns {
		functions[i] = types.Function{Name: name}
	}
	action, err := s.Create(context.Background(), agentID, functions, meta, identity)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return action
}

// ──────────────────────────────────────────────────────────────────────────────
// Create / List / Update / Delete
// ──────────────────────────────────────────────────────────────────────────────

func TestCreateAction(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, _ := newSynchronizer(t, agents)

	action := mustCreate(t, s, "A1", []string{"lookup"}, types.Metadata{
		"domain": "api.example.com",
		"apiKey": "sk-secret",
		"blank":  "",
	}, alice)

	if got := action.FunctionNames; !slices.Equal(got, []string{"lookup"}) {
		t.Errorf("function names = %v", got)
	}
	if action.Owner != "alice" || action.BoundAgentID != "A1" {
		t.Errorf("ownership = %s / %s", action.Owner, action.BoundAgentID)
	}
	if _, ok := action.Metadata["apiKey"]; ok {
		t.Error("returned metadata contains apiKey")
	}
	if _, ok := action.Metadata["blank"]; ok {
		t.Error("blank metadata entry survived")
	}
	if action.Metadata["domain"] != "api.example.com" {
		t.Errorf("domain = %q", action.Metadata["domain"])
	}

	// Creation must not touch any agent's reference lists.
	actionRefs, toolRefs := agents.refs(t, "A1")
	if len(actionRefs) != 0 || len(toolRefs) != 0 {
		t.Errorf("create mutated agent refs: %v %v", actionRefs, toolRefs)
	}
}

func TestCreateNormalizesDomain(t *testing.T) {
	s, _ := newSynchronizer(t, newFakeAgents())
	action := mustCreate(t, s, "A1", []string{"lookup"}, types.Metadata{
		"domain": "https://API.Example.com:8443/v2",
	}, alice)
	if action.Metadata["domain"] != "api.example.com" {
		t.Errorf("domain = %q, want api.example.com", action.Metadata["domain"])
	}
}

func TestCreateValidation(t *testing.T) {
	s, _ := newSynchronizer(t, newFakeAgents())
	ctx := context.Background()

	tests := []struct {
		name     string
		fns      []types.Function
		meta     types.Metadata
		wantKind types.Kind
	}{
		{"no functions", nil, types.Metadata{"domain": "api.example.com"}, types.KindValidation},
		{"blank function names only", []types.Function{{Name: "  "}}, types.Metadata{"domain": "api.example.com"}, types.KindValidation},
		{"domain denied", []types.Function{{Name: "lookup"}}, types.Metadata{"domain": "evil.com"}, types.KindDomainNotAllowed},
		{"domain missing", []types.Function{{Name: "lookup"}}, types.Metadata{}, types.KindDomainNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, "A1", tt.fns, tt.meta, alice)
			if !types.IsKind(err, tt.wantKind) {
				t.Errorf("err = %v, want kind %s", err, tt.wantKind)
			}
		})
	}
}

func TestCreateRejectsUnresolvableDomain(t *testing.T) {
	agents := newFakeAgents()
	actions := newFakeActions()
	// Allowlist passes the raw value through, but resolution rejects it.
	s := New(Config{
		Log:       slog.New(slog.DiscardHandler),
		Actions:   actions,
		Agents:    agents,
		Crypto:    testCrypto(t),
		Validator: domains.NewAllowlistValidator("bad host.example.com"),
		Parser:    domains.NormalizeParser{},
	})
	_, err := s.Create(context.Background(), "A1",
		[]types.Function{{Name: "lookup"}},
		types.Metadata{"domain": "bad host.example.com"}, alice)
	if !types.IsKind(err, types.KindValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestListScopedByOwner(t *testing.T) {
	s, _ := newSynchronizer(t, newFakeAgents())
	mustCreate(t, s, "A1", []string{"a"}, types.Metadata{"domain": "one.example.com"}, alice)
	mustCreate(t, s, "A2", []string{"b"}, types.Metadata{"domain": "two.example.com", "apiKey": "sk"}, bob)

	got, err := s.List(context.Background(), alice)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Owner != "alice" {
		t.Errorf("alice's list = %+v", got)
	}

	all, err := s.List(context.Background(), root)
	if err != nil {
		t.Fatalf("List admin: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("admin list has %d actions, want 2", len(all))
	}
	for _, a := range all {
		if _, ok := a.Metadata["apiKey"]; ok {
			t.Error("listed metadata contains apiKey")
		}
	}
}

func TestUpdateRestampsOwnerAndCascades(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, _ := newSynchronizer(t, agents)
	ctx := context.Background()

	action := mustCreate(t, s, "A1", []string{"lookup"}, types.Metadata{"domain": "api.example.com"}, alice)
	if _, err := s.Bind(ctx, "A1", action.ID, alice); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	updated, err := s.Update(ctx, action.ID,
		[]types.Function{{Name: "lookup"}, {Name: "submit"}},
		types.Metadata{"domain": "api2.example.com"}, bob)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Owner != "bob" {
		t.Errorf("owner = %q, want bob (updater re-stamped)", updated.Owner)
	}
	if updated.Metadata["domain"] != "api2.example.com" {
		t.Errorf("domain = %q", updated.Metadata["domain"])
	}

	actionRefs, toolRefs := agents.refs(t, "A1")
	if !slices.Equal(actionRefs, []string{"api2.example.com|" + action.ID}) {
		t.Errorf("action refs = %v", actionRefs)
	}
	wantTools := []string{"lookup|api2.example.com", "submit|api2.example.com"}
	if !slices.Equal(toolRefs, wantTools) {
		t.Errorf("tool refs = %v, want %v", toolRefs, wantTools)
	}
	for _, r := range toolRefs {
		if strings.Contains(r, "|api.example.com") {
			t.Errorf("stale tool ref for old domain survived: %q", r)
		}
	}
}

func TestUpdateNotFound(t *testing.T) {
	s, _ := newSynchronizer(t, newFakeAgents())
	_, err := s.Update(context.Background(), "act-nope",
		[]types.Function{{Name: "x"}}, types.Metadata{"domain": "api.example.com"}, alice)
	if !types.IsKind(err, types.KindNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestUpdateCascadePreservesForeignRefs(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, _ := newSynchronizer(t, agents)
	ctx := context.Background()

	other := mustCreate(t, s, "A1", []string{"ping"}, types.Metadata{"domain": "other.example.com"}, alice)
	target := mustCreate(t, s, "A1", []string{"lookup"}, types.Metadata{"domain": "api.example.com"}, alice)
	for _, id := range []string{other.ID, target.ID} {
		if _, err := s.Bind(ctx, "A1", id, alice); err != nil {
			t.Fatalf("Bind(%s): %v", id, err)
		}
	}

	if _, err := s.Update(ctx, target.ID,
		[]types.Function{{Name: "lookup"}},
		types.Metadata{"domain": "api2.example.com"}, alice); err != nil {
		t.Fatalf("Update: %v", err)
	}

	actionRefs, toolRefs := agents.refs(t, "A1")
	if !slices.Contains(actionRefs, "other.example.com|"+other.ID) {
		t.Errorf("foreign action ref lost: %v", actionRefs)
	}
	if !slices.Contains(toolRefs, "ping|other.example.com") {
		t.Errorf("foreign tool ref lost: %v", toolRefs)
	}
	assertSingleActionRef(t, actionRefs, target.ID)
}

func TestUpdateCascadeFailureReportsStoreError(t *testing.T) {
	agents := newFakeAgents(
		&types.Agent{ID: "A1", Author: "alice"},
		&types.Agent{ID: "A2", Author: "alice"},
	)
	s, _ := newSynchronizer(t, agents)
	ctx := context.Background()

	action := mustCreate(t, s, "A1", []string{"lookup"}, types.Metadata{"domain": "api.example.com"}, alice)
	for _, agentID := range []string{"A1", "A2"} {
		if _, err := s.Bind(ctx, agentID, action.ID, alice); err != nil {
			t.Fatalf("Bind(%s): %v", agentID, err)
		}
	}

	agents.failFor["A2"] = errors.New("connection reset")
	_, err := s.Update(ctx, action.ID,
		[]types.Function{{Name: "lookup"}},
		types.Metadata{"domain": "api2.example.com"}, alice)
	if !types.IsKind(err, types.KindStore) {
		t.Fatalf("err = %v, want store kind", err)
	}

	// Retrying wholesale after the fault clears must converge.
	delete(agents.failFor, "A2")
	if _, err := s.Update(ctx, action.ID,
		[]types.Function{{Name: "lookup"}},
		types.Metadata{"domain": "api2.example.com"}, alice); err != nil {
		t.Fatalf("retry Update: %v", err)
	}
	for _, agentID := range []string{"A1", "A2"} {
		actionRefs, toolRefs := agents.refs(t, agentID)
		if !slices.Equal(actionRefs, []string{"api2.example.com|" + action.ID}) {
			t.Errorf("%s action refs = %v", agentID, actionRefs)
		}
		if !slices.Equal(toolRefs, []string{"lookup|api2.example.com"}) {
			t.Errorf("%s tool refs = %v", agentID, toolRefs)
		}
	}
}

func TestDeleteCascades(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, actions := newSynchronizer(t, agents)
	ctx := context.Background()

	action := mustCreate(t, s, "A1", []string{"lookup", "submit"}, types.Metadata{"domain": "api.example.com"}, alice)
	if _, err := s.Bind(ctx, "A1", action.ID, alice); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	if err := s.Delete(ctx, action.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if rec, _ := actions.Get(ctx, action.ID); rec != nil {
		t.Error("action record still present after delete")
	}
	actionRefs, toolRefs := agents.refs(t, "A1")
	for _, r := range append(actionRefs, toolRefs...) {
		if strings.Contains(r, action.ID) || strings.Contains(r, "api.example.com") {
			t.Errorf("stale ref survived delete: %q", r)
		}
	}
}

func TestDeleteNotFound(t *testing.T) {
	s, _ := newSynchronizer(t, newFakeAgents())
	if err := s.Delete(context.Background(), "act-nope"); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Bind / Unbind
// ──────────────────────────────────────────────────────────────────────────────

func TestBindAddsRefs(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, _ := newSynchronizer(t, agents)
	ctx := context.Background()

	action := mustCreate(t, s, "A1", []string{"lookup"}, types.Metadata{"domain": "api.example.com"}, alice)
	if _, err := s.Bind(ctx, "A1", action.ID, alice); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	actionRefs, toolRefs := agents.refs(t, "A1")
	if !slices.Equal(actionRefs, []string{"api.example.com|" + action.ID}) {
		t.Errorf("action refs = %v", actionRefs)
	}
	if !slices.Equal(toolRefs, []string{"lookup|api.example.com"}) {
		t.Errorf("tool refs = %v", toolRefs)
	}
}

func TestBindIsIdempotent(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, _ := newSynchronizer(t, agents)
	ctx := context.Background()

	action := mustCreate(t, s, "A1", []string{"lookup"}, types.Metadata{"domain": "api.example.com"}, alice)
	if _, err := s.Bind(ctx, "A1", action.ID, alice); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	firstActionRefs, firstToolRefs := agents.refs(t, "A1")

	if _, err := s.Bind(ctx, "A1", action.ID, alice); err != nil {
		t.Fatalf("second Bind: %v", err)
	}
	actionRefs, toolRefs := agents.refs(t, "A1")
	if !slices.Equal(actionRefs, firstActionRefs) || !slices.Equal(toolRefs, firstToolRefs) {
		t.Errorf("second bind changed refs: %v %v", actionRefs, toolRefs)
	}
	assertSingleActionRef(t, actionRefs, action.ID)
}

func TestBindAuthorizationScoping(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, _ := newSynchronizer(t, agents)
	ctx := context.Background()

	action := mustCreate(t, s, "A1", []string{"lookup"}, types.Metadata{"domain": "api.example.com"}, alice)

	// A non-owner sees not-found, not forbidden.
	if _, err := s.Bind(ctx, "A1", action.ID, bob); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("non-owner bind err = %v, want not found", err)
	}
	// An admin bypasses the ownership scope.
	if _, err := s.Bind(ctx, "A1", action.ID, root); err != nil {
		t.Errorf("admin bind err = %v", err)
	}
}

func TestBindMissingRecords(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, _ := newSynchronizer(t, agents)
	ctx := context.Background()

	if _, err := s.Bind(ctx, "A-nope", "act-1", alice); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("missing agent err = %v, want not found", err)
	}
	if _, err := s.Bind(ctx, "A1", "act-nope", alice); !types.IsKind(err, types.KindNotFound) {
		t.Errorf("missing action err = %v, want not found", err)
	}
}

func TestUnbindRemovesRefs(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, _ := newSynchronizer(t, agents)
	ctx := context.Background()

	keep := mustCreate(t, s, "A1", []string{"ping"}, types.Metadata{"domain": "other.example.com"}, alice)
	drop := mustCreate(t, s, "A1", []string{"lookup", "submit"}, types.Metadata{"domain": "api.example.com"}, alice)
	for _, id := range []string{keep.ID, drop.ID} {
		if _, err := s.Bind(ctx, "A1", id, alice); err != nil {
			t.Fatalf("Bind(%s): %v", id, err)
		}
	}

	if _, err := s.Unbind(ctx, "A1", drop.ID, alice); err != nil {
		t.Fatalf("Unbind: %v", err)
	}

	actionRefs, toolRefs := agents.refs(t, "A1")
	if !slices.Equal(actionRefs, []string{"other.example.com|" + keep.ID}) {
		t.Errorf("action refs = %v", actionRefs)
	}
	if !slices.Equal(toolRefs, []string{"ping|other.example.com"}) {
		t.Errorf("tool refs = %v", toolRefs)
	}
}

func TestUnbindWithoutBindingFailsCleanly(t *testing.T) {
	agents := newFakeAgents(&types.Agent{
		ID: "A1", Author: "alice",
		ActionRefs: []string{"other.example.com|act-keep"},
		ToolRefs:   []string{"ping|other.example.com"},
	})
	s, _ := newSynchronizer(t, agents)

	_, err := s.Unbind(context.Background(), "A1", "act-unbound", alice)
	if !types.IsKind(err, types.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}

	actionRefs, toolRefs := agents.refs(t, "A1")
	if !slices.Equal(actionRefs, []string{"other.example.com|act-keep"}) ||
		!slices.Equal(toolRefs, []string{"ping|other.example.com"}) {
		t.Errorf("failed unbind mutated agent: %v %v", actionRefs, toolRefs)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Invariants and reconciliation
// ──────────────────────────────────────────────────────────────────────────────

func TestSingleActionRefAcrossOperationSequence(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, _ := newSynchronizer(t, agents)
	ctx := context.Background()

	action := mustCreate(t, s, "A1", []string{"lookup"}, types.Metadata{"domain": "api.example.com"}, alice)

	steps := []struct {
		name string
		run  func() error
	}{
		{"bind", func() error { _, err := s.Bind(ctx, "A1", action.ID, alice); return err }},
		{"rebind", func() error { _, err := s.Bind(ctx, "A1", action.ID, alice); return err }},
		{"update", func() error {
			_, err := s.Update(ctx, action.ID,
				[]types.Function{{Name: "lookup"}}, types.Metadata{"domain": "api2.example.com"}, alice)
			return err
		}},
		{"bind after update", func() error { _, err := s.Bind(ctx, "A1", action.ID, alice); return err }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		actionRefs, _ := agents.refs(t, "A1")
		assertSingleActionRef(t, actionRefs, action.ID)
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, _ := newSynchronizer(t, agents)
	ctx := context.Background()

	action := mustCreate(t, s, "A1", []string{"lookup"}, types.Metadata{"domain": "api.example.com"}, alice)
	if _, err := s.Bind(ctx, "A1", action.ID, alice); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// Inject drift: duplicate action ref under a stale domain, orphaned tool
	// refs, a ref to a vanished action, and a malformed entry.
	agents.recs["A1"].ActionRefs = []string{
		"stale.example.com|" + action.ID,
		"api.example.com|" + action.ID,
		"gone.example.com|act-gone",
		"malformed-entry",
	}
	agents.recs["A1"].ToolRefs = []string{
		"lookup|stale.example.com",
		"orphan|gone.example.com",
	}

	got, err := s.ReconcileAgent(ctx, "A1", alice)
	if err != nil {
		t.Fatalf("ReconcileAgent: %v", err)
	}
	if !slices.Equal(got.ActionRefs, []string{"api.example.com|" + action.ID}) {
		t.Errorf("action refs = %v", got.ActionRefs)
	}
	if !slices.Equal(got.ToolRefs, []string{"lookup|api.example.com"}) {
		t.Errorf("tool refs = %v", got.ToolRefs)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	agents := newFakeAgents(&types.Agent{ID: "A1", Author: "alice"})
	s, _ := newSynchronizer(t, agents)
	ctx := context.Background()

	action := mustCreate(t, s, "A1", []string{"lookup"}, types.Metadata{"domain": "api.example.com"}, alice)
	if _, err := s.Bind(ctx, "A1", action.ID, alice); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	first, err := s.ReconcileAgent(ctx, "A1", alice)
	if err != nil {
		t.Fatalf("first ReconcileAgent: %v", err)
	}
	second, err := s.ReconcileAgent(ctx, "A1", alice)
	if err != nil {
		t.Fatalf("second ReconcileAgent: %v", err)
	}
	if !slices.Equal(first.ActionRefs, second.ActionRefs) || !slices.Equal(first.ToolRefs, second.ToolRefs) {
		t.Errorf("reconcile not idempotent: %v/%v then %v/%v",
			first.ActionRefs, first.ToolRefs, second.ActionRefs, second.ToolRefs)
	}
	if !slices.Equal(second.ActionRefs, []string{"api.example.com|" + action.ID}) {
		t.Errorf("action refs = %v", second.ActionRefs)
	}
	if !slices.Equal(second.ToolRefs, []string{"lookup|api.example.com"}) {
		t.Errorf("tool refs = %v", second.ToolRefs)
	}
}

func TestCanModify(t *testing.T) {
	agent := &types.Agent{ID: "A1", Author: "alice"}
	tests := []struct {
		name     string
		identity types.Identity
		want     bool
	}{
		{"owner", alice, true},
		{"admin", root, true},
		{"other user", bob, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanModify(tt.identity, agent); got != tt.want {
				t.Errorf("CanModify = %v, want %v", got, tt.want)
			}
		})
	}
}

func assertSingleActionRef(t *testing.T, actionRefs []string, actionID string) {
	t.Helper()
	count := 0
	for _, r := range actionRefs {
		if strings.Contains(r, actionID) {
			count++
		}
	}
	if count > 1 {
		t.Errorf("duplicate action refs: %d action refs for %s: %v", count, actionID, actionRefs)
	}
}
