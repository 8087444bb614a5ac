package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/controlplane"
	"github.com/xela07ax/aml-control-plane/internal/domain"
	"github.com/xela07ax/aml-control-plane/internal/infra/auth"
	"github.com/xela07ax/aml-control-plane/internal/policy"
	"github.com/xela07ax/aml-control-plane/internal/registry"
	"github.com/xela07ax/aml-control-plane/internal/treasury"
)

type testEnv struct {
	router   *chi.Mux
	treasury *treasury.Treasury
	registry *registry.Registry
	engine   *policy.Engine
	cp       *controlplane.ControlPlane
}

// newTestEnv поднимает роутер с реальными компонентами и подставным
// оператором "alice" в контексте (как после auth middleware).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	tre := treasury.New(logger)
	if err := tre.CreateBudget("research", "rnd", 1000, domain.SpendingLimit{ApprovalThreshold: 100}); err != nil {
		t.Fatal(err)
	}

	reg := registry.New(registry.Config{
		ReadOnlyTools: []string{"search"},
		DefaultTiers:  map[string]domain.AutonomyTier{"rnd": domain.TierSelfManaged},
	}, logger)
	if _, err := reg.RegisterGroup("research", "rnd"); err != nil {
		t.Fatal(err)
	}

	eng := policy.NewEngine(logger)
	cp := controlplane.New(tre, eng, reg, controlplane.NewMetrics(nil), 1000, 100, logger)

	budgets := NewBudgetHandler(tre)
	groups := NewGroupHandler(reg)
	policies := NewPolicyHandler(eng)
	approvals := NewApprovalHandler(cp, tre, nil, logger)
	authorize := NewAuthorizeHandler(cp)
	auditH := NewAuditHandler(reg, tre)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := context.WithValue(req.Context(), auth.CtxOperatorID, "alice")
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})

	r.Post("/v1/authorize", authorize.Authorize)
	r.Route("/v1/budgets", func(r chi.Router) {
		r.Get("/", budgets.List)
		r.Post("/", budgets.Create)
		r.Get("/{group}", budgets.Get)
	})
	r.Route("/v1/groups", func(r chi.Router) {
		r.Get("/", groups.List)
		r.Post("/", groups.Register)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", groups.Get)
			r.Post("/promote", groups.Promote)
			r.Post("/demote", groups.Demote)
			r.Post("/pause", groups.Pause)
			r.Post("/resume", groups.Resume)
			r.Post("/kill", groups.Kill)
			r.Post("/kill/clear", groups.ClearKill)
			r.Post("/metrics", groups.UpdateMetrics)
			r.Put("/kpi", groups.SetKPIConditions)
		})
	})
	r.Route("/v1/policies", func(r chi.Router) {
		r.Get("/", policies.List)
		r.Post("/", policies.Create)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", policies.Get)
			r.Post("/enabled", policies.SetEnabled)
			r.Delete("/", policies.Delete)
		})
	})
	r.Route("/v1/approvals", func(r chi.Router) {
		r.Get("/", approvals.List)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", approvals.GetDetails)
			r.Post("/decide", approvals.Decide)
		})
	})
	r.Route("/v1/audit", func(r chi.Router) {
		r.Get("/changes", auditH.GetChanges)
		r.Get("/transactions", auditH.GetTransactions)
	})

	return &testEnv{router: r, treasury: tre, registry: reg, engine: eng, cp: cp}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestBudgetEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/budgets", CreateBudgetRequest{
		Group: "marketing", Pillar: "growth", Total: 500,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}

	// Повторное выделение той же группе — конфликт
	rec = env.do(t, http.MethodPost, "/v1/budgets", CreateBudgetRequest{Group: "marketing", Total: 1})
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate create: %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/budgets/marketing", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	var snap domain.BudgetSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Total != 500 || snap.Available != 500 {
		t.Errorf("snapshot: %+v", snap)
	}

	if rec = env.do(t, http.MethodGet, "/v1/budgets/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown group: %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/v1/budgets", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
}

func TestGroupEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/groups", RegisterGroupRequest{Group: "ops-bots", Pillar: "ops"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}

	// ops не в DefaultTiers — группа стартует со стандартного уровня 1
	rec = env.do(t, http.MethodPost, "/v1/groups/ops-bots/promote", TransitionRequest{Reason: "pilot ok"})
	if rec.Code != http.StatusOK {
		t.Fatalf("promote: %d %s", rec.Code, rec.Body.String())
	}
	var profile domain.AgentGroupProfile
	if err := json.Unmarshal(rec.Body.Bytes(), &profile); err != nil {
		t.Fatal(err)
	}
	if profile.Tier != domain.TierBatched {
		t.Errorf("tier after promote: %d", profile.Tier)
	}

	// Kill-switch отражается в профиле и не сбрасывается resume
	if rec = env.do(t, http.MethodPost, "/v1/groups/ops-bots/kill", nil); rec.Code != http.StatusOK {
		t.Fatalf("kill: %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/v1/groups/ops-bots", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &profile); err != nil {
		t.Fatal(err)
	}
	if !profile.Killed {
		t.Error("kill flag not set")
	}
	if rec = env.do(t, http.MethodPost, "/v1/groups/ops-bots/kill/clear", nil); rec.Code != http.StatusOK {
		t.Fatalf("clear kill: %d", rec.Code)
	}

	if rec = env.do(t, http.MethodPost, "/v1/groups/ghost/promote", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown group promote: %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/groups/ops-bots/metrics", MetricsRequest{
		Metrics: map[string]float64{"task_success_rate": 0.97},
	})
	if rec.Code != http.StatusNoContent {
		t.Errorf("metrics: %d", rec.Code)
	}
	if rec = env.do(t, http.MethodPost, "/v1/groups/ghost/metrics", MetricsRequest{}); rec.Code != http.StatusNotFound {
		t.Errorf("ghost metrics: %d", rec.Code)
	}
}

func TestGroupPromoteCeilingConflict(t *testing.T) {
	env := newTestEnv(t)

	// research стартует на уровне 4, один promote доводит до потолка
	if rec := env.do(t, http.MethodPost, "/v1/groups/research/promote", nil); rec.Code != http.StatusOK {
		t.Fatalf("promote to ceiling: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/groups/research/promote", nil); rec.Code != http.StatusConflict {
		t.Errorf("promote above ceiling: %d", rec.Code)
	}
}

func TestPolicyEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rule := domain.PolicyRule{
		Name: "cheap-only", Kind: domain.RuleBudget, Priority: 10, Enabled: true,
		Budget: &domain.BudgetRuleSpec{MaxPerAction: 100},
	}
	if rec := env.do(t, http.MethodPost, "/v1/policies", rule); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "/v1/policies/cheap-only", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	var got domain.PolicyRule
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Name != "cheap-only" || got.Budget == nil {
		t.Errorf("rule round-trip: %+v", got)
	}

	if rec = env.do(t, http.MethodPost, "/v1/policies/cheap-only/enabled", SetEnabledRequest{Enabled: false}); rec.Code != http.StatusNoContent {
		t.Errorf("disable: %d", rec.Code)
	}
	if rec = env.do(t, http.MethodPost, "/v1/policies/ghost/enabled", SetEnabledRequest{}); rec.Code != http.StatusNotFound {
		t.Errorf("disable unknown: %d", rec.Code)
	}

	if rec = env.do(t, http.MethodDelete, "/v1/policies/cheap-only", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete: %d", rec.Code)
	}
	if rec = env.do(t, http.MethodGet, "/v1/policies/cheap-only", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: %d", rec.Code)
	}

	// Правило без спеки своего вида отклоняется
	bad := domain.PolicyRule{Name: "empty", Kind: domain.RuleBudget, Enabled: true}
	if rec = env.do(t, http.MethodPost, "/v1/policies", bad); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid rule: %d", rec.Code)
	}
}

func TestAuthorizeEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/authorize", domain.ActionRequest{
		AgentID: "agent-1", Group: "research", Tool: "fetch", TxValue: 50,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize: %d %s", rec.Code, rec.Body.String())
	}
	var res controlplane.AuthorizeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Decision.Effect != domain.EffectAllow {
		t.Errorf("effect: %s", res.Decision.Effect)
	}

	// Неполный запрос
	rec = env.do(t, http.MethodPost, "/v1/authorize", domain.ActionRequest{Group: "research"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing fields: %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/authorize", domain.ActionRequest{
		AgentID: "agent-1", Group: "ghost", Tool: "fetch",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown group: %d", rec.Code)
	}
}

func TestApprovalFlow(t *testing.T) {
	env := newTestEnv(t)

	// Сумма выше порога — транзакция повисает в PENDING
	res, err := env.cp.Authorize(context.Background(), domain.ActionRequest{
		AgentID: "agent-1", Group: "research", Tool: "buy-dataset", TxValue: 300,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction == nil || res.Transaction.Status != domain.TxPending {
		t.Fatalf("setup: %+v", res.Transaction)
	}
	txID := res.Transaction.ID

	rec := env.do(t, http.MethodGet, "/v1/approvals?group=research", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var queue []domain.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &queue); err != nil {
		t.Fatal(err)
	}
	if len(queue) != 1 || queue[0].ID != txID {
		t.Fatalf("queue: %+v", queue)
	}

	rec = env.do(t, http.MethodPost, "/v1/approvals/"+txID+"/decide", DecideRequest{Approved: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("decide: %d %s", rec.Code, rec.Body.String())
	}
	var tx domain.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &tx); err != nil {
		t.Fatal(err)
	}
	if tx.Status != domain.TxExecuted {
		t.Errorf("status after approval: %s", tx.Status)
	}

	// Решение по исполненной транзакции не применяется
	rec = env.do(t, http.MethodPost, "/v1/approvals/"+txID+"/decide", DecideRequest{Approved: false})
	if rec.Code != http.StatusConflict {
		t.Errorf("decide on terminal: %d", rec.Code)
	}

	if rec = env.do(t, http.MethodGet, "/v1/approvals/"+txID, nil); rec.Code != http.StatusOK {
		t.Errorf("details: %d", rec.Code)
	}
	if rec = env.do(t, http.MethodGet, "/v1/approvals/ghost", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown tx: %d", rec.Code)
	}
}

func TestApprovalReject(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.cp.Authorize(context.Background(), domain.ActionRequest{
		AgentID: "agent-1", Group: "research", Tool: "buy", TxValue: 200,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, "/v1/approvals/"+res.Transaction.ID+"/decide", DecideRequest{
		Approved: false, Comment: "over quarterly plan",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reject: %d %s", rec.Code, rec.Body.String())
	}

	snap, _ := env.treasury.Budget("research")
	if snap.Reserved != 0 || snap.Available != 1000 {
		t.Errorf("reservation not released: %+v", snap)
	}
}

func TestAuditEndpoints(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.cp.Authorize(context.Background(), domain.ActionRequest{
		AgentID: "agent-1", Group: "research", Tool: "fetch", TxValue: 10,
	}); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/v1/audit/transactions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions: %d", rec.Code)
	}
	var txs []domain.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &txs); err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 {
		t.Errorf("transactions: %d", len(txs))
	}

	rec = env.do(t, http.MethodGet, "/v1/audit/changes?group=research", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("changes: %d", rec.Code)
	}
	var changes []domain.ChangeRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &changes); err != nil {
		t.Fatal(err)
	}
	if len(changes) == 0 {
		t.Error("registration change record missing")
	}

	if rec = env.do(t, http.MethodGet, "/v1/audit/changes?start=not-a-time", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad period: %d", rec.Code)
	}
}
