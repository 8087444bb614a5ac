package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/domain"
)

func budgetRule(name string, priority int, maxPerAction, approvalThreshold float64) domain.PolicyRule {
	return domain.PolicyRule{
		Name:     name,
		Kind:     domain.RuleBudget,
		Priority: priority,
		Enabled:  true,
		Budget: &domain.BudgetRuleSpec{
			MaxPerAction:      maxPerAction,
			ApprovalThreshold: approvalThreshold,
		},
	}
}

func TestEvaluate_DefaultAllow(t *testing.T) {
	e := NewEngine(zap.NewNop())

	d, err := e.Evaluate(context.Background(), domain.ActionRequest{Tool: "search", Tier: 3})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Effect != domain.EffectAllow {
		t.Errorf("effect: got %s, want ALLOW", d.Effect)
	}
}

func TestEvaluate_FirstDenyWins(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(budgetRule("cap", 10, 100, 0))
	// Правило ниже приоритетом не должно быть оценено после DENY
	e.AddPolicy(budgetRule("cheap-gate", 5, 0, 1))

	d, err := e.Evaluate(context.Background(), domain.ActionRequest{Tool: "spend", Cost: 150})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Effect != domain.EffectDeny {
		t.Fatalf("effect: got %s, want DENY", d.Effect)
	}
	if len(d.Reasons) != 1 || !strings.Contains(d.Reasons[0], "[cap]") {
		t.Errorf("reasons: %v", d.Reasons)
	}
}

func TestEvaluate_RequireApprovalAccumulates(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(budgetRule("finance-gate", 10, 0, 50))
	e.AddPolicy(domain.PolicyRule{
		Name: "ops-ceiling", Kind: domain.RuleAutonomy, Priority: 5, Enabled: true,
		Autonomy: &domain.AutonomyRuleSpec{MaxTier: 2},
	})

	d, err := e.Evaluate(context.Background(), domain.ActionRequest{Tool: "deploy", Cost: 80, Tier: 4})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Effect != domain.EffectRequireApproval {
		t.Fatalf("effect: got %s, want REQUIRE_APPROVAL", d.Effect)
	}
	if len(d.Reasons) != 2 {
		t.Errorf("reasons: %v", d.Reasons)
	}
	if len(d.ApproverRoles) != 2 {
		t.Errorf("approver roles: %v, want finance+operations", d.ApproverRoles)
	}
	if len(d.MatchedRules) != 2 {
		t.Errorf("matched rules: %v", d.MatchedRules)
	}
}

func TestEvaluate_LateDenyOverridesEarlierApproval(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(budgetRule("finance-gate", 10, 0, 50))
	e.AddPolicy(domain.PolicyRule{
		Name: "tool-ban", Kind: domain.RuleAutonomy, Priority: 1, Enabled: true,
		Autonomy: &domain.AutonomyRuleSpec{DeniedTools: []string{"wire-transfer"}},
	})

	d, _ := e.Evaluate(context.Background(), domain.ActionRequest{Tool: "wire-transfer", Cost: 80, Tier: 3})
	if d.Effect != domain.EffectDeny {
		t.Fatalf("effect: got %s, want DENY", d.Effect)
	}
}

func TestEvaluate_DisabledRuleSkipped(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(budgetRule("cap", 10, 100, 0))

	if !e.SetEnabled("cap", false) {
		t.Fatal("SetEnabled returned false")
	}
	d, _ := e.Evaluate(context.Background(), domain.ActionRequest{Tool: "spend", Cost: 150})
	if d.Effect != domain.EffectAllow {
		t.Errorf("disabled rule applied: %s", d.Effect)
	}

	e.SetEnabled("cap", true)
	d, _ = e.Evaluate(context.Background(), domain.ActionRequest{Tool: "spend", Cost: 150})
	if d.Effect != domain.EffectDeny {
		t.Errorf("re-enabled rule ignored: %s", d.Effect)
	}
}

func TestAddPolicy_ReplaceByName(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(budgetRule("cap", 10, 100, 0))
	e.AddPolicy(budgetRule("cap", 10, 500, 0)) // Замещение

	if got := len(e.ListPolicies()); got != 1 {
		t.Fatalf("policies: got %d, want 1", got)
	}
	d, _ := e.Evaluate(context.Background(), domain.ActionRequest{Tool: "spend", Cost: 150})
	if d.Effect != domain.EffectAllow {
		t.Errorf("old rule still active: %s", d.Effect)
	}
}

func TestAddPolicy_InvalidRule(t *testing.T) {
	e := NewEngine(zap.NewNop())
	err := e.AddPolicy(domain.PolicyRule{Name: "broken", Kind: domain.RuleBudget})
	if !errors.Is(err, errInvalidRule) {
		t.Fatalf("got %v, want errInvalidRule", err)
	}
}

func TestRemovePolicy(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(budgetRule("cap", 10, 100, 0))

	if !e.RemovePolicy("cap") {
		t.Fatal("RemovePolicy returned false")
	}
	if e.RemovePolicy("cap") {
		t.Fatal("second removal returned true")
	}
	if got := len(e.ListPolicies()); got != 0 {
		t.Errorf("policies after removal: %d", got)
	}
}

func TestEvaluate_AutonomyRule(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(domain.PolicyRule{
		Name: "deploy-access", Kind: domain.RuleAutonomy, Priority: 10, Enabled: true,
		Autonomy: &domain.AutonomyRuleSpec{
			MinTier:      2,
			AllowedTools: []string{"deploy", "rollback"},
		},
	})

	tests := []struct {
		name string
		req  domain.ActionRequest
		want domain.Effect
	}{
		{"below min tier", domain.ActionRequest{Tool: "deploy", Tier: 1}, domain.EffectDeny},
		{"allowed tool", domain.ActionRequest{Tool: "deploy", Tier: 3}, domain.EffectAllow},
		{"tool not in allowlist", domain.ActionRequest{Tool: "delete-prod", Tier: 3}, domain.EffectDeny},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := e.Evaluate(context.Background(), tc.req)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Effect != tc.want {
				t.Errorf("effect: got %s, want %s", d.Effect, tc.want)
			}
		})
	}
}

func TestEvaluate_ComplianceRule(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.AddPolicy(domain.PolicyRule{
		Name: "gdpr", Kind: domain.RuleCompliance, Priority: 10, Enabled: true,
		Compliance: &domain.ComplianceRuleSpec{
			RequiredTags:          []string{"pii-reviewed"},
			ForbiddenPatterns:     []string{"export-raw"},
			ResidencyRequirements: []string{"eu"},
		},
	})

	tests := []struct {
		name string
		req  domain.ActionRequest
		want domain.Effect
	}{
		{
			"compliant",
			domain.ActionRequest{Tool: "report", Tags: []string{"pii-reviewed", "region:eu"}},
			domain.EffectAllow,
		},
		{
			"missing required tag",
			domain.ActionRequest{Tool: "report", Tags: []string{"region:eu"}},
			domain.EffectDeny,
		},
		{
			"forbidden pattern in tool",
			domain.ActionRequest{Tool: "export-raw-users", Tags: []string{"pii-reviewed", "region:eu"}},
			domain.EffectDeny,
		},
		{
			"no residency tag",
			domain.ActionRequest{Tool: "report", Tags: []string{"pii-reviewed"}},
			domain.EffectDeny,
		},
		{
			"wrong region",
			domain.ActionRequest{Tool: "report", Tags: []string{"pii-reviewed", "region:us"}},
			domain.EffectDeny,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := e.Evaluate(context.Background(), tc.req)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Effect != tc.want {
				t.Errorf("effect: got %s, want %s (reasons %v)", d.Effect, tc.want, d.Reasons)
			}
		})
	}
}

func TestEvaluate_CancelledContext(t *testing.T) {
	e := NewEngine(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := e.Evaluate(ctx, domain.ActionRequest{Tool: "anything"})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if d.Effect != domain.EffectDeny {
		t.Errorf("effect on cancellation: got %s, want DENY", d.Effect)
	}
}

// fakeSource — управляемый внешний источник решений.
type fakeSource struct {
	decision domain.Decision
	err      error
}

func (f *fakeSource) Evaluate(_ context.Context, _ domain.ActionRequest) (domain.Decision, error) {
	return f.decision, f.err
}

func TestEvaluate_RemoteFaultDegradesToApproval(t *testing.T) {
	e := NewEngine(zap.NewNop(), WithRemoteSource(&fakeSource{err: errors.New("connection refused")}))

	d, err := e.Evaluate(context.Background(), domain.ActionRequest{Tool: "search"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Effect != domain.EffectRequireApproval {
		t.Errorf("effect on remote fault: got %s, want REQUIRE_APPROVAL", d.Effect)
	}
}

func TestEvaluate_RemoteCannotWeakenLocalDeny(t *testing.T) {
	remote := &fakeSource{decision: domain.Allow()}
	e := NewEngine(zap.NewNop(), WithRemoteSource(remote))
	e.AddPolicy(budgetRule("cap", 10, 100, 0))

	d, _ := e.Evaluate(context.Background(), domain.ActionRequest{Tool: "spend", Cost: 500})
	if d.Effect != domain.EffectDeny {
		t.Errorf("remote weakened deny: %s", d.Effect)
	}
}

func TestEvaluate_RemoteDenyApplied(t *testing.T) {
	remote := &fakeSource{decision: domain.Deny("blacklisted upstream")}
	e := NewEngine(zap.NewNop(), WithRemoteSource(remote))

	d, _ := e.Evaluate(context.Background(), domain.ActionRequest{Tool: "search"})
	if d.Effect != domain.EffectDeny {
		t.Errorf("remote deny ignored: %s", d.Effect)
	}
}
