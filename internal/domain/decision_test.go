package domain

import "testing"

func TestDecisionMerge(t *testing.T) {
	tests := []struct {
		name string
		base Decision
		over Decision
		want Effect
	}{
		{"allow + allow", Allow(), Allow(), EffectAllow},
		{"allow + deny", Allow(), Deny("bad"), EffectDeny},
		{"deny is final", Deny("bad"), Allow(), EffectDeny},
		{"deny beats approval", Deny("bad"), Decision{Effect: EffectRequireApproval}, EffectDeny},
		{"allow + approval", Allow(), Decision{Effect: EffectRequireApproval}, EffectRequireApproval},
		{"approval + allow stays", Decision{Effect: EffectRequireApproval}, Allow(), EffectRequireApproval},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.base.Merge(tc.over); got.Effect != tc.want {
				t.Errorf("got %s, want %s", got.Effect, tc.want)
			}
		})
	}
}

func TestDecisionMerge_AccumulatesReasonsAndRoles(t *testing.T) {
	a := Decision{Effect: EffectRequireApproval, Reasons: []string{"r1"}, ApproverRoles: []string{"finance"}}
	b := Decision{Effect: EffectRequireApproval, Reasons: []string{"r2"}, ApproverRoles: []string{"finance", "operations"}}

	got := a.Merge(b)
	if len(got.Reasons) != 2 {
		t.Errorf("reasons: %v", got.Reasons)
	}
	// Роли объединяются без дубликатов
	if len(got.ApproverRoles) != 2 {
		t.Errorf("roles: %v", got.ApproverRoles)
	}
}

func TestTxStatusIsTerminal(t *testing.T) {
	terminal := map[TxStatus]bool{
		TxPending:  false,
		TxApproved: false,
		TxRejected: true,
		TxExecuted: true,
		TxFailed:   true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s: got %v, want %v", status, got, want)
		}
	}
}

func TestEffectiveTier(t *testing.T) {
	p := AgentGroupProfile{Tier: TierRealtime}
	if p.EffectiveTier() != TierRealtime {
		t.Error("healthy group tier mangled")
	}
	p.Killed = true
	if p.EffectiveTier() != TierReadOnly {
		t.Error("killed group must be effectively read-only")
	}
	if p.Tier != TierRealtime {
		t.Error("declared tier must not change")
	}
}
