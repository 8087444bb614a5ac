package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/aml-control-plane/internal/domain"
)

var errInvalidRule = errors.New("invalid policy rule")

// Роли аппруверов по видам правил
const (
	RoleFinance    = "finance"
	RoleOperations = "operations"
	RoleCompliance = "compliance"
)

// evaluateRule применяет одно правило к действию.
func evaluateRule(r *domain.PolicyRule, req *domain.ActionRequest) domain.Decision {
	switch r.Kind {
	case domain.RuleBudget:
		return evalBudget(r, req)
	case domain.RuleAutonomy:
		return evalAutonomy(r, req)
	case domain.RuleCompliance:
		return evalCompliance(r, req)
	}
	return domain.Allow()
}

func evalBudget(r *domain.PolicyRule, req *domain.ActionRequest) domain.Decision {
	spec := r.Budget
	if spec.MaxPerAction > 0 && req.Cost > spec.MaxPerAction {
		return hit(r, domain.EffectDeny,
			fmt.Sprintf("cost %.2f exceeds per-action limit %.2f", req.Cost, spec.MaxPerAction), "")
	}
	if spec.ApprovalThreshold > 0 && req.Cost > spec.ApprovalThreshold {
		return hit(r, domain.EffectRequireApproval,
			fmt.Sprintf("cost %.2f above approval threshold %.2f", req.Cost, spec.ApprovalThreshold),
			RoleFinance)
	}
	// max_daily здесь не оценивается: скользящие дневные траты считает
	// Treasury из лога транзакций — единственный источник правды
	return domain.Allow()
}

func evalAutonomy(r *domain.PolicyRule, req *domain.ActionRequest) domain.Decision {
	spec := r.Autonomy
	tier := domain.AutonomyTier(req.Tier)

	if tier < domain.AutonomyTier(spec.MinTier) {
		return hit(r, domain.EffectDeny,
			fmt.Sprintf("tier %s below required minimum %d", tier.Label(), spec.MinTier), "")
	}
	// Группа, действующая выше своего декларированного потолка,
	// все еще может работать — но только через подпись оператора
	if spec.MaxTier > 0 && tier > domain.AutonomyTier(spec.MaxTier) {
		return hit(r, domain.EffectRequireApproval,
			fmt.Sprintf("tier %s above declared ceiling %d", tier.Label(), spec.MaxTier),
			RoleOperations)
	}
	for _, denied := range spec.DeniedTools {
		if req.Tool == denied {
			return hit(r, domain.EffectDeny,
				fmt.Sprintf("tool %q is explicitly denied", req.Tool), "")
		}
	}
	if len(spec.AllowedTools) > 0 {
		for _, allowed := range spec.AllowedTools {
			if req.Tool == allowed {
				return domain.Allow()
			}
		}
		return hit(r, domain.EffectDeny,
			fmt.Sprintf("tool %q is not in the allowed set", req.Tool), "")
	}
	return domain.Allow()
}

func evalCompliance(r *domain.PolicyRule, req *domain.ActionRequest) domain.Decision {
	spec := r.Compliance
	for _, tag := range spec.RequiredTags {
		if !req.HasTag(tag) {
			return hit(r, domain.EffectDeny,
				fmt.Sprintf("required tag %q is missing", tag), "")
		}
	}
	for _, pattern := range spec.ForbiddenPatterns {
		if matchesPattern(req, pattern) {
			return hit(r, domain.EffectDeny,
				fmt.Sprintf("action matches forbidden pattern %q", pattern), "")
		}
	}
	// Резидентность данных: без явного тега region:<r> из списка — запрет
	if len(spec.ResidencyRequirements) > 0 && !hasResidency(req, spec.ResidencyRequirements) {
		return hit(r, domain.EffectDeny,
			fmt.Sprintf("action does not satisfy residency requirements %v", spec.ResidencyRequirements), "")
	}
	return domain.Allow()
}

func matchesPattern(req *domain.ActionRequest, pattern string) bool {
	if strings.Contains(req.Tool, pattern) {
		return true
	}
	for _, tag := range req.Tags {
		if strings.Contains(tag, pattern) {
			return true
		}
	}
	return false
}

func hasResidency(req *domain.ActionRequest, regions []string) bool {
	for _, region := range regions {
		if req.HasTag("region:" + region) {
			return true
		}
	}
	return false
}

func hit(r *domain.PolicyRule, effect domain.Effect, reason, role string) domain.Decision {
	d := domain.Decision{
		Effect:       effect,
		Reasons:      []string{fmt.Sprintf("[%s] %s", r.Name, reason)},
		MatchedRules: []string{r.Name},
	}
	if role != "" {
		d.ApproverRoles = []string{role}
	}
	return d
}
