package domain

// Effect определяет исход проверки действия агента.
type Effect string

const (
	EffectAllow           Effect = "ALLOW"
	EffectDeny            Effect = "DENY"
	EffectRequireApproval Effect = "REQUIRE_APPROVAL" // Human-in-the-loop
)

// ActionRequest — предлагаемое действие агента, поступающее от
// бизнес-агентов (pillar agents) на проверку.
type ActionRequest struct {
	AgentID string   `json:"agent_id"`
	Group   string   `json:"group"`
	Tool    string   `json:"tool"`
	Cost    float64  `json:"cost"`     // Оценка стоимости вызова
	TxValue float64  `json:"tx_value"` // Оценка денежной транзакции (0 — денег нет)
	Tier    int      `json:"tier"`     // Текущий уровень автономии группы
	Tags    []string `json:"tags,omitempty"`
}

// HasTag проверяет наличие тега в запросе.
func (r *ActionRequest) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Decision — итог оценки действия. Это не ошибка, а первоклассный
// результат: вызывающая сторона обязана ветвиться по Effect.
type Decision struct {
	Effect        Effect   `json:"effect"`
	Reasons       []string `json:"reasons"`                  // Человекочитаемые причины
	ApproverRoles []string `json:"approver_roles,omitempty"` // Кто должен подтвердить
	MatchedRules  []string `json:"matched_rules,omitempty"`  // Имена сработавших правил
}

// Allow — дефолтное решение, когда ни одно правило не сработало.
func Allow() Decision {
	return Decision{Effect: EffectAllow}
}

// Deny строит немедленный запрет с причиной.
func Deny(reason string) Decision {
	return Decision{Effect: EffectDeny, Reasons: []string{reason}}
}

// Merge накладывает другое решение поверх текущего.
// DENY всегда побеждает; REQUIRE_APPROVAL объединяет причины и роли.
// Ослабить уже принятый запрет невозможно (Zero Trust).
func (d Decision) Merge(other Decision) Decision {
	if d.Effect == EffectDeny {
		return d
	}
	if other.Effect == EffectDeny {
		other.Reasons = append(append([]string{}, d.Reasons...), other.Reasons...)
		return other
	}
	if other.Effect == EffectRequireApproval {
		d.Effect = EffectRequireApproval
	}
	d.Reasons = append(d.Reasons, other.Reasons...)
	d.ApproverRoles = mergeUnique(d.ApproverRoles, other.ApproverRoles)
	d.MatchedRules = append(d.MatchedRules, other.MatchedRules...)
	return d
}

func mergeUnique(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, v := range base {
		seen[v] = struct{}{}
	}
	for _, v := range extra {
		if _, ok := seen[v]; !ok {
			base = append(base, v)
			seen[v] = struct{}{}
		}
	}
	return base
}

// PermissionResult — ответ реестра автономии на грубую проверку допуска.
type PermissionResult struct {
	Allowed           bool    `json:"allowed"`
	RequiresApproval  bool    `json:"requires_approval"`
	Reason            string  `json:"reason"`
	ApprovalThreshold float64 `json:"approval_threshold,omitempty"` // Порог, который сработал
}
