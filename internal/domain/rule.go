package domain

// RuleKind — дискриминатор tagged-варианта PolicyRule.
type RuleKind string

const (
	RuleBudget     RuleKind = "budget"
	RuleAutonomy   RuleKind = "autonomy"
	RuleCompliance RuleKind = "compliance"
)

// BudgetRuleSpec ограничивает стоимость одного действия.
type BudgetRuleSpec struct {
	MaxPerAction      float64 `json:"max_per_action" yaml:"max_per_action"`
	MaxDaily          float64 `json:"max_daily" yaml:"max_daily"`
	ApprovalThreshold float64 `json:"approval_threshold" yaml:"approval_threshold"`
}

// AutonomyRuleSpec связывает допуск с уровнем автономии и списками тулов.
type AutonomyRuleSpec struct {
	MinTier      int      `json:"min_tier" yaml:"min_tier"`
	MaxTier      int      `json:"max_tier" yaml:"max_tier"`
	AllowedTools []string `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	DeniedTools  []string `json:"denied_tools,omitempty" yaml:"denied_tools"`
}

// ComplianceRuleSpec — регуляторные требования к действию.
type ComplianceRuleSpec struct {
	RequiredTags          []string `json:"required_tags,omitempty" yaml:"required_tags"`
	ForbiddenPatterns     []string `json:"forbidden_patterns,omitempty" yaml:"forbidden_patterns"`
	ResidencyRequirements []string `json:"residency_requirements,omitempty" yaml:"residency_requirements"`
}

// PolicyRule — правило, произведенное внешним компилятором политик.
// Движок никогда не меняет содержимое правила, только флаг Enabled.
// Ровно одно из полей Budget/Autonomy/Compliance заполнено — по Kind.
type PolicyRule struct {
	Name     string   `json:"name" yaml:"name"`
	Kind     RuleKind `json:"kind" yaml:"kind"`
	Priority int      `json:"priority" yaml:"priority"` // Оценка идет от большего к меньшему
	Enabled  bool     `json:"enabled" yaml:"enabled"`

	Budget     *BudgetRuleSpec     `json:"budget,omitempty" yaml:"budget"`
	Autonomy   *AutonomyRuleSpec   `json:"autonomy,omitempty" yaml:"autonomy"`
	Compliance *ComplianceRuleSpec `json:"compliance,omitempty" yaml:"compliance"`
}

// Valid проверяет согласованность варианта с дискриминатором.
func (r *PolicyRule) Valid() bool {
	if r.Name == "" {
		return false
	}
	switch r.Kind {
	case RuleBudget:
		return r.Budget != nil
	case RuleAutonomy:
		return r.Autonomy != nil
	case RuleCompliance:
		return r.Compliance != nil
	}
	return false
}
