package domain

import (
	"fmt"
	"time"
)

// AutonomyTier — ординальный уровень автономии группы агентов (0..5).
// Переходы строго пошаговые: Promote/Demote меняют уровень ровно на один.
type AutonomyTier int

const (
	TierReadOnly     AutonomyTier = 0 // Только чтение (allowlist)
	TierSupervised   AutonomyTier = 1 // Каждое действие через аппрув
	TierBatched      AutonomyTier = 2 // Пакетное исполнение под фиксированным капом
	TierRealtime     AutonomyTier = 3 // Real-time под жестким капом, исключения через аппрув
	TierSelfManaged  AutonomyTier = 4 // Самокоррекция, мягкие капы
	TierDelegated    AutonomyTier = 5 // Делегировано, ограничено только бюджетом Treasury
	TierMax                       = TierDelegated
)

// Label возвращает человекочитаемое имя уровня.
func (t AutonomyTier) Label() string {
	switch t {
	case TierReadOnly:
		return "read-only"
	case TierSupervised:
		return "supervised"
	case TierBatched:
		return "batched"
	case TierRealtime:
		return "realtime"
	case TierSelfManaged:
		return "self-managed"
	case TierDelegated:
		return "delegated"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// CompareOp — оператор сравнения KPI-условия.
type CompareOp string

const (
	OpGT CompareOp = ">"
	OpGE CompareOp = ">="
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpEQ CompareOp = "=="
)

// KPICondition — чистый предикат над текущим снапшотом метрик группы.
type KPICondition struct {
	Metric      string        `json:"metric" yaml:"metric"`
	Op          CompareOp     `json:"op" yaml:"op"`
	Threshold   float64       `json:"threshold" yaml:"threshold"`
	Window      time.Duration `json:"window" yaml:"window"`
	Description string        `json:"description,omitempty" yaml:"description"`
}

// Holds вычисляет предикат по значению метрики.
// Отсутствующая метрика трактуется как "условие не выполнено".
func (c KPICondition) Holds(metrics map[string]float64) bool {
	v, ok := metrics[c.Metric]
	if !ok {
		return false
	}
	switch c.Op {
	case OpGT:
		return v > c.Threshold
	case OpGE:
		return v >= c.Threshold
	case OpLT:
		return v < c.Threshold
	case OpLE:
		return v <= c.Threshold
	case OpEQ:
		return v == c.Threshold
	}
	return false
}

// MetricSample — одна точка истории метрик (bounded ring в профиле).
type MetricSample struct {
	At     time.Time          `json:"at"`
	Values map[string]float64 `json:"values"`
}

// AgentGroupProfile — состояние одной группы агентов в реестре автономии.
// Создается при регистрации, никогда не удаляется — только пауза.
type AgentGroupProfile struct {
	Group  string       `json:"group"`
	Pillar string       `json:"pillar"`
	Tier   AutonomyTier `json:"tier"`

	PolicyRefs        []string       `json:"policy_refs,omitempty"` // Имена правил движка политик
	PromoteConditions []KPICondition `json:"promote_conditions,omitempty"`
	DemoteConditions  []KPICondition `json:"demote_conditions,omitempty"`

	Metrics       map[string]float64 `json:"metrics"` // Скользящий снапшот
	MetricHistory []MetricSample     `json:"metric_history,omitempty"`

	DriftIncidents int  `json:"drift_incidents"` // Счетчик демоушенов
	Paused         bool `json:"paused"`          // EmergencyPause
	Killed         bool `json:"killed"`          // KillSwitch (снимается только вручную)

	LastChangedBy string    `json:"last_changed_by"`
	LastChangedAt time.Time `json:"last_changed_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// EffectiveTier — уровень для проверок допуска: kill-switch принудительно
// опускает группу до нуля, фактический Tier при этом не переписывается.
func (p *AgentGroupProfile) EffectiveTier() AutonomyTier {
	if p.Killed {
		return TierReadOnly
	}
	return p.Tier
}

// ChangeKind — тип изменения в журнале аудита реестра.
type ChangeKind string

const (
	ChangePromotion      ChangeKind = "promotion"
	ChangeDemotion       ChangeKind = "demotion"
	ChangeManual         ChangeKind = "manual"
	ChangeEmergencyPause ChangeKind = "emergency-pause"
	ChangeKillSwitch     ChangeKind = "kill-switch"
	ChangeDriftResponse  ChangeKind = "drift-response"
)

// ChangeRecord — неизменяемая запись аудита. После записи ничто в системе
// не имеет права ее переписать или удалить.
type ChangeRecord struct {
	ID        string             `json:"id"` // UUID
	Group     string             `json:"group"`
	Pillar    string             `json:"pillar"`
	FromTier  AutonomyTier       `json:"from_tier"`
	ToTier    AutonomyTier       `json:"to_tier"`
	Kind      ChangeKind         `json:"kind"`
	Actor     string             `json:"actor"`
	Reason    string             `json:"reason"`
	Metrics   map[string]float64 `json:"metrics,omitempty"` // Снапшот на момент изменения
	Timestamp time.Time          `json:"timestamp"`
}
