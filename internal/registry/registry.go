package registry

/*
Файл registry.go реализует реестр автономии: уровень допуска каждой
группы агентов (0..5), пошаговую машину переходов и грубую проверку
допуска инструмента, независимую от движка политик.

CheckPermission читает снапшот профиля под коротким RLock и не блокируется
на фоновом KPI-цикле. Каждый переход уровня добавляет неизменяемый
ChangeRecord со снапшотом метрик — этот журнал и есть единственный
источник правды "кто, что, когда и почему поменял".
*/

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/audit"
	"github.com/xela07ax/aml-control-plane/internal/domain"
)

const defaultHistoryLimit = 168 // Неделя почасовых снапшотов

// Config — пороги и дефолты реестра.
type Config struct {
	ReadOnlyTools []string                // Allowlist для tier 0; суффикс '*' дает префиксное совпадение
	Tier2BatchCap float64                 // Кап стоимости пакетного вызова (tier 2)
	Tier3ValueCap float64                 // Жесткий кап суммы транзакции (tier 3)
	HistoryLimit  int                     // Размер кольца истории метрик
	DefaultTiers  map[string]domain.AutonomyTier // Стартовый уровень по pillar
}

// HaltBroadcaster рассылает аварийные сигналы другим инстансам
// (реализация — Redis pub/sub в signals.go). Может быть nil.
type HaltBroadcaster interface {
	PublishHalt(group string, halted bool)
}

type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*domain.AgentGroupProfile
	records  []domain.ChangeRecord // Append-only

	cfg       Config
	journal   *audit.Journal
	broadcast HaltBroadcaster
	logger    *zap.Logger

	now func() time.Time // Подменяется в тестах
}

// Option настраивает Registry при создании.
type Option func(*Registry)

// WithJournal подключает асинхронный журнал аудита.
func WithJournal(j *audit.Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithBroadcaster подключает рассылку аварийных сигналов.
func WithBroadcaster(b HaltBroadcaster) Option {
	return func(r *Registry) { r.broadcast = b }
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Registry {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	r := &Registry{
		profiles: make(map[string]*domain.AgentGroupProfile),
		cfg:      cfg,
		logger:   logger.Named("autonomy-registry"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetBroadcaster подключает рассылку после создания: HaltSignals сам
// требует готовый Registry, поэтому option на этапе New не годится.
func (r *Registry) SetBroadcaster(b HaltBroadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = b
}

// RegisterGroup явно регистрирует группу со стартовым уровнем по pillar.
// Неявное создание групп запрещено — метрики неизвестных групп дропаются.
func (r *Registry) RegisterGroup(group, pillar string) (*domain.AgentGroupProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[group]; exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrGroupExists, group)
	}

	tier, ok := r.cfg.DefaultTiers[pillar]
	if !ok {
		tier = domain.TierSupervised
	}

	now := r.now().UTC()
	p := &domain.AgentGroupProfile{
		Group:         group,
		Pillar:        pillar,
		Tier:          tier,
		Metrics:       make(map[string]float64),
		LastChangedBy: "registrar",
		LastChangedAt: now,
		CreatedAt:     now,
	}
	r.profiles[group] = p
	r.appendRecordLocked(p, tier, tier, domain.ChangeManual, "registrar", "group registered")

	r.logger.Info("group registered",
		zap.String("group", group),
		zap.String("pillar", pillar),
		zap.String("tier", tier.Label()),
	)
	return copyProfile(p), nil
}

// Profile возвращает снапшот профиля группы.
func (r *Registry) Profile(group string) (*domain.AgentGroupProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownGroup, group)
	}
	return copyProfile(p), nil
}

// Groups возвращает идентификаторы всех зарегистрированных групп.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.profiles))
	for g := range r.profiles {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// CheckPermission — грубая проверка допуска инструмента на текущем уровне.
// Аварийные состояния — немедленный запрет, независимо от уровня и бюджета.
func (r *Registry) CheckPermission(group, tool string, cost, txValue float64) (domain.PermissionResult, error) {
	r.mu.RLock()
	p, ok := r.profiles[group]
	if !ok {
		r.mu.RUnlock()
		return domain.PermissionResult{}, fmt.Errorf("%w: %s", domain.ErrUnknownGroup, group)
	}
	// Короткая критическая секция: копируем только нужное
	killed, paused := p.Killed, p.Paused
	tier := p.EffectiveTier()
	r.mu.RUnlock()

	if killed {
		return domain.PermissionResult{Reason: "kill-switch engaged, all actions denied"}, nil
	}
	if paused {
		return domain.PermissionResult{Reason: "group is emergency-paused"}, nil
	}

	switch tier {
	case domain.TierReadOnly:
		if r.isReadOnlyTool(tool) {
			return domain.PermissionResult{Allowed: true, Reason: "read-only tool permitted at tier 0"}, nil
		}
		return domain.PermissionResult{
			Reason: fmt.Sprintf("tier 0 permits read-only tools only, %q is not one", tool),
		}, nil

	case domain.TierSupervised:
		return domain.PermissionResult{
			Allowed:          true,
			RequiresApproval: true,
			Reason:           "tier 1: every action requires operator approval",
		}, nil

	case domain.TierBatched:
		if r.cfg.Tier2BatchCap > 0 && cost > r.cfg.Tier2BatchCap {
			return domain.PermissionResult{
				Allowed:           true,
				RequiresApproval:  true,
				Reason:            fmt.Sprintf("tier 2: cost %.2f above batch cap %.2f", cost, r.cfg.Tier2BatchCap),
				ApprovalThreshold: r.cfg.Tier2BatchCap,
			}, nil
		}
		return domain.PermissionResult{Allowed: true, Reason: "within tier 2 batch cap"}, nil

	case domain.TierRealtime:
		if r.cfg.Tier3ValueCap > 0 && txValue > r.cfg.Tier3ValueCap {
			return domain.PermissionResult{
				Allowed:           true,
				RequiresApproval:  true,
				Reason:            fmt.Sprintf("tier 3: transaction value %.2f above hard cap %.2f", txValue, r.cfg.Tier3ValueCap),
				ApprovalThreshold: r.cfg.Tier3ValueCap,
			}, nil
		}
		return domain.PermissionResult{Allowed: true, Reason: "within tier 3 hard cap"}, nil

	default:
		// Tier 4-5: локальных ограничений нет, потолок — бюджет Treasury
		return domain.PermissionResult{Allowed: true, Reason: "tier " + tier.Label() + ": treasury-bounded only"}, nil
	}
}

func (r *Registry) isReadOnlyTool(tool string) bool {
	for _, entry := range r.cfg.ReadOnlyTools {
		if prefix, ok := strings.CutSuffix(entry, "*"); ok {
			if strings.HasPrefix(tool, prefix) {
				return true
			}
		} else if tool == entry {
			return true
		}
	}
	return false
}

// UpdateMetrics вливает свежие показания в скользящий снапшот и кольцо
// истории. Метрики незарегистрированной группы дропаются с warning —
// группу неявно не создаем.
func (r *Registry) UpdateMetrics(group string, metrics map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[group]
	if !ok {
		r.logger.Warn("metrics dropped: group not registered", zap.String("group", group))
		return
	}

	for k, v := range metrics {
		p.Metrics[k] = v
	}

	sample := domain.MetricSample{At: r.now().UTC(), Values: make(map[string]float64, len(p.Metrics))}
	for k, v := range p.Metrics {
		sample.Values[k] = v
	}
	p.MetricHistory = append(p.MetricHistory, sample)
	if excess := len(p.MetricHistory) - r.cfg.HistoryLimit; excess > 0 {
		// Старые точки вытесняются за пределами фиксированного окна
		p.MetricHistory = append([]domain.MetricSample{}, p.MetricHistory[excess:]...)
	}
}

// SetKPIConditions обновляет пороги промоушена/демоушена группы.
func (r *Registry) SetKPIConditions(group string, promote, demote []domain.KPICondition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[group]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownGroup, group)
	}
	p.PromoteConditions = append([]domain.KPICondition{}, promote...)
	p.DemoteConditions = append([]domain.KPICondition{}, demote...)
	return nil
}

// GetAuditTrail возвращает срез журнала изменений.
// Пустой group — по всем; нулевые границы — без ограничения; limit <= 0 — все.
func (r *Registry) GetAuditTrail(group string, start, end time.Time, limit int) []domain.ChangeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ChangeRecord, 0)
	for _, rec := range r.records {
		if group != "" && rec.Group != group {
			continue
		}
		if !start.IsZero() && rec.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && rec.Timestamp.After(end) {
			continue
		}
		out = append(out, rec)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:] // Последние limit записей
	}
	return out
}

// appendRecordLocked добавляет неизменяемую запись аудита. Под r.mu.
func (r *Registry) appendRecordLocked(p *domain.AgentGroupProfile, from, to domain.AutonomyTier, kind domain.ChangeKind, actor, reason string) {
	rec := domain.ChangeRecord{
		ID:        uuid.New().String(),
		Group:     p.Group,
		Pillar:    p.Pillar,
		FromTier:  from,
		ToTier:    to,
		Kind:      kind,
		Actor:     actor,
		Reason:    reason,
		Metrics:   make(map[string]float64, len(p.Metrics)),
		Timestamp: r.now().UTC(),
	}
	for k, v := range p.Metrics {
		rec.Metrics[k] = v
	}
	r.records = append(r.records, rec)
	if r.journal != nil {
		r.journal.RecordChange(rec)
	}
}

func copyProfile(p *domain.AgentGroupProfile) *domain.AgentGroupProfile {
	cp := *p
	cp.Metrics = make(map[string]float64, len(p.Metrics))
	for k, v := range p.Metrics {
		cp.Metrics[k] = v
	}
	cp.MetricHistory = append([]domain.MetricSample{}, p.MetricHistory...)
	cp.PromoteConditions = append([]domain.KPICondition{}, p.PromoteConditions...)
	cp.DemoteConditions = append([]domain.KPICondition{}, p.DemoteConditions...)
	cp.PolicyRefs = append([]string{}, p.PolicyRefs...)
	return &cp
}
