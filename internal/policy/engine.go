package policy

/*
Файл engine.go реализует движок принятия решений (PDP) по упорядоченному
набору правил.

Алгоритм: включенные правила сортируются по приоритету по убыванию и
оцениваются по порядку. Первый DENY побеждает немедленно (fail-fast);
REQUIRE_APPROVAL накапливается (причины и роли аппруверов объединяются),
но оценка продолжается — поздний DENY все еще может перекрыть. Если ни
одно правило не сработало — дефолтный ALLOW.

Набор правил read-mostly: мутация (Add/Remove/SetEnabled) подменяет слайс
целиком (copy-on-write), поэтому конкурентная оценка никогда не видит
набор в полусобранном состоянии.
*/

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/domain"
)

// Source — внешний источник решений (например, удаленный policy-сервис).
// Может только ужесточить локальный исход, но не ослабить его.
type Source interface {
	Evaluate(ctx context.Context, req domain.ActionRequest) (domain.Decision, error)
}

type Engine struct {
	mu    sync.RWMutex
	rules []domain.PolicyRule // Отсортированы по Priority desc; copy-on-write

	remote Source // Опционально
	logger *zap.Logger
}

// Option настраивает Engine при создании.
type Option func(*Engine)

// WithRemoteSource подключает внешний источник решений поверх локального.
func WithRemoteSource(s Source) Option {
	return func(e *Engine) { e.remote = s }
}

func NewEngine(logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{logger: logger.Named("policy-engine")}
	for _, o := range opts {
		o(e)
	}
	return e
}

// AddPolicy регистрирует правило. Дубликат по имени замещает прежнее
// правило (last-write-wins по имени, не по приоритету).
func (e *Engine) AddPolicy(rule domain.PolicyRule) error {
	if !rule.Valid() {
		return fmt.Errorf("%w: rule %q kind %q", errInvalidRule, rule.Name, rule.Kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]domain.PolicyRule, 0, len(e.rules)+1)
	for _, r := range e.rules {
		if r.Name != rule.Name {
			next = append(next, r)
		}
	}
	next = append(next, rule)
	sort.SliceStable(next, func(i, j int) bool { return next[i].Priority > next[j].Priority })
	e.rules = next

	e.logger.Info("policy registered",
		zap.String("name", rule.Name),
		zap.String("kind", string(rule.Kind)),
		zap.Int("priority", rule.Priority),
	)
	return nil
}

// RemovePolicy удаляет правило по имени.
func (e *Engine) RemovePolicy(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make([]domain.PolicyRule, 0, len(e.rules))
	removed := false
	for _, r := range e.rules {
		if r.Name == name {
			removed = true
			continue
		}
		next = append(next, r)
	}
	if removed {
		e.rules = next
		e.logger.Info("policy removed", zap.String("name", name))
	}
	return removed
}

// SetEnabled переключает флаг правила. Содержимое правила движок
// не мутирует никогда.
func (e *Engine) SetEnabled(name string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := append([]domain.PolicyRule{}, e.rules...)
	for i := range next {
		if next[i].Name == name {
			next[i].Enabled = enabled
			e.rules = next
			return true
		}
	}
	return false
}

// ListPolicies возвращает копию набора в порядке оценки.
func (e *Engine) ListPolicies() []domain.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]domain.PolicyRule{}, e.rules...)
}

// Evaluate принимает решение по действию. Decision — не ошибка:
// error возвращается только при отмене контекста.
func (e *Engine) Evaluate(ctx context.Context, req domain.ActionRequest) (domain.Decision, error) {
	if err := ctx.Err(); err != nil {
		return domain.Deny("evaluation cancelled"), err
	}

	e.mu.RLock()
	rules := e.rules // Слайс неизменяем после публикации
	e.mu.RUnlock()

	local := domain.Allow()
	for i := range rules {
		r := &rules[i]
		if !r.Enabled {
			continue
		}
		verdict := evaluateRule(r, &req)
		if verdict.Effect == domain.EffectDeny {
			// Fail-fast: дальше правила не смотрим
			verdict.MatchedRules = append(local.MatchedRules, verdict.MatchedRules...)
			return verdict, nil
		}
		local = local.Merge(verdict)
	}

	if e.remote == nil {
		return local, nil
	}
	return e.consultRemote(ctx, req, local), nil
}

// consultRemote накладывает внешний вердикт поверх локального.
// Сбой удаленного источника не может открыть доступ: ALLOW деградирует
// до REQUIRE_APPROVAL (fail-closed).
func (e *Engine) consultRemote(ctx context.Context, req domain.ActionRequest, local domain.Decision) domain.Decision {
	remote, err := e.remote.Evaluate(ctx, req)
	if err != nil {
		e.logger.Warn("remote policy source unavailable", zap.Error(err))
		return local.Merge(domain.Decision{
			Effect:  domain.EffectRequireApproval,
			Reasons: []string{"remote policy source unavailable, manual review required"},
		})
	}
	return local.Merge(remote)
}
