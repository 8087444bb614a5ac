package controlplane

/*
Файл facade.go — тонкий оркестрирующий слой контрол-плейна.

Порядок обработки спенд-запроса:
 1. Грубая проверка допуска в реестре автономии (аварийные состояния,
    уровень, локальные капы уровня).
 2. Тонкое решение движка политик (первый DENY побеждает).
 3. Если нужны деньги — транзакция в казначействе; требование аппрува
    политики форсирует PENDING даже ниже порогов казначейства.
 4. Подтверждение оператора переводит транзакцию в исполнение.

Fail-closed: любой сбой инфраструктуры трактуется как запрет.
Никаких скрытых глобальных синглтонов — все зависимости инжектятся.
*/

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/aml-control-plane/internal/domain"
	"github.com/xela07ax/aml-control-plane/internal/policy"
	"github.com/xela07ax/aml-control-plane/internal/registry"
	"github.com/xela07ax/aml-control-plane/internal/treasury"
)

type ControlPlane struct {
	treasury *treasury.Treasury
	engine   *policy.Engine
	registry *registry.Registry
	metrics  *Metrics
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func New(t *treasury.Treasury, e *policy.Engine, r *registry.Registry, m *Metrics, rps float64, burst int, logger *zap.Logger) *ControlPlane {
	if rps <= 0 {
		rps = 100
	}
	if burst <= 0 {
		burst = 20
	}
	return &ControlPlane{
		treasury: t,
		engine:   e,
		registry: r,
		metrics:  m,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		logger:   logger.Named("control-plane"),
	}
}

// AuthorizeResult — итог проверки действия: решение и, если были деньги,
// открытая (или сразу исполненная) транзакция.
type AuthorizeResult struct {
	Decision    domain.Decision     `json:"decision"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

// Authorize — главный вход контрол-плейна для бизнес-агентов.
// Ошибка возвращается только для валидационных и инфраструктурных сбоев;
// бизнес-исходы (DENY/REQUIRE_APPROVAL) живут в Decision.
func (cp *ControlPlane) Authorize(ctx context.Context, req domain.ActionRequest) (*AuthorizeResult, error) {
	start := time.Now()
	result := &AuthorizeResult{}

	defer func() {
		effect := string(result.Decision.Effect)
		cp.metrics.DecisionTotal.WithLabelValues(req.Group, effect).Inc()
		cp.metrics.AuthorizeDuration.WithLabelValues(req.Group, effect).Observe(time.Since(start).Seconds())
	}()

	if err := cp.limiter.Wait(ctx); err != nil {
		result.Decision = domain.Deny("rate limit exceeded")
		return result, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 1. Грубая проверка реестра (включая аварийные состояния)
	profile, err := cp.registry.Profile(req.Group)
	if err != nil {
		return nil, err // Валидация: неизвестная группа
	}
	req.Tier = int(profile.EffectiveTier())

	perm, err := cp.registry.CheckPermission(req.Group, req.Tool, req.Cost, req.TxValue)
	if err != nil {
		return nil, err
	}
	if !perm.Allowed {
		result.Decision = domain.Deny(perm.Reason)
		cp.audit(req, result)
		return result, nil
	}

	// 2. Тонкое решение движка политик
	decision, err := cp.engine.Evaluate(ctx, req)
	if err != nil {
		// Fail-closed: отмененная оценка — это запрет
		result.Decision = domain.Deny("policy evaluation aborted")
		return result, err
	}
	if perm.RequiresApproval {
		decision = decision.Merge(domain.Decision{
			Effect:  domain.EffectRequireApproval,
			Reasons: []string{perm.Reason},
		})
	}
	result.Decision = decision

	if decision.Effect == domain.EffectDeny {
		cp.audit(req, result)
		return result, nil
	}

	// 3. Деньги: открываем транзакцию в казначействе
	if req.TxValue > 0 {
		minReq := domain.ApprovalNone
		if decision.Effect == domain.EffectRequireApproval {
			minReq = domain.ApprovalSingle
		}
		tx, txErr := cp.treasury.Request(ctx, req.AgentID, req.Group, req.TxValue,
			fmt.Sprintf("tool %s", req.Tool), minReq)
		if txErr != nil {
			if isResourceErr(txErr) {
				// Ресурсный отказ — бизнес-исход с конкретным лимитом
				result.Decision = result.Decision.Merge(domain.Deny(txErr.Error()))
				cp.audit(req, result)
				return result, nil
			}
			return nil, txErr
		}
		result.Transaction = tx
		cp.metrics.TransactionTotal.WithLabelValues(req.Group, string(tx.Status)).Inc()
		if tx.Status == domain.TxPending && result.Decision.Effect == domain.EffectAllow {
			// Сумма выше порогов казначейства — аппрув нужен, даже если
			// политики молчат
			result.Decision = result.Decision.Merge(domain.Decision{
				Effect:  domain.EffectRequireApproval,
				Reasons: []string{fmt.Sprintf("treasury requires %s approval for %.2f", tx.Requirement, tx.Amount)},
			})
		}
	}

	cp.updateBudgetGauges(req.Group)
	cp.audit(req, result)
	return result, nil
}

// ApproveTransaction — решение оператора: подпись и, при достаточном
// числе подписей, исполнение.
func (cp *ControlPlane) ApproveTransaction(ctx context.Context, id, approver string) bool {
	ok := cp.treasury.ApproveTransaction(ctx, id, approver)
	if ok {
		if tx, err := cp.treasury.GetTransaction(id); err == nil {
			cp.metrics.TransactionTotal.WithLabelValues(tx.Group, string(tx.Status)).Inc()
			cp.updateBudgetGauges(tx.Group)
		}
	}
	return ok
}

// RejectTransaction — отказ оператора с причиной.
func (cp *ControlPlane) RejectTransaction(ctx context.Context, id, reason string) bool {
	ok := cp.treasury.RejectTransaction(ctx, id, reason)
	if ok {
		if tx, err := cp.treasury.GetTransaction(id); err == nil {
			cp.metrics.TransactionTotal.WithLabelValues(tx.Group, string(tx.Status)).Inc()
			cp.updateBudgetGauges(tx.Group)
		}
	}
	return ok
}

func (cp *ControlPlane) updateBudgetGauges(group string) {
	snap, err := cp.treasury.Budget(group)
	if err != nil {
		return
	}
	cp.metrics.BudgetAvailable.WithLabelValues(group).Set(snap.Available)
	cp.metrics.BudgetReserved.WithLabelValues(group).Set(snap.Reserved)
}

func (cp *ControlPlane) audit(req domain.ActionRequest, res *AuthorizeResult) {
	fields := []zap.Field{
		zap.String("agent_id", req.AgentID),
		zap.String("group", req.Group),
		zap.String("tool", req.Tool),
		zap.Float64("cost", req.Cost),
		zap.Float64("tx_value", req.TxValue),
		zap.String("effect", string(res.Decision.Effect)),
	}
	if res.Transaction != nil {
		fields = append(fields, zap.String("tx_id", res.Transaction.ID))
	}
	cp.logger.Info("authorize", fields...)
}

func isResourceErr(err error) bool {
	return errors.Is(err, domain.ErrInsufficientBudget) ||
		errors.Is(err, domain.ErrDailyLimitExceeded) ||
		errors.Is(err, domain.ErrMonthlyLimitExceeded) ||
		errors.Is(err, domain.ErrPerTransactionCap)
}
