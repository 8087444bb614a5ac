package registry

/*
Файл kpi.go — периодическая оценка KPI-порогов и автоматические переходы
уровней. Цикл независим от request-path проверок: работает по тикеру,
применяет не более одного перехода на группу за цикл и предпочитает
демоушен, если условия промоушена и демоушена истинны одновременно
(safety bias).
*/

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/domain"
)

// ShouldPromote — чистый предикат: промоушен требует истинности ВСЕХ
// настроенных условий. Без условий промоушен невозможен.
func ShouldPromote(p *domain.AgentGroupProfile) bool {
	if len(p.PromoteConditions) == 0 {
		return false
	}
	for _, c := range p.PromoteConditions {
		if !c.Holds(p.Metrics) {
			return false
		}
	}
	return true
}

// ShouldDemote — чистый предикат: демоушен срабатывает от ЛЮБОГО условия.
func ShouldDemote(p *domain.AgentGroupProfile) bool {
	for _, c := range p.DemoteConditions {
		if c.Holds(p.Metrics) {
			return true
		}
	}
	return false
}

// Evaluator — фоновый цикл оценки всех групп.
type Evaluator struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger
}

func NewEvaluator(r *Registry, interval time.Duration, logger *zap.Logger) *Evaluator {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Evaluator{
		registry: r,
		interval: interval,
		logger:   logger.Named("kpi-evaluator"),
	}
}

// Run крутит цикл до отмены контекста. Начатый проход дорабатывает
// текущую группу и выходит чисто — graceful cancellation.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("kpi evaluation loop started", zap.Duration("interval", e.interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("kpi evaluation loop stopping by context...")
			return
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle делает один проход по всем группам.
func (e *Evaluator) RunCycle(ctx context.Context) {
	for _, group := range e.registry.Groups() {
		if ctx.Err() != nil {
			return
		}
		e.evaluateGroup(group)
	}
}

func (e *Evaluator) evaluateGroup(group string) {
	p, err := e.registry.Profile(group)
	if err != nil {
		return
	}
	if p.Paused || p.Killed {
		return // Аварийные группы цикл не трогает
	}

	demote := ShouldDemote(p)
	promote := ShouldPromote(p)

	switch {
	case demote:
		// Safety bias: при одновременной истинности обоих — вниз
		reason := firstFiredCondition(p.DemoteConditions, p.Metrics)
		if err := e.registry.demoteOnDrift(group, reason); err != nil {
			e.logger.Warn("auto-demotion skipped", zap.String("group", group), zap.Error(err))
		}
	case promote:
		reason := "all promote conditions satisfied: " + describeConditions(p.PromoteConditions)
		if err := e.registry.Promote(group, "kpi-evaluator", reason); err != nil {
			e.logger.Warn("auto-promotion skipped", zap.String("group", group), zap.Error(err))
		}
	}
}

func firstFiredCondition(conds []domain.KPICondition, metrics map[string]float64) string {
	for _, c := range conds {
		if c.Holds(metrics) {
			if c.Description != "" {
				return "demote condition fired: " + c.Description
			}
			return fmt.Sprintf("demote condition fired: %s %s %.2f", c.Metric, c.Op, c.Threshold)
		}
	}
	return "demote condition fired"
}

func describeConditions(conds []domain.KPICondition) string {
	names := make([]string, 0, len(conds))
	for _, c := range conds {
		names = append(names, c.Metric)
	}
	return strings.Join(names, ", ")
}
