package registry

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/domain"
)

// Переходы машины уровней. Движение строго пошаговое: Promote/Demote
// меняют уровень ровно на единицу, перескоки невозможны.

// Promote поднимает группу на один уровень.
func (r *Registry) Promote(group, actor, reason string) error {
	return r.step(group, +1, domain.ChangePromotion, actor, reason)
}

// Demote опускает группу на один уровень и инкрементирует счетчик
// дрифт-инцидентов.
func (r *Registry) Demote(group, actor, reason string) error {
	return r.step(group, -1, domain.ChangeDemotion, actor, reason)
}

// demoteOnDrift — демоушен, инициированный KPI-циклом.
func (r *Registry) demoteOnDrift(group, reason string) error {
	return r.step(group, -1, domain.ChangeDriftResponse, "kpi-evaluator", reason)
}

func (r *Registry) step(group string, delta int, kind domain.ChangeKind, actor, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.profiles[group]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownGroup, group)
	}
	if p.Killed || p.Paused {
		return fmt.Errorf("%w: %s", domain.ErrEmergencyHalted, group)
	}

	from := p.Tier
	to := from + domain.AutonomyTier(delta)
	if to > domain.TierMax {
		return fmt.Errorf("%w: %s", domain.ErrTierCeiling, group)
	}
	if to < domain.TierReadOnly {
		return fmt.Errorf("%w: %s", domain.ErrTierFloor, group)
	}

	p.Tier = to
	if delta < 0 {
		p.DriftIncidents++
	}
	p.LastChangedBy = actor
	p.LastChangedAt = r.now().UTC()
	r.appendRecordLocked(p, from, to, kind, actor, reason)

	r.logger.Info("tier transition",
		zap.String("group", group),
		zap.String("from", from.Label()),
		zap.String("to", to.Label()),
		zap.String("kind", string(kind)),
		zap.String("actor", actor),
	)
	return nil
}

// EmergencyPause замораживает группу на текущем уровне: любые проверки
// допуска отвечают DENY до снятия паузы.
func (r *Registry) EmergencyPause(group, actor, reason string) error {
	return r.setHalt(group, actor, reason, func(p *domain.AgentGroupProfile) bool {
		if p.Paused {
			return false
		}
		p.Paused = true
		return true
	}, domain.ChangeEmergencyPause, true)
}

// Resume снимает аварийную паузу.
func (r *Registry) Resume(group, actor, reason string) error {
	return r.setHalt(group, actor, reason, func(p *domain.AgentGroupProfile) bool {
		if !p.Paused || p.Killed {
			return false
		}
		p.Paused = false
		return true
	}, domain.ChangeManual, false)
}

// KillSwitch — пауза плюс принудительный tier 0 для проверок допуска.
// Необратим без явного ClearKillSwitch (out-of-band решение оператора).
func (r *Registry) KillSwitch(group, actor, reason string) error {
	return r.setHalt(group, actor, reason, func(p *domain.AgentGroupProfile) bool {
		if p.Killed {
			return false
		}
		p.Killed = true
		p.Paused = true
		return true
	}, domain.ChangeKillSwitch, true)
}

// ClearKillSwitch — явное снятие kill-switch. Отдельная операция,
// намеренно не совмещенная с Resume.
func (r *Registry) ClearKillSwitch(group, actor, reason string) error {
	return r.setHalt(group, actor, reason, func(p *domain.AgentGroupProfile) bool {
		if !p.Killed {
			return false
		}
		p.Killed = false
		p.Paused = false
		return true
	}, domain.ChangeManual, false)
}

func (r *Registry) setHalt(group, actor, reason string, apply func(*domain.AgentGroupProfile) bool, kind domain.ChangeKind, halted bool) error {
	r.mu.Lock()
	p, ok := r.profiles[group]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUnknownGroup, group)
	}
	if !apply(p) {
		r.mu.Unlock()
		return nil // Уже в нужном состоянии
	}
	p.LastChangedBy = actor
	p.LastChangedAt = r.now().UTC()
	r.appendRecordLocked(p, p.Tier, p.Tier, kind, actor, reason)
	r.mu.Unlock()

	r.logger.Warn("emergency control applied",
		zap.String("group", group),
		zap.String("kind", string(kind)),
		zap.Bool("halted", halted),
		zap.String("actor", actor),
	)
	// Транслируем решение другим инстансам (вне лока)
	if r.broadcast != nil {
		r.broadcast.PublishHalt(group, halted)
	}
	return nil
}

// applyHaltSignal применяет сигнал, прилетевший по Redis от другого
// инстанса. Локальную запись аудита не дублируем — ее сделал источник.
func (r *Registry) applyHaltSignal(group string, halted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[group]
	if !ok {
		return
	}
	p.Paused = halted
}

// HaltedGroups возвращает группы в аварийном состоянии (для прогрева Redis).
func (r *Registry) HaltedGroups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for g, p := range r.profiles {
		if p.Paused || p.Killed {
			out = append(out, g)
		}
	}
	return out
}
