package treasury

import (
	"fmt"
	"sort"
	"time"

	"github.com/xela07ax/aml-control-plane/internal/domain"
)

// Read-only проекции. Все возвращаемые значения — копии:
// внутреннее состояние наружу не утекает.

// DailySpend возвращает сумму исполненных транзакций группы за
// скользящие 24 часа. Выводится из лога транзакций.
func (t *Treasury) DailySpend(group string) (float64, error) {
	l := t.ledgerFor(group)
	if l == nil {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownGroup, group)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.executedSince(t.now().UTC().Add(-24 * time.Hour)), nil
}

// Budget возвращает снапшот бюджета одной группы.
func (t *Treasury) Budget(group string) (*domain.BudgetSnapshot, error) {
	l := t.ledgerFor(group)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownGroup, group)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := t.snapshotLocked(l)
	return &s, nil
}

// BudgetSummary возвращает снапшоты всех бюджетов, отсортированные по группе.
func (t *Treasury) BudgetSummary() []domain.BudgetSnapshot {
	t.mu.RLock()
	ledgers := make([]*ledger, 0, len(t.groups))
	for _, l := range t.groups {
		ledgers = append(ledgers, l)
	}
	t.mu.RUnlock()

	out := make([]domain.BudgetSnapshot, 0, len(ledgers))
	for _, l := range ledgers {
		l.mu.Lock()
		out = append(out, t.snapshotLocked(l))
		l.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Group < out[j].Group })
	return out
}

func (t *Treasury) snapshotLocked(l *ledger) domain.BudgetSnapshot {
	return domain.BudgetSnapshot{
		Group:     l.budget.Group,
		Pillar:    l.budget.Pillar,
		Total:     l.budget.Total,
		Spent:     l.budget.Spent,
		Reserved:  l.budget.Reserved,
		Available: l.budget.Available(),
		DailyUsed: l.executedSince(t.now().UTC().Add(-24 * time.Hour)),
	}
}

// GetTransaction возвращает копию транзакции по id.
func (t *Treasury) GetTransaction(id string) (*domain.Transaction, error) {
	l, _ := t.lookup(id)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTransaction, id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyTx(l.txs[id]), nil
}

// PendingApprovals — очередь заявок на подтверждение (Decision Queue).
// Пустой group означает "по всем группам".
func (t *Treasury) PendingApprovals(group string) []domain.Transaction {
	return t.filterTxs(group, func(tx *domain.Transaction) bool {
		return tx.Status == domain.TxPending
	})
}

// ExportTransactionLog выгружает историю транзакций за интервал
// для внешнего аудита. Нулевые границы означают "без ограничения".
func (t *Treasury) ExportTransactionLog(start, end time.Time) []domain.Transaction {
	return t.filterTxs("", func(tx *domain.Transaction) bool {
		if !start.IsZero() && tx.CreatedAt.Before(start) {
			return false
		}
		if !end.IsZero() && tx.CreatedAt.After(end) {
			return false
		}
		return true
	})
}

func (t *Treasury) filterTxs(group string, keep func(*domain.Transaction) bool) []domain.Transaction {
	t.mu.RLock()
	ledgers := make([]*ledger, 0, len(t.groups))
	for g, l := range t.groups {
		if group == "" || g == group {
			ledgers = append(ledgers, l)
		}
	}
	t.mu.RUnlock()

	out := make([]domain.Transaction, 0)
	for _, l := range ledgers {
		l.mu.Lock()
		for _, tx := range l.order {
			if keep(tx) {
				out = append(out, *copyTx(tx))
			}
		}
		l.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyTx(tx *domain.Transaction) *domain.Transaction {
	cp := *tx
	cp.Approvers = append([]string{}, tx.Approvers...)
	if tx.Metadata != nil {
		cp.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
