package treasury

/*
Файл treasury.go реализует казначейство контрол-плейна: бюджеты групп и
машину состояний денежных транзакций.

Дисциплина конкурентности — один эксклюзивный писатель на группу:
у каждого ledger свой мьютекс, верхнеуровневый RWMutex защищает только
мапу групп. Несвязанные группы (pillars) прогрессируют независимо.

Гарантия: транзакция не исполняет деньги, которые не были реально
зарезервированы. reserved и spent никогда не учитывают одну сумму дважды.
DailySpend выводится исключительно из лога транзакций — отдельного
счетчика, способного "уехать", нет.
*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/aml-control-plane/internal/audit"
	"github.com/xela07ax/aml-control-plane/internal/domain"
)

const defaultBoardSize = 3

// ledger — бюджет и лог транзакций одной группы под собственным мьютексом.
type ledger struct {
	mu     sync.Mutex
	budget domain.Budget
	txs    map[string]*domain.Transaction
	order  []*domain.Transaction // Порядок поступления (append-only)
}

// Treasury владеет бюджетами всех групп. Мутирует их только он.
type Treasury struct {
	mu      sync.RWMutex
	groups  map[string]*ledger
	txIndex map[string]string // tx id -> group

	journal   *audit.Journal // Опционально: асинхронная персистентность
	logger    *zap.Logger
	boardSize int

	now func() time.Time // Подменяется в тестах
}

// Option настраивает Treasury при создании.
type Option func(*Treasury)

// WithJournal подключает асинхронный журнал аудита.
func WithJournal(j *audit.Journal) Option {
	return func(t *Treasury) { t.journal = j }
}

// WithBoardSize задает число подписей для требования BOARD.
func WithBoardSize(n int) Option {
	return func(t *Treasury) {
		if n >= 2 {
			t.boardSize = n
		}
	}
}

func New(logger *zap.Logger, opts ...Option) *Treasury {
	t := &Treasury{
		groups:    make(map[string]*ledger),
		txIndex:   make(map[string]string),
		logger:    logger.Named("treasury"),
		boardSize: defaultBoardSize,
		now:       time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// CreateBudget создает бюджет группы. Вызывается один раз на старте
// из таблицы процентных аллокаций; повторная регистрация — ошибка.
func (t *Treasury) CreateBudget(group, pillar string, total float64, limit domain.SpendingLimit) error {
	if total < 0 {
		return fmt.Errorf("%w: total %.2f", domain.ErrInvalidAmount, total)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.groups[group]; exists {
		return fmt.Errorf("%w: %s", domain.ErrGroupExists, group)
	}

	now := t.now().UTC()
	t.groups[group] = &ledger{
		budget: domain.Budget{
			Group:     group,
			Pillar:    pillar,
			Total:     total,
			Limit:     limit,
			CreatedAt: now,
			UpdatedAt: now,
		},
		txs: make(map[string]*domain.Transaction),
	}
	t.logger.Info("budget created",
		zap.String("group", group),
		zap.Float64("total", total),
	)
	return nil
}

// RequestTransaction — спенд-запрос агента. Проверяет группу, остаток и
// скользящие капы, классифицирует требование к подтверждению. Суммы ниже
// порога аппрува исполняются сразу; остальные резервируются как PENDING.
func (t *Treasury) RequestTransaction(ctx context.Context, agentID, group string, amount float64, description string) (*domain.Transaction, error) {
	return t.Request(ctx, agentID, group, amount, description, domain.ApprovalNone)
}

// Request — то же, но с нижней границей требования: фасад форсирует
// PENDING, когда аппрув потребовал движок политик, даже если сумма ниже
// порогов казначейства.
func (t *Treasury) Request(ctx context.Context, agentID, group string, amount float64, description string, minReq domain.ApprovalRequirement) (*domain.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %.2f", domain.ErrInvalidAmount, amount)
	}

	l := t.ledgerFor(group)
	if l == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownGroup, group)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim := l.budget.Limit
	if lim.PerTransactionCap > 0 && amount > lim.PerTransactionCap {
		return nil, fmt.Errorf("%w: amount %.2f, cap %.2f",
			domain.ErrPerTransactionCap, amount, lim.PerTransactionCap)
	}

	if available := l.budget.Available(); amount > available {
		return nil, fmt.Errorf("%w: requested %.2f, available %.2f",
			domain.ErrInsufficientBudget, amount, available)
	}

	now := t.now().UTC()
	if lim.DailyCap > 0 {
		if used := l.executedSince(now.Add(-24 * time.Hour)); used+amount > lim.DailyCap {
			return nil, fmt.Errorf("%w: daily spend %.2f + %.2f exceeds cap %.2f",
				domain.ErrDailyLimitExceeded, used, amount, lim.DailyCap)
		}
	}
	if lim.MonthlyCap > 0 {
		if used := l.executedSince(now.Add(-30 * 24 * time.Hour)); used+amount > lim.MonthlyCap {
			return nil, fmt.Errorf("%w: monthly spend %.2f + %.2f exceeds cap %.2f",
				domain.ErrMonthlyLimitExceeded, used, amount, lim.MonthlyCap)
		}
	}

	tx := &domain.Transaction{
		ID:          uuid.New().String(),
		AgentID:     agentID,
		Group:       group,
		Amount:      amount,
		Description: description,
		Requirement: maxRequirement(t.classify(amount, lim), minReq),
		Approvers:   []string{},
		Metadata:    map[string]string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if tx.Requirement == domain.ApprovalNone {
		// Авто-аппрув: деньги уходят сразу в spent, минуя резерв
		tx.Status = domain.TxExecuted
		tx.ExecutedAt = &now
		l.budget.Spent += amount
	} else {
		tx.Status = domain.TxPending
		l.budget.Reserved += amount
	}
	l.budget.UpdatedAt = now

	l.txs[tx.ID] = tx
	l.order = append(l.order, tx)

	t.mu.Lock()
	t.txIndex[tx.ID] = group
	t.mu.Unlock()

	t.logger.Info("transaction requested",
		zap.String("tx_id", tx.ID),
		zap.String("group", group),
		zap.String("agent_id", agentID),
		zap.Float64("amount", amount),
		zap.String("status", string(tx.Status)),
		zap.String("requirement", string(tx.Requirement)),
	)
	t.journalTx(tx)

	cp := *tx
	return &cp, nil
}

// ApproveTransaction добавляет подпись оператора. Для SINGLE достаточно
// одной; MULTISIG/BOARD требуют нужного числа разных подписантов.
// Возвращает false, если транзакция не PENDING, неизвестна или этот
// оператор уже подписывал.
func (t *Treasury) ApproveTransaction(ctx context.Context, id, approver string) bool {
	if ctx.Err() != nil {
		return false
	}
	l, tx := t.lookup(id)
	if l == nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.Status != domain.TxPending || tx.HasApprover(approver) {
		return false
	}

	tx.Approvers = append(tx.Approvers, approver)
	tx.UpdatedAt = t.now().UTC()

	if len(tx.Approvers) >= t.requiredApprovals(tx.Requirement) {
		tx.Status = domain.TxApproved
		t.executeLocked(l, tx)
	}

	t.logger.Info("transaction approval",
		zap.String("tx_id", id),
		zap.String("approver", approver),
		zap.Int("signatures", len(tx.Approvers)),
		zap.String("status", string(tx.Status)),
	)
	t.journalTx(tx)
	return true
}

// RejectTransaction освобождает резерв и терминально закрывает заявку.
func (t *Treasury) RejectTransaction(ctx context.Context, id, reason string) bool {
	if ctx.Err() != nil {
		return false
	}
	l, tx := t.lookup(id)
	if l == nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.Status != domain.TxPending {
		return false
	}

	now := t.now().UTC()
	l.budget.Reserved -= tx.Amount
	l.budget.UpdatedAt = now
	tx.Status = domain.TxRejected
	tx.Metadata["rejection_reason"] = reason
	tx.UpdatedAt = now

	t.logger.Info("transaction rejected",
		zap.String("tx_id", id),
		zap.String("reason", reason),
	)
	t.journalTx(tx)
	return true
}

// MarkFailed фиксирует сбой исполнения нижележащего коллаборатора.
// Резерв освобождается, статус терминальный.
func (t *Treasury) MarkFailed(ctx context.Context, id, reason string) bool {
	if ctx.Err() != nil {
		return false
	}
	l, tx := t.lookup(id)
	if l == nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if tx.Status != domain.TxPending && tx.Status != domain.TxApproved {
		return false
	}

	now := t.now().UTC()
	l.budget.Reserved -= tx.Amount
	l.budget.UpdatedAt = now
	tx.Status = domain.TxFailed
	tx.Metadata["failure_reason"] = reason
	tx.UpdatedAt = now

	t.logger.Warn("transaction failed",
		zap.String("tx_id", id),
		zap.String("reason", reason),
	)
	t.journalTx(tx)
	return true
}

// executeLocked — идемпотентный перевод PENDING/APPROVED -> EXECUTED.
// Переносит сумму из reserved в spent ровно один раз.
// Вызывается строго под l.mu.
func (t *Treasury) executeLocked(l *ledger, tx *domain.Transaction) bool {
	if tx.Status != domain.TxPending && tx.Status != domain.TxApproved {
		return false
	}

	now := t.now().UTC()
	l.budget.Reserved -= tx.Amount
	l.budget.Spent += tx.Amount
	l.budget.UpdatedAt = now
	tx.Status = domain.TxExecuted
	tx.ExecutedAt = &now
	tx.UpdatedAt = now
	return true
}

// classify сравнивает сумму с порогами группы.
func (t *Treasury) classify(amount float64, lim domain.SpendingLimit) domain.ApprovalRequirement {
	switch {
	case lim.BoardThreshold > 0 && amount >= lim.BoardThreshold:
		return domain.ApprovalBoard
	case lim.MultisigThreshold > 0 && amount >= lim.MultisigThreshold:
		return domain.ApprovalMultisig
	case lim.ApprovalThreshold > 0 && amount >= lim.ApprovalThreshold:
		return domain.ApprovalSingle
	default:
		return domain.ApprovalNone
	}
}

// maxRequirement возвращает более строгое из двух требований.
func maxRequirement(a, b domain.ApprovalRequirement) domain.ApprovalRequirement {
	rank := map[domain.ApprovalRequirement]int{
		domain.ApprovalNone:     0,
		domain.ApprovalSingle:   1,
		domain.ApprovalMultisig: 2,
		domain.ApprovalBoard:    3,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func (t *Treasury) requiredApprovals(req domain.ApprovalRequirement) int {
	switch req {
	case domain.ApprovalSingle:
		return 1
	case domain.ApprovalMultisig:
		return 2
	case domain.ApprovalBoard:
		return t.boardSize
	default:
		return 0
	}
}

func (t *Treasury) ledgerFor(group string) *ledger {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.groups[group]
}

func (t *Treasury) lookup(id string) (*ledger, *domain.Transaction) {
	t.mu.RLock()
	group, ok := t.txIndex[id]
	if !ok {
		t.mu.RUnlock()
		return nil, nil
	}
	l := t.groups[group]
	t.mu.RUnlock()

	l.mu.Lock()
	tx := l.txs[id]
	l.mu.Unlock()
	if tx == nil {
		return nil, nil
	}
	return l, tx
}

func (t *Treasury) journalTx(tx *domain.Transaction) {
	if t.journal == nil {
		return
	}
	cp := *tx
	cp.Approvers = append([]string{}, tx.Approvers...)
	t.journal.RecordTransaction(cp)
}

// executedSince суммирует исполненные транзакции позже отметки времени.
// Вызывается под l.mu.
func (l *ledger) executedSince(since time.Time) float64 {
	var sum float64
	for _, tx := range l.order {
		if tx.Status == domain.TxExecuted && tx.ExecutedAt != nil && tx.ExecutedAt.After(since) {
			sum += tx.Amount
		}
	}
	return sum
}
