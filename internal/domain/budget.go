package domain

import "time"

// SpendingLimit задает денежные пороги группы.
// Нулевое значение любого поля означает "ограничение не задано".
type SpendingLimit struct {
	DailyCap          float64 `json:"daily_cap"`           // Потолок исполненных трат за скользящие 24ч
	MonthlyCap        float64 `json:"monthly_cap"`         // Потолок за скользящие 30 дней
	PerTransactionCap float64 `json:"per_transaction_cap"` // Максимум на одну транзакцию
	ApprovalThreshold float64 `json:"approval_threshold"`  // Выше — нужен один аппрувер (SINGLE)
	MultisigThreshold float64 `json:"multisig_threshold"`  // Выше — минимум два аппрувера (MULTISIG)
	BoardThreshold    float64 `json:"board_threshold"`     // Выше — полный состав борда (BOARD)
}

// Budget — бюджет одной группы (pillar). Мутируется только Treasury.
// Инвариант после каждой мутации: Available() == Total - Spent - Reserved >= 0.
type Budget struct {
	Group     string        `json:"group"`
	Pillar    string        `json:"pillar"`
	Total     float64       `json:"total"`
	Spent     float64       `json:"spent"`    // Исполненные траты (накопительно)
	Reserved  float64       `json:"reserved"` // Заморожено под PENDING транзакции
	Limit     SpendingLimit `json:"limit"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Available возвращает свободный остаток бюджета.
func (b *Budget) Available() float64 {
	return b.Total - b.Spent - b.Reserved
}

// ApprovalRequirement — требование к подтверждению транзакции.
type ApprovalRequirement string

const (
	ApprovalNone     ApprovalRequirement = "NONE"     // Авто-исполнение
	ApprovalSingle   ApprovalRequirement = "SINGLE"   // Один оператор
	ApprovalMultisig ApprovalRequirement = "MULTISIG" // Минимум два оператора
	ApprovalBoard    ApprovalRequirement = "BOARD"    // Полный состав борда
)

// Статусы State Machine транзакции
type TxStatus string

const (
	TxPending  TxStatus = "PENDING"
	TxApproved TxStatus = "APPROVED"
	TxRejected TxStatus = "REJECTED" // Терминальный
	TxExecuted TxStatus = "EXECUTED" // Терминальный
	TxFailed   TxStatus = "FAILED"   // Терминальный
)

// IsTerminal сообщает, достигла ли транзакция конечного состояния.
// Терминальные записи неизменяемы — это основа append-only аудита.
func (s TxStatus) IsTerminal() bool {
	return s == TxRejected || s == TxExecuted || s == TxFailed
}

// Transaction — денежная заявка агента. Создается спенд-запросом,
// мутируется approve/reject/execute, никогда не удаляется.
type Transaction struct {
	ID          string              `json:"id"` // UUID
	AgentID     string              `json:"agent_id"`
	Group       string              `json:"group"`
	Amount      float64             `json:"amount"`
	Description string              `json:"description"`
	Status      TxStatus            `json:"status"`
	Requirement ApprovalRequirement `json:"requirement"`
	Approvers   []string            `json:"approvers"`          // Кто подтвердил
	Metadata    map[string]string   `json:"metadata,omitempty"` // Например, причина отказа
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	ExecutedAt  *time.Time          `json:"executed_at,omitempty"`
}

// HasApprover проверяет, не подтверждал ли этот оператор ранее.
// Подписи должны быть от разных людей — дубликаты не считаются.
func (t *Transaction) HasApprover(approver string) bool {
	for _, a := range t.Approvers {
		if a == approver {
			return true
		}
	}
	return false
}

// BudgetSnapshot — read-only проекция бюджета для BudgetSummary.
type BudgetSnapshot struct {
	Group     string  `json:"group"`
	Pillar    string  `json:"pillar"`
	Total     float64 `json:"total"`
	Spent     float64 `json:"spent"`
	Reserved  float64 `json:"reserved"`
	Available float64 `json:"available"`
	DailyUsed float64 `json:"daily_used"`
}
