package domain

import "errors"

// Закрытая таксономия ошибок контрол-плейна.
// Бизнес-исходы (DENY/REQUIRE_APPROVAL) ошибками не являются — см. Decision.
var (
	// Валидация: отклоняются синхронно, частично не применяются
	ErrUnknownGroup       = errors.New("unknown group")
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrGroupExists        = errors.New("group already registered")

	// Ресурсы: отказ с конкретным лимитом и текущим использованием
	ErrInsufficientBudget = errors.New("insufficient budget")
	ErrDailyLimitExceeded = errors.New("daily limit exceeded")
	ErrMonthlyLimitExceeded = errors.New("monthly limit exceeded")
	ErrPerTransactionCap  = errors.New("per-transaction cap exceeded")

	// Машина уровней автономии
	ErrTierCeiling = errors.New("already at maximum tier")
	ErrTierFloor   = errors.New("already at minimum tier")

	// Аварийные состояния: fail-closed, любой запрос — DENY
	ErrEmergencyHalted = errors.New("group is emergency-halted")
)
