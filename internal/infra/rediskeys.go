package infra

const (
	// RedisNamespace — базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "amlcp"
)

// Ключи для Sets (состояние)
const (
	RedisKeyHaltedGroups     = RedisNamespace + ":groups:halted_set"
	RedisKeyLockWarmupHalted = RedisNamespace + ":lock:warmup:halted"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanHaltSignal транслирует emergency-pause / kill-switch решения
	RedisChanHaltSignal = RedisNamespace + ":groups:halt-signal"
	// RedisChanApprovalDecisions — канал для трансляции решений оператора (HITL)
	RedisChanApprovalDecisions = RedisNamespace + ":approvals"
)
