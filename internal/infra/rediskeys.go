package infra

import "fmt"

const (
	// RedisNamespace — базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "spendgate"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanPolicyUpdate — инвалидация policy-кэша; payload = tenant_id.
	RedisChanPolicyUpdate = RedisNamespace + ":policy:update"
	// RedisChanViolations — fire-and-forget сигналы о нарушениях и hard-cap.
	RedisChanViolations = RedisNamespace + ":violations"
)

// Ключи распределенных блокировок (SetNX), чтобы sweep гонял один инстанс.
const (
	RedisKeyLockReconcileSweep = RedisNamespace + ":lock:sweep:reconcile"
	RedisKeyLockApprovalSweep  = RedisNamespace + ":lock:sweep:approvals"
)

// GetSweepLockKey — генератор ключей для динамических блокировок.
func GetSweepLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:sweep:%s", RedisNamespace, resource)
}
