package domain

import "errors"

// Ожидаемые исходы моделируются значениями с дискриминантом Kind,
// а не паниками: DENY, not-found и несовпадение binding — это валидные
// результаты работы шлюза, а не сбои.

type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindNotFound            ErrorKind = "not_found"
	KindReservationConflict ErrorKind = "reservation_conflict"
	KindBindingMismatch     ErrorKind = "approval_binding_mismatch"
	KindTokenUnusable       ErrorKind = "token_expired_or_consumed"
	KindConflict            ErrorKind = "conflict"
)

var (
	ErrNotFound = errors.New("entity not found")

	// ErrReservationConflict — конкурирующая резервация успела забрать остаток.
	// Никогда не отдается пользователю: вызывающий переходит к следующему
	// правилу каскада (fresh snapshot + повторная оценка).
	ErrReservationConflict = errors.New("reservation conflict: remaining funds changed concurrently")

	// ErrBindingMismatch — токен предъявлен против другого запроса (replay).
	// Отличается от ErrTokenExpired/ErrTokenConsumed по категории.
	ErrBindingMismatch = errors.New("approval token binding mismatch")

	ErrTokenExpired  = errors.New("approval token expired")
	ErrTokenConsumed = errors.New("approval token already consumed")
	ErrTokenUnknown  = errors.New("approval token unknown")

	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
	ErrSeparationOfDuty  = errors.New("reviewer must differ from requester")

	ErrActionNotCancelable = errors.New("action can be cancelled only while queued or running")
	ErrAttemptsExhausted   = errors.New("action attempts exhausted")
)

// KindOf классифицирует ошибку по таксономии для HTTP-слоя и метрик.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrReservationConflict):
		return KindReservationConflict
	case errors.Is(err, ErrBindingMismatch):
		return KindBindingMismatch
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenConsumed), errors.Is(err, ErrTokenUnknown):
		return KindTokenUnusable
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAlreadyProcessed),
		errors.Is(err, ErrSeparationOfDuty), errors.Is(err, ErrActionNotCancelable):
		return KindConflict
	default:
		return KindValidation
	}
}
