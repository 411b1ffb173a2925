package handler

import (
	"encoding/json"
	"net/http"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/infra/auth"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusForError переводит доменную таксономию ошибок в HTTP-статусы.
func statusForError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindBindingMismatch:
		return http.StatusForbidden
	case domain.KindTokenUnusable:
		return http.StatusGone
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// requestScope достает скоуп арендатора, положенный auth middleware'ом.
func requestScope(w http.ResponseWriter, r *http.Request) (domain.TenantScope, bool) {
	scope, ok := auth.ScopeFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return domain.TenantScope{}, false
	}
	return scope, true
}
