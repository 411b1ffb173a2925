package auth

import (
	"context"
	"net/http"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс, который реализуют и шлюз, и консоль.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// Типизированные ключи контекста (избегаем коллизий).
type ctxKey string

const (
	ctxKeyActor  ctxKey = "actor_id"
	ctxKeyTenant ctxKey = "tenant_scope"
	ctxKeyRole   ctxKey = "actor_role"
)

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем верифицированного актора и скоуп арендатора в контекст
			ctx := context.WithValue(r.Context(), ctxKeyActor, claims.UserID)
			ctx = context.WithValue(ctx, ctxKeyTenant, domain.NewTenantScope(claims.TenantID))
			ctx = context.WithValue(ctx, ctxKeyRole, claims.Role)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext достает ID верифицированного актора.
func ActorFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyActor).(string); ok {
		return id
	}
	return ""
}

// ScopeFromContext достает скоуп арендатора, положенный middleware'ом.
func ScopeFromContext(ctx context.Context) (domain.TenantScope, bool) {
	scope, ok := ctx.Value(ctxKeyTenant).(domain.TenantScope)
	return scope, ok
}

// RoleFromContext достает роль актора.
func RoleFromContext(ctx context.Context) string {
	if role, ok := ctx.Value(ctxKeyRole).(string); ok {
		return role
	}
	return ""
}
