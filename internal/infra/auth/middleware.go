package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/aml-control-plane/internal/domain"
	"go.uber.org/zap"
)

// Ключи контекста для данных авторизованного оператора
const (
	CtxOperatorID = "operator_id"
	CtxRoles      = "operator_roles"
)

// TokenValidator — интерфейс проверки токена консоли
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

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

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), CtxOperatorID, claims.OperatorID)
			ctx = context.WithValue(ctx, CtxRoles, claims.Roles)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorFromContext достает логин оператора, положенный middleware.
func OperatorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(CtxOperatorID).(string)
	return id
}
