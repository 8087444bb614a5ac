package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

type CustomClaims struct {
	OperatorID string   `json:"operator_id"`
	Roles      []string `json:"roles"` // finance, operations, compliance
	jwt.RegisteredClaims
}

// HasRole проверяет наличие роли у оператора.
func (c *CustomClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
