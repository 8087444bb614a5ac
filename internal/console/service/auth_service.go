package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/aml-control-plane/internal/domain"
	"github.com/xela07ax/aml-control-plane/internal/infra"
	"github.com/xela07ax/aml-control-plane/internal/infra/auth"
)

// AuthService аутентифицирует операторов консоли и выпускает RS256 токены.
// Источник правды по учеткам — конфигурация (bcrypt-хэши паролей).
// Встроенный BaseValidator закрывает и проверку входящих токенов.
type AuthService struct {
	*auth.BaseValidator

	operators  map[string]infra.OperatorCreds
	privateKey *rsa.PrivateKey
	tokenTTL   time.Duration
}

func NewAuthService(cfg infra.AuthConfig, privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey) *AuthService {
	ops := make(map[string]infra.OperatorCreds, len(cfg.Operators))
	for _, op := range cfg.Operators {
		ops[op.Login] = op
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &AuthService{
		BaseValidator: auth.NewBaseValidator(publicKey),
		operators:     ops,
		privateKey:    privateKey,
		tokenTTL:      ttl,
	}
}

func (s *AuthService) GenerateToken(_ context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация
	op, ok := s.operators[username]
	if !ok {
		return nil, errors.New("invalid credentials")
	}

	// 2. Проверка пароля (bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return nil, errors.New("invalid credentials")
	}

	// 3. Формирование Claims (роли берем из учетки)
	expiresAt := time.Now().Add(s.tokenTTL)
	claims := &domain.CustomClaims{
		OperatorID: op.Login,
		Roles:      op.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "amlcp-console",
			Subject:   op.Login,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	// 4. Подпись токена ЗАКРЫТЫМ КЛЮЧОМ (RS256)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signedToken, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signedToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}
