package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/aml-control-plane/internal/infra"
)

func newTestAuthService(t *testing.T) *AuthService {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	cfg := infra.AuthConfig{
		TokenTTL: time.Hour,
		Operators: []infra.OperatorCreds{
			{Login: "alice", PasswordHash: string(hash), Roles: []string{"finance", "operations"}},
		},
	}
	return NewAuthService(cfg, key, &key.PublicKey)
}

func TestGenerateToken_RoundTrip(t *testing.T) {
	s := newTestAuthService(t)

	resp, err := s.GenerateToken(context.Background(), "alice", "s3cret")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if resp.TokenType != "Bearer" || resp.AccessToken == "" {
		t.Fatalf("response: %+v", resp)
	}
	if resp.ExpiresIn <= 0 || resp.ExpiresIn > 3600 {
		t.Errorf("expires_in: %d", resp.ExpiresIn)
	}

	// Выпущенный токен проходит встроенный валидатор
	claims, err := s.VerifyToken("Bearer " + resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.OperatorID != "alice" {
		t.Errorf("operator: got %s", claims.OperatorID)
	}
	if !claims.HasRole("finance") || claims.HasRole("compliance") {
		t.Errorf("roles: %v", claims.Roles)
	}
	if claims.Issuer != "amlcp-console" {
		t.Errorf("issuer: %s", claims.Issuer)
	}
}

func TestGenerateToken_InvalidCredentials(t *testing.T) {
	s := newTestAuthService(t)

	if _, err := s.GenerateToken(context.Background(), "alice", "wrong"); err == nil {
		t.Fatal("wrong password accepted")
	}
	if _, err := s.GenerateToken(context.Background(), "mallory", "s3cret"); err == nil {
		t.Fatal("unknown operator accepted")
	}
}

func TestVerifyToken_Garbage(t *testing.T) {
	s := newTestAuthService(t)
	if _, err := s.VerifyToken("Bearer not-a-token"); err == nil {
		t.Fatal("garbage token accepted")
	}
}
