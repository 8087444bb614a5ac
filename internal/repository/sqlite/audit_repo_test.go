package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xela07ax/aml-control-plane/internal/audit"
	"github.com/xela07ax/aml-control-plane/internal/domain"
)

func TestAuditRepo_WriteBatchAndCount(t *testing.T) {
	repo, err := NewAuditRepo(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewAuditRepo: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	if err := repo.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	now := time.Now().UTC()
	entries := []audit.Entry{
		{
			Kind: audit.EntryTransaction,
			Transaction: &domain.Transaction{
				ID: "tx-1", AgentID: "agent-1", Group: "research", Amount: 42,
				Status: domain.TxExecuted, Requirement: domain.ApprovalNone,
				Approvers: []string{}, CreatedAt: now,
			},
			At: now,
		},
		{
			Kind: audit.EntryChangeRecord,
			Change: &domain.ChangeRecord{
				ID: "c-1", Group: "research", Pillar: "rnd",
				FromTier: domain.TierSupervised, ToTier: domain.TierBatched,
				Kind: domain.ChangePromotion, Actor: "alice", Timestamp: now,
			},
			At: now,
		},
	}
	if err := repo.WriteBatch(ctx, entries); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	n, err := repo.CountSince(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if n != 1 {
		t.Errorf("transaction rows: got %d, want 1", n)
	}

	// Повторная доставка той же ChangeRecord — не сбой (идемпотентность по PK)
	if err := repo.WriteBatch(ctx, entries[1:]); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	// Пустой батч — no-op
	if err := repo.WriteBatch(ctx, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestAuditRepo_BadPath(t *testing.T) {
	if _, err := NewAuditRepo(filepath.Join(t.TempDir(), "no", "such", "dir", "x.db")); err == nil {
		t.Fatal("expected error for unreachable path")
	}
}
