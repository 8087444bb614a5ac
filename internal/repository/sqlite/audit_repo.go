package sqlite

/*
Файл audit_repo.go — встроенный SQLite-бэкенд журнала аудита для
single-binary развертываний и локальной разработки. Та же append-only
дисциплина, что и у PostgreSQL-репозитория: только INSERT и SELECT.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Драйвер без cgo

	"github.com/xela07ax/aml-control-plane/internal/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS transaction_log (
	tx_id       TEXT NOT NULL,
	agent_id    TEXT NOT NULL,
	group_id    TEXT NOT NULL,
	amount      REAL NOT NULL,
	description TEXT,
	status      TEXT NOT NULL,
	requirement TEXT NOT NULL,
	approvers   TEXT,
	metadata    TEXT,
	created_at  TIMESTAMP NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_txlog_group ON transaction_log(group_id, recorded_at);

CREATE TABLE IF NOT EXISTS change_records (
	id          TEXT PRIMARY KEY,
	group_id    TEXT NOT NULL,
	pillar      TEXT NOT NULL,
	from_tier   INTEGER NOT NULL,
	to_tier     INTEGER NOT NULL,
	kind        TEXT NOT NULL,
	actor       TEXT NOT NULL,
	reason      TEXT,
	metrics     TEXT,
	recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_changes_group ON change_records(group_id, recorded_at);
`

type AuditRepo struct {
	db *sql.DB
}

// NewAuditRepo открывает (или создает) файл базы и накатывает схему.
func NewAuditRepo(path string) (*AuditRepo, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	// SQLite — однописательная база; пул больше одного соединения
	// приводит к SQLITE_BUSY под нагрузкой
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: schema bootstrap failed: %w", err)
	}
	return &AuditRepo{db: db}, nil
}

func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *AuditRepo) Close() error {
	return r.db.Close()
}

// WriteBatch реализует audit.Sink.
func (r *AuditRepo) WriteBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin failed: %w", err)
	}
	defer tx.Rollback()

	txStmt, err := tx.PrepareContext(ctx, `INSERT INTO transaction_log
		(tx_id, agent_id, group_id, amount, description, status, requirement, approvers, metadata, created_at, recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer txStmt.Close()

	crStmt, err := tx.PrepareContext(ctx, `INSERT INTO change_records
		(id, group_id, pillar, from_tier, to_tier, kind, actor, reason, metrics, recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer crStmt.Close()

	for _, e := range entries {
		switch e.Kind {
		case audit.EntryTransaction:
			t := e.Transaction
			approvers, _ := json.Marshal(t.Approvers)
			metadata, _ := json.Marshal(t.Metadata)
			if _, err := txStmt.ExecContext(ctx,
				t.ID, t.AgentID, t.Group, t.Amount, t.Description,
				string(t.Status), string(t.Requirement), string(approvers), string(metadata),
				t.CreatedAt, e.At,
			); err != nil {
				return fmt.Errorf("sqlite: transaction_log insert failed: %w", err)
			}
		case audit.EntryChangeRecord:
			c := e.Change
			metrics, _ := json.Marshal(c.Metrics)
			if _, err := crStmt.ExecContext(ctx,
				c.ID, c.Group, c.Pillar, int(c.FromTier), int(c.ToTier),
				string(c.Kind), c.Actor, c.Reason, string(metrics), c.Timestamp,
			); err != nil {
				// Повторная доставка той же записи — не сбой
				if strings.Contains(err.Error(), "UNIQUE constraint") {
					continue
				}
				return fmt.Errorf("sqlite: change_records insert failed: %w", err)
			}
		}
	}

	return tx.Commit()
}

// CountSince — число записей журнала транзакций позже отметки.
func (r *AuditRepo) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM transaction_log WHERE recorded_at > ?`, since).Scan(&n)
	return n, err
}
