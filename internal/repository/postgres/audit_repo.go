package postgres

/*
Файл audit_repo.go — PostgreSQL-бэкенд журнала аудита.

Схема append-only: каждая запись журнала становится отдельной строкой в
transaction_log или change_records. UPDATE по терминальным записям
запрещен самой схемой доступа — репозиторий умеет только INSERT и SELECT.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/aml-control-plane/internal/audit"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

// NewAuditRepo подключается к PostgreSQL. Соединение проверяется
// в main через Ping.
func NewAuditRepo(ctx context.Context, connString string, maxConns, minConns int32) (*AuditRepo, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}
	return &AuditRepo{pool: pool}, nil
}

// Ping проверяет доступность базы при старте.
func (r *AuditRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *AuditRepo) Close() {
	r.pool.Close()
}

// WriteBatch реализует audit.Sink: пакетная вставка записей журнала.
func (r *AuditRepo) WriteBatch(ctx context.Context, entries []audit.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	// Динамически строим два bulk insert: транзакции и смены уровней
	txQuery := `INSERT INTO transaction_log
		(tx_id, agent_id, group_id, amount, description, status, requirement, approvers, metadata, created_at, recorded_at)
		VALUES `
	crQuery := `INSERT INTO change_records
		(id, group_id, pillar, from_tier, to_tier, kind, actor, reason, metrics, recorded_at)
		VALUES `

	var txVals, crVals []interface{}
	txPlaceholders, crPlaceholders := "", ""

	for _, e := range entries {
		switch e.Kind {
		case audit.EntryTransaction:
			tx := e.Transaction
			p := len(txVals)
			txPlaceholders += fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d),",
				p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11)
			approvers, _ := json.Marshal(tx.Approvers)
			metadata, _ := json.Marshal(tx.Metadata)
			txVals = append(txVals,
				tx.ID, tx.AgentID, tx.Group, tx.Amount, tx.Description,
				string(tx.Status), string(tx.Requirement), approvers, metadata,
				tx.CreatedAt, e.At,
			)
		case audit.EntryChangeRecord:
			rec := e.Change
			p := len(crVals)
			crPlaceholders += fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d),",
				p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10)
			metrics, _ := json.Marshal(rec.Metrics)
			crVals = append(crVals,
				rec.ID, rec.Group, rec.Pillar, int(rec.FromTier), int(rec.ToTier),
				string(rec.Kind), rec.Actor, rec.Reason, metrics, rec.Timestamp,
			)
		}
	}

	if len(txVals) > 0 {
		q := txQuery + trimComma(txPlaceholders)
		if _, err := r.pool.Exec(ctx, q, txVals...); err != nil {
			return fmt.Errorf("postgres: transaction_log insert failed: %w", err)
		}
	}
	if len(crVals) > 0 {
		q := crQuery + trimComma(crPlaceholders)
		if _, err := r.pool.Exec(ctx, q, crVals...); err != nil {
			return fmt.Errorf("postgres: change_records insert failed: %w", err)
		}
	}
	return nil
}

func trimComma(s string) string {
	if len(s) > 0 && s[len(s)-1] == ',' {
		return s[:len(s)-1]
	}
	return s
}

// CountSince возвращает число записей журнала транзакций позже отметки
// (для смоук-проверок оператора).
func (r *AuditRepo) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM transaction_log WHERE recorded_at > $1`, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count failed: %w", err)
	}
	return n, nil
}
