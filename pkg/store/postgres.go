package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the multi-instance durable store backend for
// deployments that front several gate processes with one database.
// Each store instance still owns its own transaction discipline; the
// gate makes no cross-instance consensus claim (§1 Non-goals).
type PostgresStore struct {
	db                    *sql.DB
	failAfterReceiptWrite bool
}

// NewPostgresStore wraps an existing *sql.DB (github.com/lib/pq driver)
// and ensures the schema exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) SetFailAfterReceiptWriteHook(on bool) {
	s.failAfterReceiptWrite = on
}

func (s *PostgresStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			receipt_cid TEXT PRIMARY KEY,
			body JSONB NOT NULL,
			did TEXT NOT NULL,
			kid TEXT NOT NULL,
			rt_hash TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			idem_key TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_idem_key ON receipts(idem_key) WHERE idem_key IS NOT NULL AND idem_key != ''`,
		`CREATE TABLE IF NOT EXISTS chain (
			id BIGSERIAL PRIMARY KEY,
			wf_cid TEXT NOT NULL REFERENCES receipts(receipt_cid),
			wa_cid TEXT NOT NULL,
			tr_cid TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(state, next_attempt_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("store(postgres): migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CommitWF(ctx context.Context, in CommitInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store(postgres): begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM receipts WHERE receipt_cid = $1`, in.ReceiptCID).Scan(&exists)
	if err == nil {
		return tx.Commit()
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("store(postgres): check existing: %w", err)
	}

	idemKey := sql.NullString{String: in.IdemKey, Valid: in.IdemKey != ""}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO receipts (receipt_cid, body, did, kid, rt_hash, decision, idem_key, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		in.ReceiptCID, string(in.ReceiptBody), in.SubjectDID, in.KID, in.RuntimeHash, in.Decision, idemKey, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store(postgres): insert receipt: %w", err)
	}

	if s.failAfterReceiptWrite {
		return fmt.Errorf("store(postgres): fail_after_receipt_write hook engaged")
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO chain (wf_cid, wa_cid, tr_cid) VALUES ($1, $2, $3)`, in.ReceiptCID, in.WACID, in.TRCID)
	if err != nil {
		return fmt.Errorf("store(postgres): insert chain edge: %w", err)
	}

	for _, ev := range in.OutboxEvents {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox (event_type, payload, attempts, next_attempt_at, state) VALUES ($1, $2, 0, $3, 'pending')`,
			ev.EventType, string(ev.Payload), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("store(postgres): insert outbox row: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) GetReceipt(ctx context.Context, cid string) (json.RawMessage, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM receipts WHERE receipt_cid = $1`, cid).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store(postgres): get receipt: %w", err)
	}
	return json.RawMessage(body), nil
}

func (s *PostgresStore) LookupIdempotent(ctx context.Context, idemKey string) (string, bool, error) {
	if idemKey == "" {
		return "", false, nil
	}
	var cid string
	err := s.db.QueryRowContext(ctx, `SELECT receipt_cid FROM receipts WHERE idem_key = $1`, idemKey).Scan(&cid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store(postgres): lookup idempotent: %w", err)
	}
	return cid, true, nil
}

func (s *PostgresStore) OutboxPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE state = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store(postgres): outbox pending: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) PollOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, payload, attempts, next_attempt_at, state FROM outbox WHERE state = 'pending' AND next_attempt_at <= $1 ORDER BY next_attempt_at ASC LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store(postgres): poll outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		var payload string
		if err := rows.Scan(&r.ID, &r.EventType, &payload, &r.Attempts, &r.NextAttemptAt, &r.State); err != nil {
			return nil, fmt.Errorf("store(postgres): scan outbox row: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkOutboxDelivered(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE outbox SET state = 'delivered' WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store(postgres): mark delivered: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkOutboxRetry(ctx context.Context, id int64, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, next_attempt_at = $1 WHERE id = $2`,
		nextAttemptAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("store(postgres): mark retry: %w", err)
	}
	return nil
}
