package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default single-instance durable store: one SQLite
// database file per gate process, transactions serializing writers.
type SQLiteStore struct {
	db *sql.DB

	// failAfterReceiptWrite is a test-only hook (§4.10's
	// fail_after_receipt_write) that aborts CommitWF after the receipt
	// row lands and before the chain/outbox rows do, to exercise the
	// transaction's rollback guarantee.
	failAfterReceiptWrite bool
}

// NewSQLiteStore opens (and migrates) a SQLite-backed store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetFailAfterReceiptWriteHook arms or disarms the rollback test hook.
func (s *SQLiteStore) SetFailAfterReceiptWriteHook(on bool) {
	s.failAfterReceiptWrite = on
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS receipts (
			receipt_cid TEXT PRIMARY KEY,
			body JSON NOT NULL,
			did TEXT NOT NULL,
			kid TEXT NOT NULL,
			rt_hash TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			idem_key TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_receipts_idem_key ON receipts(idem_key) WHERE idem_key IS NOT NULL AND idem_key != ''`,
		`CREATE TABLE IF NOT EXISTS chain (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			wf_cid TEXT NOT NULL,
			wa_cid TEXT NOT NULL,
			tr_cid TEXT NOT NULL,
			FOREIGN KEY(wf_cid) REFERENCES receipts(receipt_cid)
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_type TEXT NOT NULL,
			payload JSON NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME NOT NULL,
			state TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(state, next_attempt_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("store(sqlite): migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CommitWF(ctx context.Context, in CommitInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store(sqlite): begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM receipts WHERE receipt_cid = ?`, in.ReceiptCID).Scan(&exists); err == nil {
		// Receipt already committed under this CID; insert-if-absent, no-op.
		return tx.Commit()
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("store(sqlite): check existing: %w", err)
	}

	idemKey := sql.NullString{String: in.IdemKey, Valid: in.IdemKey != ""}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO receipts (receipt_cid, body, did, kid, rt_hash, decision, idem_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ReceiptCID, string(in.ReceiptBody), in.SubjectDID, in.KID, in.RuntimeHash, in.Decision, idemKey, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store(sqlite): insert receipt: %w", err)
	}

	if s.failAfterReceiptWrite {
		return fmt.Errorf("store(sqlite): fail_after_receipt_write hook engaged")
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO chain (wf_cid, wa_cid, tr_cid) VALUES (?, ?, ?)`, in.ReceiptCID, in.WACID, in.TRCID)
	if err != nil {
		return fmt.Errorf("store(sqlite): insert chain edge: %w", err)
	}

	for _, ev := range in.OutboxEvents {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox (event_type, payload, attempts, next_attempt_at, state) VALUES (?, ?, 0, ?, 'pending')`,
			ev.EventType, string(ev.Payload), time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("store(sqlite): insert outbox row: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetReceipt(ctx context.Context, cid string) (json.RawMessage, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM receipts WHERE receipt_cid = ?`, cid).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store(sqlite): get receipt: %w", err)
	}
	return json.RawMessage(body), nil
}

func (s *SQLiteStore) LookupIdempotent(ctx context.Context, idemKey string) (string, bool, error) {
	if idemKey == "" {
		return "", false, nil
	}
	var cid string
	err := s.db.QueryRowContext(ctx, `SELECT receipt_cid FROM receipts WHERE idem_key = ?`, idemKey).Scan(&cid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store(sqlite): lookup idempotent: %w", err)
	}
	return cid, true, nil
}

func (s *SQLiteStore) OutboxPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE state = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store(sqlite): outbox pending: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) PollOutbox(ctx context.Context, now time.Time, limit int) ([]OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, payload, attempts, next_attempt_at, state FROM outbox WHERE state = 'pending' AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store(sqlite): poll outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		var payload string
		var nextAttempt string
		if err := rows.Scan(&r.ID, &r.EventType, &payload, &r.Attempts, &nextAttempt, &r.State); err != nil {
			return nil, fmt.Errorf("store(sqlite): scan outbox row: %w", err)
		}
		r.Payload = json.RawMessage(payload)
		if t, err := time.Parse(time.RFC3339Nano, nextAttempt); err == nil {
			r.NextAttemptAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkOutboxDelivered(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET state = 'delivered' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store(sqlite): mark delivered: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkOutboxRetry(ctx context.Context, id int64, nextAttemptAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, next_attempt_at = ? WHERE id = ?`,
		nextAttemptAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("store(sqlite): mark retry: %w", err)
	}
	return nil
}
