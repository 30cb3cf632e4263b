package store

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	return s
}

func TestSQLiteStore_CommitAndGetRoundTrip(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	in := CommitInput{
		ReceiptCID:  "b3:wf-1",
		ReceiptBody: []byte(`{"@type":"ubl/wf","decision":"Allow"}`),
		SubjectDID:  "did:ubl:anon:abc",
		KID:         "kid-1",
		Decision:    "Allow",
		WACID:       "b3:wa-1",
		TRCID:       "b3:tr-1",
		IdemKey:     "fp-1",
		OutboxEvents: []OutboxEvent{
			{EventType: "ubl/event", Payload: []byte(`{"@type":"ubl/event"}`)},
		},
	}
	if err := s.CommitWF(ctx, in); err != nil {
		t.Fatalf("CommitWF: %v", err)
	}

	body, err := s.GetReceipt(ctx, "b3:wf-1")
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if string(body) != string(in.ReceiptBody) {
		t.Errorf("expected stored body %s, got %s", in.ReceiptBody, body)
	}

	cid, found, err := s.LookupIdempotent(ctx, "fp-1")
	if err != nil || !found || cid != "b3:wf-1" {
		t.Errorf("expected idempotency lookup to find b3:wf-1, got %s found=%v err=%v", cid, found, err)
	}

	pending, err := s.OutboxPending(ctx)
	if err != nil || pending != 1 {
		t.Errorf("expected one pending outbox row, got %d err %v", pending, err)
	}
}

func TestSQLiteStore_CommitWF_DuplicateCIDIsNoop(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	in := CommitInput{ReceiptCID: "b3:dup", ReceiptBody: []byte(`{}`), Decision: "Allow"}
	if err := s.CommitWF(ctx, in); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := s.CommitWF(ctx, in); err != nil {
		t.Fatalf("duplicate commit should be a no-op, got: %v", err)
	}

	pending, err := s.OutboxPending(ctx)
	if err != nil || pending != 0 {
		t.Errorf("expected no outbox rows from either commit, got %d", pending)
	}
}

func TestSQLiteStore_GetReceipt_NotFound(t *testing.T) {
	s := openTestSQLite(t)
	_, err := s.GetReceipt(context.Background(), "b3:missing")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_FailAfterReceiptWriteRollsBackEverything(t *testing.T) {
	s := openTestSQLite(t)
	s.SetFailAfterReceiptWriteHook(true)
	ctx := context.Background()

	in := CommitInput{
		ReceiptCID:  "b3:partial",
		ReceiptBody: []byte(`{}`),
		Decision:    "Allow",
		WACID:       "b3:wa",
		TRCID:       "b3:tr",
		OutboxEvents: []OutboxEvent{
			{EventType: "ubl/event", Payload: []byte(`{}`)},
		},
	}
	if err := s.CommitWF(ctx, in); err == nil {
		t.Fatal("expected the fail_after_receipt_write hook to surface an error")
	}

	if _, err := s.GetReceipt(ctx, "b3:partial"); err != ErrNotFound {
		t.Errorf("expected no receipt row to survive rollback, got err %v", err)
	}
	pending, err := s.OutboxPending(ctx)
	if err != nil || pending != 0 {
		t.Errorf("expected no outbox row to survive rollback, got %d", pending)
	}
}

func TestSQLiteStore_PollOutbox_RespectsSchedule(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	in := CommitInput{
		ReceiptCID:  "b3:poll",
		ReceiptBody: []byte(`{}`),
		Decision:    "Allow",
		OutboxEvents: []OutboxEvent{
			{EventType: "ubl/event", Payload: []byte(`{"n":1}`)},
		},
	}
	if err := s.CommitWF(ctx, in); err != nil {
		t.Fatalf("CommitWF: %v", err)
	}

	rows, err := s.PollOutbox(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("PollOutbox: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 pending row, got %d", len(rows))
	}

	if err := s.MarkOutboxDelivered(ctx, rows[0].ID); err != nil {
		t.Fatalf("MarkOutboxDelivered: %v", err)
	}
	after, err := s.PollOutbox(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("PollOutbox after delivery: %v", err)
	}
	if len(after) != 0 {
		t.Errorf("expected delivered row to drop out of the pending poll, got %d rows", len(after))
	}
}
