package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestPostgresStore_GetReceipt_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE UNIQUE INDEX")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX")).WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewPostgresStore(db)
	assert.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM receipts WHERE receipt_cid = $1")).
		WithArgs("b3:deadbeef").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(`{"receipt_cid":"b3:deadbeef"}`))

	body, err := s.GetReceipt(context.Background(), "b3:deadbeef")
	assert.NoError(t, err)
	assert.JSONEq(t, `{"receipt_cid":"b3:deadbeef"}`, string(body))
}

func TestPostgresStore_GetReceipt_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	for i := 0; i < 5; i++ {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := NewPostgresStore(db)
	assert.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM receipts WHERE receipt_cid = $1")).
		WithArgs("b3:missing").
		WillReturnError(sql.ErrNoRows)

	_, err = s.GetReceipt(context.Background(), "b3:missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_CommitWF_InsertsAllRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	for i := 0; i < 5; i++ {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := NewPostgresStore(db)
	assert.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM receipts WHERE receipt_cid = $1")).
		WithArgs("b3:wf1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO receipts")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO chain")).
		WithArgs("b3:wf1", "b3:wa1", "b3:tr1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = s.CommitWF(context.Background(), CommitInput{
		ReceiptCID:  "b3:wf1",
		ReceiptBody: []byte(`{"@type":"ubl/wf"}`),
		SubjectDID:  "did:ubl:anon:abc",
		Decision:    "Allow",
		WACID:       "b3:wa1",
		TRCID:       "b3:tr1",
		OutboxEvents: []OutboxEvent{
			{EventType: "ubl/event", Payload: []byte(`{"@type":"ubl/event"}`)},
		},
	})
	assert.NoError(t, err)
}

func TestPostgresStore_CommitWF_DuplicateCIDIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	for i := 0; i < 5; i++ {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := NewPostgresStore(db)
	assert.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM receipts WHERE receipt_cid = $1")).
		WithArgs("b3:wf1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectCommit()

	err = s.CommitWF(context.Background(), CommitInput{ReceiptCID: "b3:wf1"})
	assert.NoError(t, err)
}

func TestPostgresStore_CommitWF_FailAfterReceiptWriteRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	for i := 0; i < 5; i++ {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := NewPostgresStore(db)
	assert.NoError(t, err)
	s.SetFailAfterReceiptWriteHook(true)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM receipts WHERE receipt_cid = $1")).
		WithArgs("b3:wf2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO receipts")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	err = s.CommitWF(context.Background(), CommitInput{ReceiptCID: "b3:wf2", WACID: "b3:wa2", TRCID: "b3:tr2"})
	assert.Error(t, err)
}

func TestPostgresStore_OutboxPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	for i := 0; i < 5; i++ {
		mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := NewPostgresStore(db)
	assert.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM outbox WHERE state = 'pending'")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.OutboxPending(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}
