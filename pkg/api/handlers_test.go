package api_test

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/ubl-gate/gate/pkg/api"
	"github.com/ubl-gate/gate/pkg/authorship"
	"github.com/ubl-gate/gate/pkg/blobstore"
	"github.com/ubl-gate/gate/pkg/eventhub"
	"github.com/ubl-gate/gate/pkg/knock"
	"github.com/ubl-gate/gate/pkg/pipeline"
	"github.com/ubl-gate/gate/pkg/policy"
	"github.com/ubl-gate/gate/pkg/ratelimit"
	"github.com/ubl-gate/gate/pkg/stagechain"
	"github.com/ubl-gate/gate/pkg/store"
)

func newTestServer(t *testing.T) *api.Server {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st, err := store.NewSQLiteStore(db)
	if err != nil {
		t.Fatal(err)
	}
	ev, err := policy.NewEvaluator(policy.Table{})
	if err != nil {
		t.Fatal(err)
	}
	hub := eventhub.New(eventhub.NewMemoryEventStore())
	orch, err := pipeline.New(pipeline.Config{
		KnockConfig: knock.DefaultConfig(),
		Chain:       stagechain.New([]byte("test-secret-at-least-32-bytes-long!!")),
		Policy:      ev,
		RateLimiter: ratelimit.New(false, nil),
		Store:       st,
		Blobs:       blobstore.NewMemoryStore(),
		Events:      hub,
		RuntimeTag:  "test-runtime",
	})
	if err != nil {
		t.Fatal(err)
	}
	return &api.Server{Pipeline: orch, Store: st, Events: hub}
}

func TestHandleSubmit_ValidChipReturns201(t *testing.T) {
	s := newTestServer(t)
	body := `{"@type":"ubl/document","@id":"doc-1","@ver":"1.0","@world":"a/demo/t/main"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chips", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.HandleSubmit(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleSubmit_MalformedChipReturns422(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chips", strings.NewReader("not json"))
	w := httptest.NewRecorder()

	s.HandleSubmit(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}

func TestHandleSubmit_NoLocationHeaderWhenReceiptOriginUnset(t *testing.T) {
	s := newTestServer(t)
	body := `{"@type":"ubl/document","@id":"doc-2","@ver":"1.0","@world":"a/demo/t/main"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chips", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.HandleSubmit(w, req)

	if loc := w.Header().Get("Location"); loc != "" {
		t.Fatalf("expected no Location header, got %q", loc)
	}
}

func TestHandleSubmit_SetsLocationHeaderWhenConfigured(t *testing.T) {
	s := newTestServer(t)
	s.ReceiptOrigin = "https://gate.example"
	s.ReceiptPath = "/v1/receipts"
	body := `{"@type":"ubl/document","@id":"doc-3","@ver":"1.0","@world":"a/demo/t/main"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chips", strings.NewReader(body))
	w := httptest.NewRecorder()

	s.HandleSubmit(w, req)

	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://gate.example/v1/receipts/") {
		t.Fatalf("expected Location to point at the receipt URL, got %q", loc)
	}
}

func TestHandleSubmit_WrongMethodReturns405(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/chips", nil)
	w := httptest.NewRecorder()

	s.HandleSubmit(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestHandleGetReceipt_RoundTripsCommittedReceipt(t *testing.T) {
	s := newTestServer(t)
	body := `{"@type":"ubl/document","@id":"doc-1","@ver":"1.0","@world":"a/demo/t/main"}`
	submitReq := httptest.NewRequest(http.MethodPost, "/v1/chips", strings.NewReader(body))
	submitW := httptest.NewRecorder()
	s.HandleSubmit(submitW, submitReq)
	if submitW.Code != http.StatusCreated {
		t.Fatalf("setup: expected 201, got %d", submitW.Code)
	}

	out, err := pipelineOutcomeFrom(s, body)
	if err != nil {
		t.Fatal(err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/receipts/"+out.ReceiptCID, nil)
	getW := httptest.NewRecorder()
	s.HandleGetReceipt(getW, getReq)

	if getW.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getW.Code, getW.Body.String())
	}
}

func TestHandleGetReceipt_UnknownCIDReturns404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/receipts/b3:nonexistent", nil)
	w := httptest.NewRecorder()

	s.HandleGetReceipt(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleListAdvisories_NoSignerReturnsEmptyArray(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/advisories/b3:passport", nil)
	w := httptest.NewRecorder()

	s.HandleListAdvisories(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty array body, got %s", w.Body.String())
	}
}

// pipelineOutcomeFrom replays the same body through the pipeline directly
// (idempotent fingerprint, so this is a replay, not a second commit) to
// recover the receipt cid the HTTP layer doesn't echo back in this test.
func pipelineOutcomeFrom(s *api.Server, body string) (*pipeline.Outcome, error) {
	return s.Pipeline.Process(newBackgroundRequest().Context(), []byte(body), authorship.ActorHint{})
}

func newBackgroundRequest() *http.Request {
	return httptest.NewRequest(http.MethodPost, "/v1/chips", nil)
}
