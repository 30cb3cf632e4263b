package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/ubl-gate/gate/pkg/authorship"
	"github.com/ubl-gate/gate/pkg/blobstore"
	"github.com/ubl-gate/gate/pkg/eventhub"
	"github.com/ubl-gate/gate/pkg/knock"
	"github.com/ubl-gate/gate/pkg/policy"
	"github.com/ubl-gate/gate/pkg/ratelimit"
	"github.com/ubl-gate/gate/pkg/stagechain"
	"github.com/ubl-gate/gate/pkg/store"
)

func newTestOrchestrator(t *testing.T, table policy.Table) (*Orchestrator, *eventhub.Hub) {
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
	ev, err := policy.NewEvaluator(table)
	if err != nil {
		t.Fatal(err)
	}
	hub := eventhub.New(eventhub.NewMemoryEventStore())

	orch, err := New(Config{
		KnockConfig: knock.DefaultConfig(),
		Chain:       stagechain.New([]byte("test-secret-at-least-32-bytes-long!!")),
		Policy:      ev,
		RateLimiter: ratelimit.New(true, ratelimit.NewMemoryStore(60)),
		Store:       st,
		Blobs:       blobstore.NewMemoryStore(),
		Events:      hub,
		RuntimeTag:  "test-runtime",
	})
	if err != nil {
		t.Fatal(err)
	}
	return orch, hub
}

func TestOrchestrator_HappyPathAllows(t *testing.T) {
	orch, _ := newTestOrchestrator(t, policy.Table{})
	body := []byte(`{"@type":"ubl/document","@id":"doc-1","@ver":"1.0","@world":"a/demo/t/main","title":"hi"}`)

	out, err := orch.Process(context.Background(), body, authorship.ActorHint{})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if out.Decision != "Allow" {
		t.Errorf("expected Allow, got %s", out.Decision)
	}
	if out.ReceiptCID == "" || out.Replay {
		t.Errorf("expected a fresh non-replay receipt, got %+v", out)
	}
}

func TestOrchestrator_RepeatedBodyReplays(t *testing.T) {
	orch, _ := newTestOrchestrator(t, policy.Table{})
	body := []byte(`{"@type":"ubl/document","@id":"doc-1","@ver":"1.0","@world":"a/demo/t/main","title":"hi"}`)

	first, err := orch.Process(context.Background(), body, authorship.ActorHint{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := orch.Process(context.Background(), body, authorship.ActorHint{})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replay {
		t.Fatal("expected the second identical request to replay")
	}
	if second.ReceiptCID != first.ReceiptCID {
		t.Fatalf("expected replay to return the same receipt cid, got %s vs %s", second.ReceiptCID, first.ReceiptCID)
	}
}

func TestOrchestrator_DenyShortCircuitsBeforeTR(t *testing.T) {
	table := policy.Table{Policies: []policy.PolicyDef{
		{ID: "block-evil", ChipType: "*", RuleBooks: []policy.RuleBook{
			{ID: "rb-1", Expression: `input["@type"].startsWith("evil/")`, OnTrue: policy.Deny},
		}},
	}}
	orch, _ := newTestOrchestrator(t, table)
	body := []byte(`{"@type":"evil/hack","@id":"x","@ver":"1.0","@world":"a/demo/t/main"}`)

	out, err := orch.Process(context.Background(), body, authorship.ActorHint{})
	if err != nil {
		t.Fatalf("a deny is a successful pipeline run with decision=Deny, not an error: %v", err)
	}
	if out.Decision != "Deny" {
		t.Fatalf("expected Deny, got %s", out.Decision)
	}
	if out.Receipt.TRCID != "" {
		t.Fatalf("expected no tr_cid when CHECK denies, got %s", out.Receipt.TRCID)
	}
}

func TestOrchestrator_InvalidKnockReturnsInvalidChip(t *testing.T) {
	orch, _ := newTestOrchestrator(t, policy.Table{})
	_, err := orch.Process(context.Background(), []byte(`not json`), authorship.ActorHint{})
	if err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
	perr, ok := err.(*Error)
	if !ok || perr.Code != CodeInvalidChip {
		t.Fatalf("expected CodeInvalidChip, got %v", err)
	}
}

func TestOrchestrator_PublishesWFEventOnCommit(t *testing.T) {
	orch, hub := newTestOrchestrator(t, policy.Table{})
	ch, unsubscribe := hub.Subscribe(eventhub.Filter{Stage: eventhub.StageWF})
	defer unsubscribe()

	body := []byte(`{"@type":"ubl/document","@id":"doc-1","@ver":"1.0","@world":"a/demo/t/main"}`)
	out, err := orch.Process(context.Background(), body, authorship.ActorHint{})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-ch:
		if e.Receipt.CID != out.ReceiptCID {
			t.Fatalf("expected published event to reference receipt %s, got %s", out.ReceiptCID, e.Receipt.CID)
		}
	default:
		t.Fatal("expected a WF event to have been published synchronously during commit")
	}
}

func TestOrchestrator_VerifyAuthChainOnCommittedReceipt(t *testing.T) {
	orch, _ := newTestOrchestrator(t, policy.Table{})
	body := []byte(`{"@type":"ubl/document","@id":"doc-1","@ver":"1.0","@world":"a/demo/t/main"}`)
	out, err := orch.Process(context.Background(), body, authorship.ActorHint{})
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := json.Marshal(out.Receipt)
	if len(raw) == 0 {
		t.Fatal("expected a non-empty serialized receipt")
	}

	chain := stagechain.New([]byte("test-secret-at-least-32-bytes-long!!"))
	ok, err := out.Receipt.VerifyAuthChain(chain)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected the committed receipt's stage chain to verify")
	}
}
