// Package receipt implements the typed, stage-chained receipt that the
// gate emits for every stage of a pipeline run and persists as the
// terminal artifact of a write.
package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ubl-gate/gate/pkg/canon"
	"github.com/ubl-gate/gate/pkg/stagechain"
)

// StageExecution is the input to append_stage: everything about one
// stage's run needed to derive its auth token and fold it into the chain.
type StageExecution struct {
	Stage     stagechain.Stage `json:"stage"`
	InputCID  string           `json:"input_cid"`
	OutputCID string           `json:"output_cid"`
	Body      interface{}      `json:"body"`
}

// StageEntry is a StageExecution plus the auth token computed for it.
type StageEntry struct {
	Stage     stagechain.Stage `json:"stage"`
	InputCID  string           `json:"input_cid"`
	OutputCID string           `json:"output_cid"`
	Body      interface{}      `json:"body"`
	AuthToken string           `json:"auth_token"`
}

// Receipt is the unified, stage-chained artifact the gate builds across a
// pipeline run and persists once finalized at WF. ReceiptCID is left empty
// until Finalize computes it over the receipt with ReceiptCID zeroed, so
// the CID never depends on itself.
type Receipt struct {
	World      string       `json:"@world"`
	DID        string       `json:"did"`
	KID        string       `json:"kid"`
	RuntimeTag string       `json:"runtime_tag"`
	Stages     []StageEntry `json:"stages"`
	Decision   string       `json:"decision,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	WACID      string       `json:"wa_cid,omitempty"`
	TRCID      string       `json:"tr_cid,omitempty"`
	DurationMS int64        `json:"duration_ms,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	Type       string       `json:"@type"`
	ReceiptCID string       `json:"receipt_cid,omitempty"`
}

// New builds an empty receipt anchoring the stage chain to world/did/kid
// and the runtime tag recorded at WA time.
func New(world, did, kid, runtimeTag string) *Receipt {
	return &Receipt{
		World:      world,
		DID:        did,
		KID:        kid,
		RuntimeTag: runtimeTag,
		CreatedAt:  time.Now().UTC(),
	}
}

// AppendStage computes auth_token_i from the chain and folds the stage
// into the receipt. Stages must be appended in WA, CHECK, TR, WF order;
// AppendStage does not itself enforce ordering beyond linking each token
// to the previous one.
func (r *Receipt) AppendStage(chain *stagechain.Chain, exec StageExecution) error {
	prev := ""
	if n := len(r.Stages); n > 0 {
		prev = r.Stages[n-1].AuthToken
	}
	token, err := chain.Token(exec.Stage, prev, exec.InputCID, exec.OutputCID)
	if err != nil {
		return fmt.Errorf("receipt: append stage %s: %w", exec.Stage, err)
	}
	r.Stages = append(r.Stages, StageEntry{
		Stage:     exec.Stage,
		InputCID:  exec.InputCID,
		OutputCID: exec.OutputCID,
		Body:      exec.Body,
		AuthToken: token,
	})
	return nil
}

// VerifyAuthChain recomputes every stage's auth token from the chain
// secret and returns false the moment any token does not match.
func (r *Receipt) VerifyAuthChain(chain *stagechain.Chain) (bool, error) {
	entries := make([]stagechain.Entry, len(r.Stages))
	for i, s := range r.Stages {
		entries[i] = stagechain.Entry{
			Stage:     s.Stage,
			InputCID:  s.InputCID,
			OutputCID: s.OutputCID,
			AuthToken: s.AuthToken,
		}
	}
	return chain.Verify(entries)
}

// Finalize stamps the receipt's terminal fields and computes ReceiptCID
// over the receipt with ReceiptCID held empty, so the CID never depends
// on its own value.
func (r *Receipt) Finalize(typ, decision, reason, waCID, trCID string, duration time.Duration) (string, error) {
	r.Type = typ
	r.Decision = decision
	r.Reason = reason
	r.WACID = waCID
	r.TRCID = trCID
	r.DurationMS = duration.Milliseconds()
	r.ReceiptCID = ""

	cid, err := canon.CID(r.toJSONValue())
	if err != nil {
		return "", fmt.Errorf("receipt: finalize: %w", err)
	}
	r.ReceiptCID = cid
	return cid, nil
}

// ToJSON is total: every field the receipt carries round-trips.
func (r *Receipt) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON is total and lossless for any bytes produced by ToJSON.
func FromJSON(data []byte) (*Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("receipt: from_json: %w", err)
	}
	return &r, nil
}

// toJSONValue round-trips through encoding/json to get a plain
// map/slice/primitive tree canon.CID can canonicalize. Decoding with
// UseNumber preserves every JSON number as a json.Number rather than a
// lossy float64, so integral fields like duration_ms canonicalize as I64
// instead of tripping canon's RawFloat rejection.
func (r *Receipt) toJSONValue() interface{} {
	body, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var generic interface{}
	_ = dec.Decode(&generic)
	return generic
}
