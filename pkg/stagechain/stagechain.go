// Package stagechain implements the domain-separated keyed MAC that links
// each pipeline stage's authorization token to its predecessor.
package stagechain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Stage identifies a position in the WA -> CHECK -> TR -> WF chain.
type Stage string

const (
	StageWA    Stage = "WA"
	StageCheck Stage = "CHECK"
	StageTR    Stage = "TR"
	StageWF    Stage = "WF"
)

// Chain derives per-stage domain-separated HMAC keys from a single
// process-wide secret and computes/verifies stage auth tokens. The secret
// is never written to a receipt or event; only the derived tokens are
// persisted.
type Chain struct {
	secret []byte
}

// New builds a Chain from the raw process-wide secret bytes (the decoded
// form of UBL_STAGE_SECRET).
func New(secret []byte) *Chain {
	c := &Chain{secret: make([]byte, len(secret))}
	copy(c.secret, secret)
	return c
}

// stageKey derives a domain-separated key for one stage via HKDF-SHA256,
// so a compromise of one stage's derived material does not expose another
// stage's key nor the root secret.
func (c *Chain) stageKey(stage Stage) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, c.secret, nil, []byte("ubl-gate/stage-chain/"+string(stage)))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("stagechain: hkdf expand failed: %w", err)
	}
	return key, nil
}

// Token computes auth_token_i = HMAC(key_i, stage_label_i || prev_token ||
// input_cid_i || output_cid_i), hex-encoded.
func (c *Chain) Token(stage Stage, prevToken, inputCID, outputCID string) (string, error) {
	key, err := c.stageKey(stage)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(stage))
	mac.Write([]byte(prevToken))
	mac.Write([]byte(inputCID))
	mac.Write([]byte(outputCID))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Entry is the minimal shape of a persisted stage execution needed to
// recompute its token.
type Entry struct {
	Stage     Stage
	InputCID  string
	OutputCID string
	AuthToken string
}

// Verify recomputes the chain from a sequence of stage entries (in order)
// and returns true iff every token matches bit-exactly. Tampering any
// stage field invalidates the chain (P4).
func (c *Chain) Verify(entries []Entry) (bool, error) {
	prev := ""
	for _, e := range entries {
		want, err := c.Token(e.Stage, prev, e.InputCID, e.OutputCID)
		if err != nil {
			return false, err
		}
		if !hmac.Equal([]byte(want), []byte(e.AuthToken)) {
			return false, nil
		}
		prev = e.AuthToken
	}
	return true, nil
}
