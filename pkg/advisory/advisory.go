// Package advisory issues read-only, passport-signed advisory chips on
// CHECK results and WF commits. Advisories are informational: nothing in
// the pipeline's decision path ever depends on one.
package advisory

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/ubl-gate/gate/pkg/canon"
)

// Advisory is the ubl/advisory chip body.
type Advisory struct {
	Type          string    `json:"@type"`
	PassportCID   string    `json:"passport_cid"`
	InputCID      string    `json:"input_cid"`
	Action        string    `json:"action"`
	Hook          string    `json:"hook"`
	Confidence    float64   `json:"confidence"`
	Model         string    `json:"model"`
	GeneratedAt   time.Time `json:"generated_at"`
	AdvisoryCID   string    `json:"advisory_cid"`
	SignatureB64  string    `json:"signature_b64"`
}

// Trigger describes what caused an advisory (a CHECK result or a WF
// commit), identified by the CID of the triggering artifact.
type Trigger struct {
	InputCID string
	Action   string
	Hook     string
	Model    string
}

// Signer signs and emits advisories under one passport key, keeping the
// per-passport listing capped at 100, insertion order.
type Signer struct {
	priv        ed25519.PrivateKey
	passportCID string

	mu   sync.Mutex
	byID map[string][]Advisory
}

const maxAdvisoriesPerPassport = 100

// NewSigner derives the passport CID from the public key itself, so the
// passport identity is self-certifying: anyone with the public key can
// recompute passportCID and confirm it matches.
func NewSigner(priv ed25519.PrivateKey) (*Signer, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("advisory: private key has no ed25519 public half")
	}
	passportCID, err := canon.CID(map[string]interface{}{"passport_pubkey": base64.StdEncoding.EncodeToString(pub)})
	if err != nil {
		return nil, fmt.Errorf("advisory: deriving passport cid: %w", err)
	}
	return &Signer{priv: priv, passportCID: passportCID, byID: make(map[string][]Advisory)}, nil
}

// PassportCID returns the self-certifying passport identity advisories
// are tagged with.
func (s *Signer) PassportCID() string {
	return s.passportCID
}

// Emit builds, signs, and records one advisory for the given confidence
// in [0,1]. A confidence outside that range is clamped, since advisory
// generation must never be the reason a pipeline request fails.
func (s *Signer) Emit(t Trigger, confidence float64) (Advisory, error) {
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	adv := Advisory{
		Type:        "ubl/advisory",
		PassportCID: s.passportCID,
		InputCID:    t.InputCID,
		Action:      t.Action,
		Hook:        t.Hook,
		Confidence:  confidence,
		Model:       t.Model,
		GeneratedAt: time.Now().UTC(),
	}

	cid, err := canon.CID(map[string]interface{}{
		"passport_cid": adv.PassportCID,
		"input_cid":    adv.InputCID,
		"action":       adv.Action,
		"hook":         adv.Hook,
		"model":        adv.Model,
		"generated_at": adv.GeneratedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return Advisory{}, fmt.Errorf("advisory: computing cid: %w", err)
	}
	adv.AdvisoryCID = cid
	adv.SignatureB64 = base64.StdEncoding.EncodeToString(ed25519.Sign(s.priv, []byte(cid)))

	s.record(adv)
	return adv, nil
}

func (s *Signer) record(adv Advisory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.byID[adv.PassportCID], adv)
	if len(list) > maxAdvisoriesPerPassport {
		list = list[len(list)-maxAdvisoriesPerPassport:]
	}
	s.byID[adv.PassportCID] = list
}

// ListByPassport returns advisories for a passport in insertion order,
// capped at 100.
func (s *Signer) ListByPassport(passportCID string) []Advisory {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byID[passportCID]
	out := make([]Advisory, len(list))
	copy(out, list)
	return out
}

// Verify checks an advisory's signature against a known passport public
// key, for callers that received an advisory out-of-band from the signer
// that issued it.
func Verify(adv Advisory, pub ed25519.PublicKey) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(adv.SignatureB64)
	if err != nil {
		return false, fmt.Errorf("advisory: decoding signature: %w", err)
	}
	return ed25519.Verify(pub, []byte(adv.AdvisoryCID), sig), nil
}
