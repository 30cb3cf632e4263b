package advisory

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"
)

func testSigner(t *testing.T) *Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSigner(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSigner_EmitProducesVerifiableAdvisory(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	s, err := NewSigner(priv)
	if err != nil {
		t.Fatal(err)
	}

	adv, err := s.Emit(Trigger{InputCID: "b3:check1", Action: "flag", Hook: "check.deny", Model: "rule-v1"}, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(adv.AdvisoryCID, "b3:") {
		t.Fatalf("expected b3: prefixed advisory cid, got %s", adv.AdvisoryCID)
	}

	pub := priv.Public().(ed25519.PublicKey)
	ok, err := Verify(adv, pub)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected advisory signature to verify against the issuing passport key")
	}
}

func TestSigner_EmitClampsConfidenceToUnitRange(t *testing.T) {
	s := testSigner(t)
	low, err := s.Emit(Trigger{InputCID: "b3:x"}, -1)
	if err != nil {
		t.Fatal(err)
	}
	high, err := s.Emit(Trigger{InputCID: "b3:y"}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if low.Confidence != 0 || high.Confidence != 1 {
		t.Fatalf("expected confidence clamped to [0,1], got %v and %v", low.Confidence, high.Confidence)
	}
}

func TestSigner_ListByPassportIsInsertionOrderCappedAt100(t *testing.T) {
	s := testSigner(t)
	for i := 0; i < 150; i++ {
		if _, err := s.Emit(Trigger{InputCID: "b3:n"}, 0.5); err != nil {
			t.Fatal(err)
		}
	}
	list := s.ListByPassport(s.PassportCID())
	if len(list) != maxAdvisoriesPerPassport {
		t.Fatalf("expected list capped at %d, got %d", maxAdvisoriesPerPassport, len(list))
	}
}

func TestSigner_PassportCIDIsSelfCertifying(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	s1, err := NewSigner(priv)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := NewSigner(priv)
	if err != nil {
		t.Fatal(err)
	}
	if s1.PassportCID() != s2.PassportCID() {
		t.Fatal("expected the same key to always derive the same passport cid")
	}
}

func TestVerify_RejectsTamperedAdvisory(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	s, err := NewSigner(priv)
	if err != nil {
		t.Fatal(err)
	}
	adv, err := s.Emit(Trigger{InputCID: "b3:x"}, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	adv.AdvisoryCID = "b3:tampered"

	pub := priv.Public().(ed25519.PublicKey)
	ok, err := Verify(adv, pub)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected tampered advisory to fail verification")
	}
}
