// Package authorship resolves the subject DID for an inbound chip: an
// explicit DID carried in the body if present, otherwise a deterministic
// anonymous DID derived from stable claims and transport hints.
package authorship

import (
	"strings"

	"github.com/ubl-gate/gate/pkg/canon"
)

// ActorHint carries transport-level signal that is not part of the chip
// body itself but still contributes to the anonymous DID fingerprint.
type ActorHint struct {
	IPPrefix      string // e.g. first X-Forwarded-For / CF-Connecting-IP entry, masked to a /24-style prefix
	UserAgentHash string // BLAKE3 of the User-Agent header, hex-encoded without the b3: prefix
}

const anonDIDPrefix = "did:ubl:anon:"

// ResolveSubjectDID implements the Authorship Resolver (C4): explicit DID
// at body.actor.did, then body.did, then body.owner_did wins outright;
// otherwise a deterministic anonymous DID is derived from stable claims.
func ResolveSubjectDID(body map[string]interface{}, hint ActorHint) (string, error) {
	if did, ok := extractExplicitDID(body); ok {
		return did, nil
	}

	claims := buildClaims(body, hint)
	cid, err := claimsFingerprint(claims)
	if err != nil {
		return "", err
	}
	return anonDIDPrefix + strings.TrimPrefix(cid, canon.CIDPrefix), nil
}

func extractExplicitDID(body map[string]interface{}) (string, bool) {
	if actor, ok := body["actor"].(map[string]interface{}); ok {
		if did, ok := copyIfDID(actor["did"]); ok {
			return did, true
		}
	}
	if did, ok := copyIfDID(body["did"]); ok {
		return did, true
	}
	if did, ok := copyIfDID(body["owner_did"]); ok {
		return did, true
	}
	return "", false
}

func copyIfDID(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "did:") {
		return "", false
	}
	return s, true
}

// buildClaims gathers the stable, fingerprintable fields used to derive an
// anonymous DID. Missing claims degrade gracefully — the claims object is
// simply smaller, never an error — and equal claim sets always produce an
// equal object, satisfying subject-DID determinism (I5 / P3).
func buildClaims(body map[string]interface{}, hint ActorHint) map[string]interface{} {
	claims := map[string]interface{}{}

	if actor, ok := body["actor"].(map[string]interface{}); ok {
		for _, field := range []string{"installation_key", "client_pubkey", "device_id", "session_id", "kid"} {
			if s, ok := copyIfStr(actor[field]); ok {
				claims[field] = s
			}
		}
	}
	if hint.IPPrefix != "" {
		claims["ip_prefix"] = hint.IPPrefix
	}
	if hint.UserAgentHash != "" {
		claims["user_agent_hash"] = hint.UserAgentHash
	}
	return claims
}

func copyIfStr(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// claimsFingerprint computes the CID of the canonical claims object. Falls
// back to hashing the raw JSON-shaped map directly if canonicalization
// somehow fails (e.g. an unexpected type slipped into claims), so a subject
// DID can always be produced — authorship resolution must never be the
// reason a request is rejected.
func claimsFingerprint(claims map[string]interface{}) (string, error) {
	cid, err := canon.CID(claims)
	if err == nil {
		return cid, nil
	}
	return fallbackFingerprint(claims), nil
}

func fallbackFingerprint(claims map[string]interface{}) string {
	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	// Deterministic even on the fallback path: sort keys before hashing.
	sortStrings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		if s, ok := claims[k].(string); ok {
			sb.WriteString(s)
		}
		sb.WriteByte(';')
	}
	return canon.CIDFromBytes([]byte(sb.String()))
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
