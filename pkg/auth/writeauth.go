package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ubl-gate/gate/pkg/api"
)

// WriteTokenClaims is the "ubl/token" bearer claim set: a capability to
// submit chips, not an actor identity. Actor identity for C4 purposes
// still comes from the chip body's declared DID/KID, never from this
// token — a token only answers "may this caller POST at all".
type WriteTokenClaims struct {
	jwt.RegisteredClaims
	// WorldPrefix, if set, restricts the token to chips whose @world has
	// this as a slash-segment prefix. Empty means any world.
	WorldPrefix string `json:"world_prefix,omitempty"`
	// KeyID names which configured API key signed this token, so
	// verification only has to try one HMAC secret instead of every key
	// in the rotation set.
	KeyID string `json:"kid,omitempty"`
}

// WriteAuth enforces bearer-token authorization on mutating endpoints.
// A chip whose @world or @type falls under the public allow-lists skips
// the bearer check entirely; everything else must present a valid
// "ubl/token" HMAC-signed with one of the configured API keys.
//
// Each configured key doubles as both a pre-shared API secret and an
// HS256 signing key: an operator holding a key can mint their own
// tokens with MintWriteToken without a round trip to the gate, and the
// gate verifies by key id rather than trying every key on every request.
type WriteAuth struct {
	Required     bool
	PublicWorlds []string
	PublicTypes  []string
	keys         map[string][]byte // keyID -> raw key bytes
	primaryKeyID string
}

// NewWriteAuth builds a WriteAuth over the configured pre-shared API
// keys. Each key is addressed by its own value as both id and secret,
// keyed by a 32-bit FNV-1a hash of it (keyID) so the token's "kid" claim
// never leaks the raw key. apiKeys must be non-empty when required is true; the caller
// (config.Load) already enforces this.
func NewWriteAuth(required bool, publicWorlds, publicTypes, apiKeys []string) (*WriteAuth, error) {
	wa := &WriteAuth{
		Required:     required,
		PublicWorlds: publicWorlds,
		PublicTypes:  publicTypes,
		keys:         make(map[string][]byte, len(apiKeys)),
	}
	for i, k := range apiKeys {
		if k == "" {
			return nil, fmt.Errorf("auth: write api key %d is empty", i)
		}
		id := keyID(k)
		wa.keys[id] = []byte(k)
		if i == 0 {
			wa.primaryKeyID = id
		}
	}
	return wa, nil
}

func keyID(rawKey string) string {
	sum := fnv32a(rawKey)
	return fmt.Sprintf("k%08x", sum)
}

// fnv32a is a non-cryptographic key-id hash. Collisions are not handled:
// when two configured keys share a kid, the later one replaces the earlier
// one in the key map, and tokens signed with the replaced key no longer
// verify.
func fnv32a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// MintWriteToken issues a signed "ubl/token" using the primary configured
// key, valid for ttl and optionally scoped to worldPrefix.
func (wa *WriteAuth) MintWriteToken(subject, worldPrefix string, ttl time.Duration) (string, error) {
	if wa.primaryKeyID == "" {
		return "", fmt.Errorf("auth: no write api key configured")
	}
	now := time.Now()
	claims := WriteTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "ubl/token",
		},
		WorldPrefix: worldPrefix,
		KeyID:       wa.primaryKeyID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(wa.keys[wa.primaryKeyID])
}

func (wa *WriteAuth) verify(raw string) (*WriteTokenClaims, error) {
	claims := &WriteTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		key, ok := wa.keys[claims.KeyID]
		if !ok {
			return nil, fmt.Errorf("unknown key id %q", claims.KeyID)
		}
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// peekEnvelope is the minimal fields the middleware inspects to decide
// whether a submission qualifies for a public write exemption.
type peekEnvelope struct {
	Type  string `json:"@type"`
	World string `json:"@world"`
}

func (wa *WriteAuth) isPublic(env peekEnvelope) bool {
	for _, t := range wa.PublicTypes {
		if t == env.Type {
			return true
		}
	}
	for _, w := range wa.PublicWorlds {
		if worldPrefixes(w, env.World) {
			return true
		}
	}
	return false
}

func worldPrefixes(prefix, world string) bool {
	if prefix == world {
		return true
	}
	return strings.HasPrefix(world, prefix+"/")
}

// Middleware gates the wrapped handler behind bearer-token authorization,
// unless disabled entirely (wa.Required false) or the request body's
// declared @world/@type matches a public write allow-list. It reads and
// restores the request body so the downstream handler still sees the
// original bytes — maxBodyBytes bounds the buffered peek the same way it
// bounds the handler's own read.
func (wa *WriteAuth) Middleware(maxBodyBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !wa.Required || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeUnauthorized(w, "unable to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))

		var env peekEnvelope
		_ = json.Unmarshal(raw, &env) // malformed bodies fall through to KNOCK, not here

		if wa.isPublic(env) {
			next.ServeHTTP(w, r)
			return
		}

		tokenStr := bearerToken(r)
		if tokenStr == "" {
			writeUnauthorized(w, "missing bearer ubl/token")
			return
		}
		claims, err := wa.verify(tokenStr)
		if err != nil {
			writeUnauthorized(w, "invalid or expired bearer token")
			return
		}
		if claims.WorldPrefix != "" && !worldPrefixes(claims.WorldPrefix, env.World) {
			writeUnauthorized(w, "token is not scoped to this world")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func writeUnauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="ubl-gate"`)
	api.WriteChipError(w, http.StatusUnauthorized, api.CodeUnauthorized, detail, nil)
}
