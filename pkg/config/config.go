// Package config loads the gate's runtime configuration from environment
// variables. There is no config file format and no CLI flag parser: every
// knob is a single env var with a safe single-instance default, matching
// how the pipeline's own components (store, rate limiter, blob store) are
// each independently optional.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived knob the gate's entrypoint wires
// into its components.
type Config struct {
	// Port is the HTTP listen address, e.g. ":8080".
	Port string
	// LogLevel is one of debug/info/warn/error, passed to log/slog.
	LogLevel string

	// StoreBackend selects the durable store: "sqlite" or "postgres".
	StoreBackend string
	// StoreDSN is the backend-specific connection string. For sqlite this
	// is a file path (or ":memory:"); for postgres a libpq URL.
	StoreDSN string

	// StageSecret is the HMAC root secret the stage chain derives its
	// per-stage keys from via HKDF. Must be at least 32 bytes.
	StageSecret string

	// RateLimitEnabled toggles the canon rate limiter (UBL_CANON_RATE_LIMIT_ENABLED).
	RateLimitEnabled bool
	// RateLimitPerMinute is the per-fingerprint quota when enabled.
	RateLimitPerMinute int
	// RateLimitRedisAddr, if set, backs the rate limiter with Redis instead
	// of the in-process memory store — required for any multi-instance
	// deployment, since in-process buckets do not share state.
	RateLimitRedisAddr string

	// BlobBackend selects the receipt blob store: "memory", "s3", or "gcs".
	// An unconfigured backend falls back to "memory", which is lost on
	// restart — fine for development, never for production.
	BlobBackend string
	// BlobBucket is the bucket name for the s3/gcs backends.
	BlobBucket string

	// OutboxEndpoint is the HTTP endpoint outbox events are POSTed to. An
	// empty value means outbox delivery silently drops events, matching
	// the gate's everywhere-optional delivery semantics.
	OutboxEndpoint string
	// OutboxWorkers is the concurrent poller count for the dispatcher.
	OutboxWorkers int

	// WASMTrustAnchors maps a named anchor id to a base64-encoded ed25519
	// public key, parsed from UBL_WASM_TRUST_ANCHORS as
	// "anchor1=<b64>,anchor2=<b64>". An adapter whose declared trust anchor
	// is not in this set is rejected.
	WASMTrustAnchors map[string]string
	// WASMEnabled gates whether the TR stage may execute WASM adapters at
	// all. When false, no WASM host is built and any chip declaring an
	// adapter is rejected as InvalidChip rather than attempted.
	WASMEnabled bool

	// CORSOrigins is the comma-separated allow-list for cross-origin
	// requests. Empty means allow all, matching development mode.
	CORSOrigins []string

	// EdgeRateLimitRPS and EdgeRateLimitBurst bound the per-IP request rate
	// at the transport edge, independent of C9's per-canonical-fingerprint
	// limiter — this one catches a client hammering the edge with distinct
	// fingerprints to dodge the canon limiter.
	EdgeRateLimitRPS   int
	EdgeRateLimitBurst int

	// IdempotencyKeyTTL bounds how long a cached response is replayed for a
	// given Idempotency-Key header. This is a distinct, client-opt-in cache
	// from C8's intrinsic canonical-fingerprint idempotency: it caches by
	// whatever key the client sends, for any mutating method, not only by
	// chip-body fingerprint.
	IdempotencyKeyTTL time.Duration

	// PolicyFile is the path to the YAML policy table the CHECK stage
	// evaluates. Empty means an empty table: every chip type evaluates
	// to Allow, since a non-matching policy never denies by itself.
	PolicyFile string

	// WriteAuthRequired gates whether POST /v1/chips requires a bearer
	// "ubl/token" (unless the chip's world/type falls under the public
	// write allow-lists below). Defaults to false for local development.
	WriteAuthRequired bool
	// WriteAPIKeys is the set of pre-shared keys MintWriteToken and the
	// bearer middleware both accept, parsed from UBL_WRITE_API_KEYS as a
	// comma-separated list. Any key in this set can mint and present a
	// token; there is no per-key scoping, only the on/off gate.
	WriteAPIKeys []string
	// PublicWriteWorlds and PublicWriteTypes exempt a chip from
	// WriteAuthRequired when its @world has one of these as a prefix, or
	// its @type exactly matches one of these, respectively. Either match
	// is sufficient. Both empty means nothing is publicly writable.
	PublicWriteWorlds []string
	PublicWriteTypes  []string

	// PublicReceiptOrigin and PublicReceiptPath build the absolute URL a
	// submit response's Location header points to:
	// PublicReceiptOrigin + PublicReceiptPath + "/" + receipt CID.
	PublicReceiptOrigin string
	PublicReceiptPath   string

	// MCPTokenRPM is the per-token per-minute budget for Model Context
	// Protocol tool calls. It is parsed here, but no component in this
	// module reads it or limits anything by it.
	MCPTokenRPM int

	// OTLPEndpoint, if set, enables OpenTelemetry trace and metric export
	// to this OTLP/gRPC collector address. Empty disables export; spans
	// and instruments are still created but go nowhere, matching the
	// everywhere-optional delivery posture of the rest of the gate.
	OTLPEndpoint string
	// ServiceName labels every exported span and metric.
	ServiceName string
}

// Load reads Config from the environment, applying the single-instance
// defaults a developer running the gate locally expects.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               envOr("PORT", ":8080"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		StoreBackend:       envOr("UBL_STORE_BACKEND", "sqlite"),
		StoreDSN:           envOr("UBL_STORE_DSN", "gate.db"),
		StageSecret:        os.Getenv("UBL_STAGE_SECRET"),
		RateLimitEnabled:   envBool("UBL_CANON_RATE_LIMIT_ENABLED", false),
		RateLimitPerMinute: envInt("UBL_CANON_RATE_LIMIT_PER_MIN", 60),
		RateLimitRedisAddr: os.Getenv("UBL_CANON_RATE_LIMIT_REDIS_ADDR"),
		BlobBackend:        envOr("UBL_BLOB_BACKEND", "memory"),
		BlobBucket:         os.Getenv("UBL_BLOB_BUCKET"),
		OutboxEndpoint:     os.Getenv("UBL_OUTBOX_ENDPOINT"),
		OutboxWorkers:      envInt("UBL_OUTBOX_WORKERS", 4),
		WASMEnabled:        envBool("UBL_WASM_ENABLED", false),
		WASMTrustAnchors:   envMap("UBL_WASM_TRUST_ANCHORS"),
		CORSOrigins:        envList("UBL_CORS_ORIGINS"),
		PolicyFile:         os.Getenv("UBL_POLICY_FILE"),
		EdgeRateLimitRPS:   envInt("UBL_EDGE_RATE_LIMIT_RPS", 50),
		EdgeRateLimitBurst: envInt("UBL_EDGE_RATE_LIMIT_BURST", 100),
		IdempotencyKeyTTL:  time.Duration(envInt("UBL_IDEMPOTENCY_KEY_TTL_SECONDS", 86400)) * time.Second,

		WriteAuthRequired:    envBool("UBL_WRITE_AUTH_REQUIRED", false),
		WriteAPIKeys:         envList("UBL_WRITE_API_KEYS"),
		PublicWriteWorlds:    envList("UBL_PUBLIC_WRITE_WORLDS"),
		PublicWriteTypes:     envList("UBL_PUBLIC_WRITE_TYPES"),
		PublicReceiptOrigin:  envOr("UBL_PUBLIC_RECEIPT_ORIGIN", ""),
		PublicReceiptPath:    envOr("UBL_PUBLIC_RECEIPT_PATH", "/v1/receipts"),
		MCPTokenRPM:          envInt("UBL_MCP_TOKEN_RPM", 0),
		OTLPEndpoint:         os.Getenv("UBL_OTLP_ENDPOINT"),
		ServiceName:          envOr("UBL_SERVICE_NAME", "ubl-gate"),
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.StoreDSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RateLimitRedisAddr = v
	}

	if cfg.StageSecret == "" {
		return nil, fmt.Errorf("config: UBL_STAGE_SECRET is required")
	}
	if len(cfg.StageSecret) < 32 {
		return nil, fmt.Errorf("config: UBL_STAGE_SECRET must be at least 32 bytes, got %d", len(cfg.StageSecret))
	}
	if cfg.StoreBackend != "sqlite" && cfg.StoreBackend != "postgres" {
		return nil, fmt.Errorf("config: UBL_STORE_BACKEND must be sqlite or postgres, got %q", cfg.StoreBackend)
	}
	if cfg.BlobBackend != "memory" && cfg.BlobBackend != "s3" && cfg.BlobBackend != "gcs" {
		return nil, fmt.Errorf("config: UBL_BLOB_BACKEND must be memory, s3, or gcs, got %q", cfg.BlobBackend)
	}
	if cfg.WriteAuthRequired && len(cfg.WriteAPIKeys) == 0 {
		return nil, fmt.Errorf("config: UBL_WRITE_AUTH_REQUIRED is set but UBL_WRITE_API_KEYS is empty")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envMap(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, val, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return out
}
