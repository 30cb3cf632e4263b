// Command gate runs the UBL Gate HTTP server: the single mutation entry
// point that turns a chip body into an immutable, chained receipt. There
// is no subcommand surface — one process, one job.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/aws"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
	"gopkg.in/yaml.v3"

	"github.com/ubl-gate/gate/pkg/advisory"
	"github.com/ubl-gate/gate/pkg/api"
	"github.com/ubl-gate/gate/pkg/auth"
	"github.com/ubl-gate/gate/pkg/blobstore"
	"github.com/ubl-gate/gate/pkg/config"
	"github.com/ubl-gate/gate/pkg/eventhub"
	"github.com/ubl-gate/gate/pkg/knock"
	"github.com/ubl-gate/gate/pkg/metrics"
	"github.com/ubl-gate/gate/pkg/observability"
	"github.com/ubl-gate/gate/pkg/outbox"
	"github.com/ubl-gate/gate/pkg/pipeline"
	"github.com/ubl-gate/gate/pkg/policy"
	"github.com/ubl-gate/gate/pkg/ratelimit"
	"github.com/ubl-gate/gate/pkg/stagechain"
	"github.com/ubl-gate/gate/pkg/store"
	"github.com/ubl-gate/gate/pkg/wasmhost"
)

func main() {
	os.Exit(run())
}

func run() int {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config: load failed", "error", err)
		return 1
	}
	if err := logLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logger.Warn("config: unrecognized LOG_LEVEL, logging at info", "value", cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("store: open failed", "error", err)
		return 1
	}

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		logger.Error("blobstore: open failed", "error", err)
		return 1
	}

	rlStore, err := openRateLimitStore(cfg)
	if err != nil {
		logger.Error("ratelimit: open failed", "error", err)
		return 1
	}

	var wasmHost *wasmhost.Host
	if cfg.WASMEnabled {
		anchors, err := decodeTrustAnchors(cfg.WASMTrustAnchors)
		if err != nil {
			logger.Error("wasmhost: bad trust anchors", "error", err)
			return 1
		}
		wasmHost, err = wasmhost.NewHost(ctx, blobs, anchors)
		if err != nil {
			logger.Error("wasmhost: init failed", "error", err)
			return 1
		}
	}

	policyTable, err := loadPolicyTable(cfg.PolicyFile)
	if err != nil {
		logger.Error("policy: load failed", "error", err)
		return 1
	}
	evaluator, err := policy.NewEvaluator(policyTable)
	if err != nil {
		logger.Error("policy: compile failed", "error", err)
		return 1
	}

	eventStore := eventhub.NewMemoryEventStore()
	hub := eventhub.New(eventStore)

	advisoryPriv, err := loadOrGenerateAdvisoryKey()
	if err != nil {
		logger.Error("advisory: key init failed", "error", err)
		return 1
	}
	advisorySigner, err := advisory.NewSigner(advisoryPriv)
	if err != nil {
		logger.Error("advisory: signer init failed", "error", err)
		return 1
	}

	metricsRegistry := metrics.New()

	tracer, err := observability.New(ctx, observability.Config{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Error("observability: init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	orch, err := pipeline.New(pipeline.Config{
		KnockConfig:      knock.DefaultConfig(),
		Chain:            stagechain.New([]byte(cfg.StageSecret)),
		Policy:           evaluator,
		WASM:             wasmHost,
		RateLimiter:      ratelimit.New(cfg.RateLimitEnabled, rlStore),
		Store:            st,
		Blobs:            blobs,
		Events:           hub,
		Advisories:       advisorySigner,
		RuntimeTag:       "gate-v1",
		OnAdvisoryIssued: metricsRegistry.ObserveAdvisoryIssued,
		Tracer:           tracer,
	})
	if err != nil {
		logger.Error("pipeline: init failed", "error", err)
		return 1
	}

	dispatcher := outbox.NewDispatcher(st, outbox.NewHTTPDeliverer(cfg.OutboxEndpoint), cfg.OutboxWorkers)
	go dispatcher.Run(ctx)

	srv := &api.Server{
		Pipeline:      orch,
		Store:         st,
		Events:        hub,
		Advisories:    advisorySigner,
		Metrics:       metricsRegistry,
		ReceiptOrigin: cfg.PublicReceiptOrigin,
		ReceiptPath:   cfg.PublicReceiptPath,
	}
	mux := http.NewServeMux()
	srv.Routes(mux)

	edgeLimiter := api.NewGlobalRateLimiter(cfg.EdgeRateLimitRPS, cfg.EdgeRateLimitBurst)
	idempotencyStore := api.NewIdempotencyStore(cfg.IdempotencyKeyTTL)
	writeAuth, err := auth.NewWriteAuth(cfg.WriteAuthRequired, cfg.PublicWriteWorlds, cfg.PublicWriteTypes, cfg.WriteAPIKeys)
	if err != nil {
		logger.Error("auth: write-auth init failed", "error", err)
		return 1
	}

	var handler http.Handler = mux
	handler = api.IdempotencyMiddleware(idempotencyStore)(handler)
	handler = writeAuth.Middleware(api.MaxBodyBytes, handler)
	handler = edgeLimiter.Middleware(handler)
	handler = auth.CORSMiddleware(cfg.CORSOrigins)(handler)
	handler = auth.RequestIDMiddleware(handler)

	httpServer := &http.Server{
		Addr:              cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gate: listening", "addr", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("gate: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("gate: shutdown error", "error", err)
			return 1
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("gate: server error", "error", err)
			return 1
		}
	}
	return 0
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.StoreDSN)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, err
		}
		return store.NewPostgresStore(db)
	default:
		db, err := sql.Open("sqlite", cfg.StoreDSN)
		if err != nil {
			return nil, err
		}
		return store.NewSQLiteStore(db)
	}
}

func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.BlobBackend {
	case "s3":
		awsCfg, err := awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		return blobstore.NewS3Store(s3Client(awsCfg), cfg.BlobBucket), nil
	case "gcs":
		client, err := gcsClient(ctx)
		if err != nil {
			return nil, err
		}
		return blobstore.NewGCSStore(client, cfg.BlobBucket), nil
	default:
		return blobstore.NewMemoryStore(), nil
	}
}

func loadPolicyTable(path string) (policy.Table, error) {
	if path == "" {
		return policy.Table{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy.Table{}, err
	}
	var table policy.Table
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return policy.Table{}, err
	}
	return table, nil
}

func awsConfig(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

func s3Client(cfg aws.Config) *s3.Client {
	return s3.NewFromConfig(cfg)
}

func gcsClient(ctx context.Context) (*storage.Client, error) {
	return storage.NewClient(ctx)
}

func openRateLimitStore(cfg *config.Config) (ratelimit.Store, error) {
	if !cfg.RateLimitEnabled {
		return nil, nil
	}
	if cfg.RateLimitRedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RateLimitRedisAddr})
		return ratelimit.NewRedisStore(client, cfg.RateLimitPerMinute), nil
	}
	return ratelimit.NewMemoryStore(cfg.RateLimitPerMinute), nil
}

func decodeTrustAnchors(raw map[string]string) (map[string]ed25519.PublicKey, error) {
	out := make(map[string]ed25519.PublicKey, len(raw))
	for name, b64 := range raw {
		key, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, err
		}
		out[name] = ed25519.PublicKey(key)
	}
	return out, nil
}

// loadOrGenerateAdvisoryKey reads UBL_ADVISORY_KEY (base64 ed25519 seed) if
// set, otherwise generates an ephemeral key. An ephemeral key means the
// passport identity changes across restarts — acceptable for a single
// development instance, not for production.
func loadOrGenerateAdvisoryKey() (ed25519.PrivateKey, error) {
	if seed := os.Getenv("UBL_ADVISORY_KEY"); seed != "" {
		raw, err := base64.StdEncoding.DecodeString(seed)
		if err != nil {
			return nil, err
		}
		return ed25519.NewKeyFromSeed(raw), nil
	}
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	return priv, nil
}
