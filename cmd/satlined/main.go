// Command satlined runs the credit settlement daemon: envelope authority,
// settlement service, treasury escrow ledger and the HTTP API in one process.
package main

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Meshline-Labs/satline/pkg/api"
	"github.com/Meshline-Labs/satline/pkg/config"
	"github.com/Meshline-Labs/satline/pkg/envelope"
	"github.com/Meshline-Labs/satline/pkg/observability"
	"github.com/Meshline-Labs/satline/pkg/settlement"
	"github.com/Meshline-Labs/satline/pkg/signing"
	"github.com/Meshline-Labs/satline/pkg/treasury"
	"github.com/Meshline-Labs/satline/pkg/wallet"
)

func main() {
	if err := run(); err != nil {
		slog.Error("satlined exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "err", err)
		}
	}()

	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}
	logger.Info("issuer key ready", "key_id", cfg.IssuerKeyID, "pubkey", signer.PublicKey())

	policy, budget, err := buildPolicy(cfg, logger)
	if err != nil {
		return err
	}

	results, err := buildResultStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	authority := envelope.NewAuthorityState()
	ledger := treasury.NewLedger(budget)
	payer := wallet.NewClient(cfg.WalletURL, cfg.WalletToken)

	svc := settlement.NewService(settlement.Deps{
		Authority: authority,
		Results:   results,
		Payer:     payer,
		Signer:    signer,
		Policy:    policy,
		Logger:    logger,
	})

	if cfg.DatabaseURL != "" {
		archive, err := openArchive(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		go runArchiver(ctx, ledger, archive, logger)
	}

	server := api.NewServer(svc, authority, ledger, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(api.NewGlobalRateLimiter(50, 100)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("satlined listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// buildSigner loads the issuer key from SATLINE_ISSUER_SEED, or generates an
// ephemeral one for development.
func buildSigner(cfg *config.Config) (*signing.Ed25519Signer, error) {
	if cfg.IssuerSeedHex == "" {
		return signing.NewEd25519Signer(cfg.IssuerKeyID)
	}
	seed, err := hex.DecodeString(cfg.IssuerSeedHex)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("SATLINE_ISSUER_SEED must be %d hex-encoded bytes", ed25519.SeedSize)
	}
	return signing.NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), cfg.IssuerKeyID), nil
}

// buildPolicy resolves the issuance policy, preferring a named profile over
// built-in defaults.
func buildPolicy(cfg *config.Config, logger *slog.Logger) (settlement.Policy, int64, error) {
	budget := cfg.DefaultBudgetMsats
	if cfg.ProfileCode == "" {
		return settlement.DefaultPolicy(), budget, nil
	}

	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.ProfileCode)
	if err != nil {
		return settlement.Policy{}, 0, fmt.Errorf("load policy profile: %w", err)
	}
	if profile.BudgetMsats > 0 {
		budget = profile.BudgetMsats
	}
	logger.Info("policy profile loaded", "code", profile.Code, "name", profile.Name)
	return settlement.Policy{
		MinFeeBps:    profile.MinFeeBps,
		MaxFeeBps:    profile.MaxFeeBps,
		MaxOfferSats: profile.MaxOfferSats,
		MaxOfferTTL:  profile.MaxOfferTTL(),
	}, budget, nil
}

// buildResultStore picks the settlement result store: redis, sqlite, or
// in-process memory.
func buildResultStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (settlement.ResultStore, error) {
	switch {
	case cfg.RedisAddr != "":
		logger.Info("settlement results in redis", "addr", cfg.RedisAddr)
		return settlement.NewRedisResultStore(cfg.RedisAddr, "", 0), nil
	case cfg.SQLitePath != "":
		db, err := settlement.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		store := settlement.NewSQLiteResultStore(db)
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("init sqlite: %w", err)
		}
		logger.Info("settlement results in sqlite", "path", cfg.SQLitePath)
		return store, nil
	default:
		logger.Info("settlement results in memory")
		return settlement.NewMemoryResultStore(), nil
	}
}

func openArchive(ctx context.Context, databaseURL string) (*treasury.PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	store := treasury.NewPostgresStore(db)
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	return store, nil
}

// runArchiver periodically mirrors the in-memory escrow ledger to postgres so
// restarts can be reconciled against a durable copy.
func runArchiver(ctx context.Context, ledger *treasury.Ledger, store *treasury.PostgresStore, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, job := range ledger.SnapshotJobs() {
				if err := store.SaveJob(ctx, &job); err != nil {
					logger.Warn("archive job", "job_hash", job.JobHash, "err", err)
				}
			}
			for _, acct := range ledger.SnapshotAccounts() {
				if err := store.SaveAccount(ctx, &acct); err != nil {
					logger.Warn("archive account", "owner_key", acct.OwnerKey, "err", err)
				}
			}
		}
	}
}
