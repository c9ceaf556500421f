// Package main is the entry point for the signal router: a single
// long-running process that loads configuration, wires every adapter, and
// runs the reconciliation cycle driver until it receives SIGINT/SIGTERM.
//
// There are no subcommands. All tunables besides LOG_LEVEL and the handful
// of environment variables documented in internal/config are fixed
// constants, matching the core's minimal CLI surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/lumenquant/confluence/internal/accounts"
	"github.com/lumenquant/confluence/internal/aggregator"
	"github.com/lumenquant/confluence/internal/audit"
	"github.com/lumenquant/confluence/internal/config"
	"github.com/lumenquant/confluence/internal/cycle"
	"github.com/lumenquant/confluence/internal/database"
	"github.com/lumenquant/confluence/internal/domain"
	"github.com/lumenquant/confluence/internal/executioncache"
	"github.com/lumenquant/confluence/internal/mapper"
	"github.com/lumenquant/confluence/internal/reconcile"
	"github.com/lumenquant/confluence/internal/reliability"
	"github.com/lumenquant/confluence/internal/server"
	"github.com/lumenquant/confluence/internal/signals"
	"github.com/lumenquant/confluence/internal/specs"
	"github.com/lumenquant/confluence/internal/weights"
	"github.com/lumenquant/confluence/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Msg("starting signal router")

	assetMapper, err := mapper.New(cfg.AssetMappingConfigPath(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load asset mapping config")
	}

	weightProvider, err := weights.New(cfg.SignalWeightConfigPath(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load signal weight config")
	}

	auditSink, err := audit.Open(cfg.AuditDBPath(), log)
	if err != nil {
		// The audit trail is a best-effort side channel (§9): a missing or
		// unreachable database must never stop reconciliation from running.
		log.Warn().Err(err).Msg("audit database unavailable, continuing without it")
	} else {
		defer auditSink.Close()
	}

	var auditDomainSink domain.AuditSink
	if auditSink != nil {
		auditDomainSink = auditSink
	}

	sources, err := discoverFileSources(cfg, assetMapper, auditDomainSink, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to discover signal sources")
	}
	log.Info().Int("sources", len(sources)).Msg("signal sources discovered")

	agg := aggregator.New(sources, weightProvider, cfg.SignalFetchTimeout, log)

	specCache := specs.New()

	cacheStore, err := executioncache.New(cfg.ExecutionCachePath(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open execution cache")
	}

	processors, err := accounts.LoadProcessors(cfg.CredentialsPath(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load account credentials")
	}
	log.Info().Int("accounts", len(processors)).Msg("account processors loaded")

	accountProcessors := make(map[domain.AccountId]domain.AccountProcessor, len(processors))
	for id, p := range processors {
		accountProcessors[id] = p
	}

	engine := reconcile.New(specCache, cacheStore, cfg.AccountSymbolConcurrency, cfg.MaxReconcileRetries, cfg.OrderTimeout, log)

	driver := cycle.New(cycle.Config{
		Mapper:     assetMapper,
		Weights:    weightProvider,
		Aggregator: agg,
		Engine:     engine,
		Processors: accountProcessors,
		Audit:      auditDomainSink,
		Period:     cfg.CyclePeriod,
		Log:        log,
	})

	maintenance := setupMaintenance(cfg, auditSink, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if maintenance != nil {
		if err := maintenance.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to start maintenance scheduler")
		} else {
			defer maintenance.Stop()
		}
	}

	var statusServer *server.Server
	if cfg.StatusHTTPAddr != "" {
		statusServer = server.New(server.Config{
			Addr:     cfg.StatusHTTPAddr,
			Provider: driver,
			DevMode:  cfg.DevMode,
			Log:      log,
		})
		statusServer.Start()
	}

	driver.Run(ctx)

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("status server shutdown error")
		}
	}

	log.Info().Msg("signal router stopped")
}

// discoverFileSources builds one FileSource per raw_signals/<source_id>/
// subdirectory. The TradingView race-reorder rule (§4.2) only applies to
// the source literally named "tradingview".
func discoverFileSources(cfg *config.Config, assetMapper domain.AssetMapper, auditSink domain.AuditSink, log zerolog.Logger) ([]domain.SignalSource, error) {
	root := filepath.Join(cfg.DataDir, "raw_signals")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []domain.SignalSource
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sourceID := domain.SourceId(e.Name())
		raceReorder := sourceID == "tradingview"
		out = append(out, signals.NewFileSource(sourceID, filepath.Join(root, e.Name()), assetMapper, raceReorder, auditSink, log))
	}
	return out, nil
}

// setupMaintenance wires the reliability package's replication and
// database-upkeep job. It always returns a job; when no bucket is configured
// or the S3 client cannot be built, the replicator is nil and the job's
// replication runs do nothing.
func setupMaintenance(cfg *config.Config, auditSink *audit.Sink, log zerolog.Logger) *reliability.MaintenanceJob {
	var replicator *reliability.Replicator
	if cfg.BackupS3Bucket != "" {
		s3Client, err := reliability.NewS3Client(context.Background(), cfg.BackupS3Bucket, cfg.BackupS3Endpoint, cfg.BackupS3Region, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to build S3 client, replication disabled")
		} else {
			replicator = reliability.NewReplicator(s3Client, cfg.DataDir, log)
		}
	}

	rawSignalsRoot := filepath.Join(cfg.DataDir, "raw_signals")
	var rawDirs []string
	if entries, err := os.ReadDir(rawSignalsRoot); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				rawDirs = append(rawDirs, filepath.Join(rawSignalsRoot, e.Name()))
			}
		}
	}

	var auditDB *database.DB
	if auditSink != nil {
		auditDB = auditSink.DB()
	}

	return reliability.New(reliability.Config{
		AuditDB:          auditDB,
		Replicator:       replicator,
		CachePath:        cfg.ExecutionCachePath(),
		RawSignalDirs:    rawDirs,
		BackupRetainDays: cfg.BackupRetainDays,
		DataDir:          cfg.DataDir,
		Log:              log,
	})
}
