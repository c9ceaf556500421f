package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/lumenquant/confluence/internal/database"
)

const minFreeDiskGB = 0.5

// MaintenanceJob runs two cron schedules: a daily run that checkpoints and
// vacuums the audit database and checks free disk space, and a separate
// 15-minute run that replicates the execution cache and raw signal
// directories. None of this may ever
// block a reconciliation cycle, so it runs on its own cron-driven goroutine
// rather than inline in the cycle driver.
type MaintenanceJob struct {
	auditDB          *database.DB
	replicator       *Replicator
	cachePath        string
	rawSignalDirs    []string
	backupRetainDays int
	dataDir          string
	cron             *cron.Cron
	log              zerolog.Logger
}

// Config configures a MaintenanceJob.
type Config struct {
	AuditDB          *database.DB // may be nil if the audit sink is disabled
	Replicator       *Replicator  // may be nil if backup configuration is absent
	CachePath        string
	RawSignalDirs    []string
	BackupRetainDays int
	DataDir          string
	Log              zerolog.Logger
}

// New builds a MaintenanceJob. Schedule must still be started with Start.
func New(cfg Config) *MaintenanceJob {
	retain := cfg.BackupRetainDays
	if retain <= 0 {
		retain = 7
	}
	return &MaintenanceJob{
		auditDB:          cfg.AuditDB,
		replicator:       cfg.Replicator,
		cachePath:        cfg.CachePath,
		rawSignalDirs:    cfg.RawSignalDirs,
		backupRetainDays: retain,
		dataDir:          cfg.DataDir,
		cron:             cron.New(),
		log:              cfg.Log.With().Str("component", "maintenance").Logger(),
	}
}

// Start schedules the daily maintenance run at 02:00 and the replication
// run every 15 minutes, both non-blocking relative to the cycle driver.
func (j *MaintenanceJob) Start(ctx context.Context) error {
	if _, err := j.cron.AddFunc("0 2 * * *", func() { j.runDaily(ctx) }); err != nil {
		return fmt.Errorf("schedule daily maintenance: %w", err)
	}
	if _, err := j.cron.AddFunc("*/15 * * * *", func() { j.runReplication(ctx) }); err != nil {
		return fmt.Errorf("schedule replication: %w", err)
	}
	j.cron.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight run to finish.
func (j *MaintenanceJob) Stop() {
	<-j.cron.Stop().Done()
}

func (j *MaintenanceJob) runDaily(ctx context.Context) {
	start := time.Now()
	j.log.Info().Msg("starting daily maintenance")

	if j.auditDB != nil {
		if err := j.auditDB.WALCheckpoint("TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Msg("audit database wal checkpoint failed")
		}
		if err := j.auditDB.Vacuum(); err != nil {
			j.log.Warn().Err(err).Msg("audit database vacuum failed")
		}
	}

	if err := j.checkDiskSpace(); err != nil {
		j.log.Error().Err(err).Msg("disk space check failed")
	}

	if j.replicator != nil {
		if err := j.replicator.RotateOldBackups(ctx, executionCachePrefix, j.backupRetainDays); err != nil {
			j.log.Warn().Err(err).Msg("execution cache backup rotation failed")
		}
		if err := j.replicator.RotateOldBackups(ctx, rawSignalsPrefix, j.backupRetainDays); err != nil {
			j.log.Warn().Err(err).Msg("raw signal backup rotation failed")
		}
	}

	j.log.Info().Dur("duration_ms", time.Since(start)).Msg("daily maintenance completed")
}

func (j *MaintenanceJob) runReplication(ctx context.Context) {
	if j.replicator == nil {
		return
	}
	if j.cachePath != "" {
		if err := j.replicator.ReplicateExecutionCache(ctx, j.cachePath); err != nil {
			j.log.Warn().Err(err).Msg("execution cache replication failed")
		}
	}
	for _, dir := range j.rawSignalDirs {
		if err := j.replicator.ReplicateRawSignals(ctx, dir); err != nil {
			j.log.Warn().Err(err).Str("dir", dir).Msg("raw signal replication failed")
		}
	}
}

// checkDiskSpace halts nothing by itself (unlike the original inspiration
// for this job) but logs loudly when free space under dataDir drops below
// minFreeDiskGB, since a full disk breaks atomic execution-cache commits.
func (j *MaintenanceJob) checkDiskSpace() error {
	usage, err := disk.Usage(j.dataDir)
	if err != nil {
		return fmt.Errorf("stat filesystem: %w", err)
	}

	availableGB := float64(usage.Free) / 1e9
	if availableGB < minFreeDiskGB {
		j.log.Error().Float64("available_gb", availableGB).Msg("critically low disk space")
	} else if availableGB < 5.0 {
		j.log.Warn().Float64("available_gb", availableGB).Msg("low disk space")
	}
	return nil
}
