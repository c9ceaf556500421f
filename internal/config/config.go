// Package config provides configuration management for the signal router.
//
// Configuration is loaded from environment variables (and an optional .env
// file) once at startup. There is no hot-reloadable settings database here:
// the pieces of configuration that do need to change without a restart
// (signal weights, asset mappings, leverage caps) live in their own
// file-backed, hot-reloaded config packages, not here.
//
// Data Directory Priority (highest to lowest):
//  1. the dataDirOverride argument of Load (if non-empty)
//  2. DATA_DIR environment variable
//  3. ./data (default)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/lumenquant/confluence/internal/domain"
)

// Config holds process-wide application configuration.
type Config struct {
	DataDir      string        // base directory for signal files, caches and the audit database (always absolute)
	LogLevel     string        // debug, info, warn, error
	DevMode      bool          // enables pretty console logging instead of JSON lines
	CyclePeriod  time.Duration // interval between reconciliation cycles
	SignalFetchTimeout time.Duration // per-source signal fetch timeout
	OrderTimeout time.Duration // per-order placement/close timeout

	AccountSymbolConcurrency int // bounded fan-out per account across symbols (§5)
	MaxReconcileRetries      int // retry budget for a single symbol's reconcile attempt

	StatusHTTPAddr string // bind address for the read-only status server; empty disables it

	BackupS3Bucket   string // S3-compatible bucket for execution-cache/raw-signal replication; empty disables it
	BackupS3Endpoint string // custom S3-compatible endpoint (R2, MinIO, ...); empty uses AWS default resolution
	BackupS3Region   string
	BackupRetainDays int // backup rotation window; minimum 3 most recent archives are always kept regardless
}

// Load reads configuration from environment variables.
//
// dataDirOverride, if provided and non-empty, takes priority over DATA_DIR.
func Load(dataDirOverride ...string) (*Config, error) {
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// An explicitly empty STATUS_HTTP_ADDR disables the status server, so
	// only an unset variable falls back to the default.
	statusAddr := ":9090"
	if v, ok := os.LookupEnv("STATUS_HTTP_ADDR"); ok {
		statusAddr = v
	}

	cfg := &Config{
		DataDir:     absDataDir,
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DevMode:     getEnvAsBool("DEV_MODE", false),
		CyclePeriod: getEnvAsDuration("CYCLE_PERIOD_SECONDS", 10*time.Second),

		SignalFetchTimeout: getEnvAsDuration("SIGNAL_FETCH_TIMEOUT_SECONDS", 5*time.Second),
		OrderTimeout:       getEnvAsDuration("ORDER_TIMEOUT_SECONDS", 15*time.Second),

		AccountSymbolConcurrency: getEnvAsInt("ACCOUNT_SYMBOL_CONCURRENCY", 10),
		MaxReconcileRetries:      getEnvAsInt("MAX_RECONCILE_RETRIES", 2),

		StatusHTTPAddr: statusAddr,

		BackupS3Bucket:   getEnv("BACKUP_S3_BUCKET", ""),
		BackupS3Endpoint: getEnv("BACKUP_S3_ENDPOINT", ""),
		BackupS3Region:   getEnv("BACKUP_S3_REGION", "auto"),
		BackupRetainDays: getEnvAsInt("BACKUP_RETAIN_DAYS", 7),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that must hold regardless of where values came from.
func (c *Config) Validate() error {
	if c.CyclePeriod <= 0 {
		return fmt.Errorf("CYCLE_PERIOD_SECONDS must be positive, got %s", c.CyclePeriod)
	}
	if c.AccountSymbolConcurrency <= 0 {
		return fmt.Errorf("ACCOUNT_SYMBOL_CONCURRENCY must be positive, got %d", c.AccountSymbolConcurrency)
	}
	if c.MaxReconcileRetries < 0 {
		return fmt.Errorf("MAX_RECONCILE_RETRIES must not be negative, got %d", c.MaxReconcileRetries)
	}
	return nil
}

// SignalWeightConfigPath returns the absolute path to the hot-reloaded weight/leverage config.
func (c *Config) SignalWeightConfigPath() string {
	return filepath.Join(c.DataDir, "signal_weight_config.json")
}

// AssetMappingConfigPath returns the absolute path to the asset mapping config.
func (c *Config) AssetMappingConfigPath() string {
	return filepath.Join(c.DataDir, "asset_mapping_config.json")
}

// CredentialsPath returns the absolute path to the per-account exchange credentials file.
func (c *Config) CredentialsPath() string {
	return filepath.Join(c.DataDir, "credentials.json")
}

// ExecutionCachePath returns the absolute path to the execution cache file.
func (c *Config) ExecutionCachePath() string {
	return filepath.Join(c.DataDir, "account_asset_depths.json")
}

// RawSignalsDir returns the absolute path to one source's raw signal
// directory, raw_signals/<source_id>/ (§6).
func (c *Config) RawSignalsDir(source domain.SourceId) string {
	return filepath.Join(c.DataDir, "raw_signals", string(source))
}

// AuditDBPath returns the absolute path to the SQLite audit database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// ==========================================
// Helper Functions
// ==========================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration reads an integer number of seconds from the environment.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * time.Second
		}
	}
	return defaultValue
}
