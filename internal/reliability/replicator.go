package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

const (
	executionCachePrefix = "execution-cache-"
	rawSignalsPrefix     = "raw-signals-"
	minRetainedBackups   = 3
)

// manifestEntry describes one file folded into a replication archive.
type manifestEntry struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"sha256"`
}

type manifest struct {
	Timestamp time.Time       `json:"timestamp"`
	Files     []manifestEntry `json:"files"`
}

// objectStore is the subset of S3Client that Replicator depends on, kept as
// an interface so tests can substitute an in-memory fake instead of talking
// to real S3-compatible storage.
type objectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Replicator archives and uploads local durability-critical files (the
// execution cache, raw signal directories) to S3-compatible storage. Every
// method here is best-effort: MaintenanceJob calls these on its own cron
// schedule and only logs failures.
type Replicator struct {
	s3      objectStore
	dataDir string
	log     zerolog.Logger
}

// NewReplicator builds a Replicator. s3 may be nil, in which case every
// method is a no-op; this lets callers wire a Replicator unconditionally
// regardless of whether backup configuration is present.
func NewReplicator(s3 objectStore, dataDir string, log zerolog.Logger) *Replicator {
	return &Replicator{s3: s3, dataDir: dataDir, log: log.With().Str("component", "replicator").Logger()}
}

// ReplicateExecutionCache archives and uploads the single execution-cache
// file at cachePath.
func (r *Replicator) ReplicateExecutionCache(ctx context.Context, cachePath string) error {
	if r.s3 == nil {
		return nil
	}
	return r.archiveAndUpload(ctx, executionCachePrefix, []string{cachePath})
}

// ReplicateRawSignals archives and uploads every file directly under
// rawSignalsDir (the raw_signals/<source_id>/ tree for one source).
func (r *Replicator) ReplicateRawSignals(ctx context.Context, rawSignalsDir string) error {
	if r.s3 == nil {
		return nil
	}
	entries, err := os.ReadDir(rawSignalsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read raw signals directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(rawSignalsDir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil
	}
	return r.archiveAndUpload(ctx, rawSignalsPrefix, files)
}

// archiveAndUpload stages files into a manifest + tar.gz archive in a
// scratch directory under dataDir, then uploads it under the given prefix
// with an embedded timestamp.
func (r *Replicator) archiveAndUpload(ctx context.Context, prefix string, files []string) error {
	stagingDir, err := os.MkdirTemp(r.dataDir, "replication-staging-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	m := manifest{Timestamp: time.Now().UTC()}
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return fmt.Errorf("stat %s: %w", f, err)
		}
		checksum, err := sha256File(f)
		if err != nil {
			return fmt.Errorf("checksum %s: %w", f, err)
		}
		m.Files = append(m.Files, manifestEntry{
			Name:      filepath.Base(f),
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	manifestPath := filepath.Join(stagingDir, "manifest.json")
	manifestBytes, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, manifestBytes, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	timestamp := m.Timestamp.Format("2006-01-02-150405")
	archiveName := fmt.Sprintf("%s%s.tar.gz", prefix, timestamp)
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, append(files, manifestPath)); err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := r.s3.Upload(ctx, archiveName, archiveFile); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	r.log.Info().Str("archive", archiveName).Int("files", len(files)).Msg("replication uploaded")
	return nil
}

// RotateOldBackups deletes archives under prefix older than retentionDays,
// always keeping at least the minRetainedBackups most recent ones.
func (r *Replicator) RotateOldBackups(ctx context.Context, prefix string, retentionDays int) error {
	if r.s3 == nil {
		return nil
	}
	objects, err := r.s3.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}

	type dated struct {
		key string
		ts  time.Time
	}
	var candidates []dated
	for _, obj := range objects {
		if ts, ok := keyTimestamp(obj.Key, prefix); ok {
			candidates = append(candidates, dated{key: obj.Key, ts: ts})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ts.After(candidates[j].ts) })

	if len(candidates) <= minRetainedBackups {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	for _, c := range candidates[minRetainedBackups:] {
		if c.ts.After(cutoff) {
			continue
		}
		if err := r.s3.Delete(ctx, c.key); err != nil {
			r.log.Warn().Err(err).Str("key", c.key).Msg("failed to delete old backup")
			continue
		}
		r.log.Debug().Str("key", c.key).Msg("rotated out old backup")
	}
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func createArchive(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, f := range files {
		if err := addFileToArchive(tw, f); err != nil {
			return fmt.Errorf("add %s to archive: %w", f, err)
		}
	}
	return nil
}

func addFileToArchive(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(path)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
