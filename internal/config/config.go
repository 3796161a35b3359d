// Package config loads and normalizes the engine's on-disk configuration
// (spec.md §6 "Configuration (recognized options)") and translates it into
// the narrower per-package Config/Options types internal/lifecycle,
// internal/freeze, internal/storage, internal/lock, and internal/restore
// each already define - the same split cmd/uplod's own Config/
// processConfig keeps between "what the operator wrote" and "what each
// module needs."
package config

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/chbackup/ch-backup/internal/codec"
	"github.com/chbackup/ch-backup/internal/freeze"
	"github.com/chbackup/ch-backup/internal/lifecycle"
	"github.com/chbackup/ch-backup/internal/lock"
	"github.com/chbackup/ch-backup/internal/restore"
	"github.com/chbackup/ch-backup/internal/storage"
	"github.com/uplo-tech/errors"
	"gopkg.in/yaml.v3"
)

// Config is the root document, one section per spec.md §6 dotted prefix.
type Config struct {
	Backup          Backup          `yaml:"backup"`
	Storage         Storage         `yaml:"storage"`
	RateLimiter     RateLimiter     `yaml:"rate_limiter"`
	Encryption      Encryption      `yaml:"encryption"`
	CloudStorage    CloudStorage    `yaml:"cloud_storage"`
	Multiprocessing Multiprocessing `yaml:"multiprocessing"`
	Lock            Lock            `yaml:"lock"`
}

// SkipLock is the backup/restore pair behind
// backup.skip_lock_for_schema_only.{backup,restore}.
type SkipLock struct {
	Backup  bool `yaml:"backup"`
	Restore bool `yaml:"restore"`
}

// Backup mirrors the backup.* recognized options.
type Backup struct {
	DeduplicateParts       bool     `yaml:"deduplicate_parts"`
	DeduplicationAgeLimit  Duration `yaml:"deduplication_age_limit"`
	DeduplicationBatchSize int      `yaml:"deduplication_batch_size"`
	RetainTime             Duration `yaml:"retain_time"`
	RetainCount            int      `yaml:"retain_count"`
	MinInterval            Duration `yaml:"min_interval"`
	Labels                 map[string]string `yaml:"labels"`
	ValidatePartAfterUpload bool    `yaml:"validate_part_after_upload"`
	OverrideReplicaName    string   `yaml:"override_replica_name"`
	ForceNonReplicated     bool     `yaml:"force_non_replicated"`
	RestoreFailOnAttachError bool   `yaml:"restore_fail_on_attach_error"`
	RetryOnExistingDir     int      `yaml:"retry_on_existing_dir"`
	SkipLockForSchemaOnly  SkipLock `yaml:"skip_lock_for_schema_only"`
	RestoreContextSyncOnDiskOperationThreshold int `yaml:"restore_context_sync_on_disk_operation_threshold"`
}

// Storage mirrors the storage.* recognized options.
type Storage struct {
	ChunkSize                     int64 `yaml:"chunk_size"`
	UploadingTrafficLimitRetryTime int  `yaml:"uploading_traffic_limit_retry_time"`
}

// RateLimiter mirrors the rate_limiter.* recognized options.
type RateLimiter struct {
	MaxUploadRate int64 `yaml:"max_upload_rate"`
}

// Encryption mirrors the encryption.* recognized options. Key is a hex
// string rather than a mnemonic phrase - entropy-mnemonics (already used
// for lock.NewOwnerToken) encodes fixed-entropy seeds meant to be read
// aloud, not an arbitrary-length cipher key, so hex is the natural fit
// here.
type Encryption struct {
	Type      codec.CipherType `yaml:"type"`
	Key       string           `yaml:"key"`
	IsEnabled bool             `yaml:"is_enabled"`
}

// SecretBytes decodes Key from hex. Returns nil, nil if encryption is
// disabled or no key is set.
func (e Encryption) SecretBytes() ([]byte, error) {
	if !e.IsEnabled || e.Key == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(e.Key)
	if err != nil {
		return nil, errors.AddContext(err, "encryption.key is not valid hex")
	}
	return b, nil
}

// CipherType resolves the configured cipher, defaulting to plaintext when
// encryption is disabled regardless of what Type names.
func (e Encryption) CipherType() codec.CipherType {
	if !e.IsEnabled {
		return codec.TypePlain
	}
	if e.Type == "" {
		return codec.TypeTwofish
	}
	return e.Type
}

// CloudStorage mirrors the cloud_storage.* recognized options, applied to
// parts living on an object-storage-backed ClickHouse disk rather than
// ch-backup's own archive codec chain (Encryption/Backup.ValidatePartAfterUpload
// above).
type CloudStorage struct {
	Compression codec.CompressionType `yaml:"compression"`
	Encryption  bool                  `yaml:"encryption"`
}

// Multiprocessing mirrors the multiprocessing.* recognized options.
type Multiprocessing struct {
	FreezeThreads              int `yaml:"freeze_threads"`
	UploadThreads              int `yaml:"upload_threads"`
	CloudStorageRestoreWorkers int `yaml:"cloud_storage_restore_workers"`
}

// Lock mirrors the lock.* recognized options. FlockPath backs
// lock.Options.Dir; ZKFlockPath is the coordination-service prefix the
// distributed lock and orphaned-node cleanup operate under. Flock/ZKFlock
// are both expected true in production - the two-lock protocol is not
// optional per spec.md §4.8 - but are kept so a test harness can disable
// the distributed half without a coordination.Client attached.
type Lock struct {
	Flock       bool   `yaml:"flock"`
	ZKFlock     bool   `yaml:"zk_flock"`
	FlockPath   string `yaml:"flock_path"`
	ZKFlockPath string `yaml:"zk_flock_path"`
}

// Default returns the documented defaults, overridden by whatever a config
// file or flag supplies on top.
func Default() Config {
	return Config{
		Backup: Backup{
			DeduplicateParts:       true,
			DeduplicationAgeLimit:  Duration(7 * 24 * time.Hour),
			DeduplicationBatchSize: 1000,
			RetainTime:             Duration(30 * 24 * time.Hour),
			RetainCount:            7,
			MinInterval:            Duration(0),
			RestoreContextSyncOnDiskOperationThreshold: 100,
		},
		Storage: Storage{
			ChunkSize:                      5 << 20,
			UploadingTrafficLimitRetryTime: 30,
		},
		Encryption: Encryption{Type: codec.TypeTwofish},
		Multiprocessing: Multiprocessing{
			FreezeThreads:              4,
			UploadThreads:              8,
			CloudStorageRestoreWorkers: 4,
		},
		Lock: Lock{
			Flock:       true,
			ZKFlock:     true,
			FlockPath:   "/var/lib/ch-backup/locks",
			ZKFlockPath: "/clickhouse/ch-backup/locks",
		},
	}
}

// Load reads path as YAML over Default(), so an omitted section keeps its
// documented default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.AddContext(err, "could not read config file "+path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.AddContext(err, "could not parse config file "+path)
	}
	return cfg, nil
}

// LifecycleConfig translates Backup into lifecycle.Config.
func (c Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		DeduplicateParts:       c.Backup.DeduplicateParts,
		DeduplicationAgeLimit:  c.Backup.DeduplicationAgeLimit.Duration(),
		DeduplicationBatchSize: c.Backup.DeduplicationBatchSize,
		MinInterval:            c.Backup.MinInterval.Duration(),
		RetainTime:             c.Backup.RetainTime.Duration(),
		RetainCount:            c.Backup.RetainCount,
		SkipLockForSchemaOnly:  c.Backup.SkipLockForSchemaOnly.Backup,
	}
}

// FreezeConfig translates Multiprocessing/Backup into freeze.Config.
func (c Config) FreezeConfig() freeze.Config {
	return freeze.Config{
		FreezeThreads:      c.Multiprocessing.FreezeThreads,
		UploadThreads:      c.Multiprocessing.UploadThreads,
		RetryOnExistingDir: c.Backup.RetryOnExistingDir > 0,
	}
}

// StorageOptions translates Storage/RateLimiter into storage.Options.
func (c Config) StorageOptions() storage.Options {
	opts := storage.DefaultOptions()
	if c.Storage.ChunkSize > 0 {
		opts.ChunkSize = c.Storage.ChunkSize
	}
	opts.MaxUploadRate = c.RateLimiter.MaxUploadRate
	if c.Storage.UploadingTrafficLimitRetryTime > 0 {
		opts.UploadStallRetryTime = time.Duration(c.Storage.UploadingTrafficLimitRetryTime) * time.Second
	}
	opts.ValidateAfterUpload = c.Backup.ValidatePartAfterUpload
	return opts
}

// LockOptions translates Lock into lock.Options. owner should come from
// lock.NewOwnerToken, generated once per process.
func (c Config) LockOptions(owner string, timeout time.Duration) lock.Options {
	return lock.Options{
		Dir:     c.Lock.FlockPath,
		Timeout: timeout,
		Owner:   owner,
	}
}

// RestoreConfig translates Multiprocessing/Backup into restore.Config.
// RestoreContextDir is supplied by the caller since it is a per-invocation
// path, not a recognized config option.
func (c Config) RestoreConfig(restoreContextDir string) restore.Config {
	return restore.Config{
		CloudStorageRestoreWorkers:  c.Multiprocessing.CloudStorageRestoreWorkers,
		RestoreContextSyncThreshold: c.Backup.RestoreContextSyncOnDiskOperationThreshold,
		RestoreContextDir:           restoreContextDir,
	}
}

// CodecChain builds the codec chain and secret a fresh part should be
// written with.
func (c Config) CodecChain() (*codec.Chain, []byte, error) {
	secret, err := c.Encryption.SecretBytes()
	if err != nil {
		return nil, nil, err
	}
	return &codec.Chain{Compression: codec.CompressionZstd, Cipher: c.Encryption.CipherType()}, secret, nil
}

// RestoreOptionsDefaults fills the config-level defaults restore.Options
// does not itself assume - RestoreTablesInReplicatedDatabase in
// particular (see internal/restore.Options's doc comment: the Go
// zero-value there means "skip," the opposite of the sensible default),
// and the three config-driven restore fields (override_replica_name,
// force_non_replicated, restore_fail_on_attach_error) a CLI invocation may
// still override per spec.md §6's per-command flags.
func (c Config) RestoreOptionsDefaults() restore.Options {
	return restore.Options{
		OverrideReplicaName:               c.Backup.OverrideReplicaName,
		ForceNonReplicated:                c.Backup.ForceNonReplicated,
		RestoreFailOnAttachError:          c.Backup.RestoreFailOnAttachError,
		RestoreTablesInReplicatedDatabase: true,
	}
}
