package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ch-backup.yml")
	if err := os.WriteFile(path, []byte(contents), 0o640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	path := writeConfig(t, `
backup:
  retain_count: 3
  deduplication_age_limit: 48h
multiprocessing:
  freeze_threads: 16
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backup.RetainCount != 3 {
		t.Fatalf("expected retain_count override, got %d", cfg.Backup.RetainCount)
	}
	if cfg.Backup.DeduplicationAgeLimit.Duration() != 48*time.Hour {
		t.Fatalf("expected 48h age limit, got %s", cfg.Backup.DeduplicationAgeLimit.Duration())
	}
	if cfg.Multiprocessing.FreezeThreads != 16 {
		t.Fatalf("expected freeze_threads override, got %d", cfg.Multiprocessing.FreezeThreads)
	}
	// Untouched sections keep their documented defaults.
	if cfg.Multiprocessing.UploadThreads != 8 {
		t.Fatalf("expected default upload_threads to survive, got %d", cfg.Multiprocessing.UploadThreads)
	}
	if !cfg.Backup.DeduplicateParts {
		t.Fatal("expected default deduplicate_parts=true to survive")
	}
}

func TestDurationMapForm(t *testing.T) {
	path := writeConfig(t, `
backup:
  retain_time:
    days: 2
    hours: 6
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := 2*24*time.Hour + 6*time.Hour
	if cfg.Backup.RetainTime.Duration() != want {
		t.Fatalf("expected %s, got %s", want, cfg.Backup.RetainTime.Duration())
	}
}

func TestEncryptionSecretBytes(t *testing.T) {
	e := Encryption{IsEnabled: true, Key: "aabbcc"}
	secret, err := e.SecretBytes()
	if err != nil {
		t.Fatal(err)
	}
	if len(secret) != 3 || secret[0] != 0xaa {
		t.Fatalf("unexpected decoded secret: %x", secret)
	}

	disabled := Encryption{IsEnabled: false, Key: "aabbcc"}
	secret, err = disabled.SecretBytes()
	if err != nil {
		t.Fatal(err)
	}
	if secret != nil {
		t.Fatalf("expected nil secret when encryption disabled, got %x", secret)
	}
}

func TestRestoreOptionsDefaultsSetsTableRestoreTrue(t *testing.T) {
	cfg := Default()
	opts := cfg.RestoreOptionsDefaults()
	if !opts.RestoreTablesInReplicatedDatabase {
		t.Fatal("expected config layer to default RestoreTablesInReplicatedDatabase to true")
	}
}

func TestStorageOptionsAppliesRateLimiter(t *testing.T) {
	cfg := Default()
	cfg.RateLimiter.MaxUploadRate = 1024
	opts := cfg.StorageOptions()
	if opts.MaxUploadRate != 1024 {
		t.Fatalf("expected max upload rate 1024, got %d", opts.MaxUploadRate)
	}
	if opts.ChunkSize == 0 {
		t.Fatal("expected default chunk size to survive")
	}
}
