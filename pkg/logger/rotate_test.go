package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditConfigDefaults(t *testing.T) {
	cfg := AuditConfig{Path: "audit.log"}.withDefaults()
	if cfg.MaxSizeMB != defaultAuditMaxSizeMB {
		t.Fatalf("expected default size %d, got %d", defaultAuditMaxSizeMB, cfg.MaxSizeMB)
	}
	if cfg.MaxBackups != defaultAuditMaxBackups {
		t.Fatalf("expected default backups %d, got %d", defaultAuditMaxBackups, cfg.MaxBackups)
	}
	if cfg.MaxAgeDays != defaultAuditMaxAgeDays {
		t.Fatalf("expected default age %d, got %d", defaultAuditMaxAgeDays, cfg.MaxAgeDays)
	}
}

func TestAuditRotatorRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	rotator, err := newAuditRotator(AuditConfig{Path: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new rotator: %v", err)
	}
	defer rotator.Close()

	payload := bytes.Repeat([]byte("a"), 700*1024)
	if _, err := rotator.Write(payload); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := rotator.Write(payload); err != nil {
		t.Fatalf("second write: %v", err)
	}

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup after rotation, got %d", len(backups))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat live log: %v", err)
	}
	if info.Size() != int64(len(payload)) {
		t.Fatalf("live log should only hold the post-rotation write, size %d", info.Size())
	}
}

func TestAuditRotatorPrunesExcessBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	rotator, err := newAuditRotator(AuditConfig{Path: path, MaxBackups: 2})
	if err != nil {
		t.Fatalf("new rotator: %v", err)
	}
	defer rotator.Close()

	stamps := []string{
		"20240101T000000.000",
		"20240102T000000.000",
		"20240103T000000.000",
		"20240104T000000.000",
	}
	for _, stamp := range stamps {
		if err := os.WriteFile(path+"."+stamp, []byte("old"), 0o644); err != nil {
			t.Fatalf("seed backup: %v", err)
		}
	}

	rotator.prune()

	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob backups: %v", err)
	}
	if len(backups) > 2 {
		t.Fatalf("expected at most 2 backups after prune, got %d", len(backups))
	}
	for _, backup := range backups {
		if backup == path+".20240101T000000.000" || backup == path+".20240102T000000.000" {
			t.Fatalf("oldest backups should have been pruned, found %s", backup)
		}
	}
}
