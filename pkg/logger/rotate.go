package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Fallback rotation parameters for the audit log. All clamping of the
// user-provided AuditConfig happens in withDefaults, nowhere else.
const (
	defaultAuditMaxSizeMB  = 64
	defaultAuditMaxBackups = 5
	defaultAuditMaxAgeDays = 14
)

func (cfg AuditConfig) withDefaults() AuditConfig {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultAuditMaxSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultAuditMaxBackups
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = defaultAuditMaxAgeDays
	}
	return cfg
}

// auditRotator is a size-based rotating writer for the audit trail.
// Rotated files keep a sortable timestamp suffix next to the live log;
// backups beyond MaxBackups or older than MaxAgeDays are pruned after
// each rotation.
type auditRotator struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxBytes int64
	keep     int
	maxAge   time.Duration
	written  int64
}

func newAuditRotator(cfg AuditConfig) (*auditRotator, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty")
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &auditRotator{
		path:     cfg.Path,
		maxBytes: int64(cfg.MaxSizeMB) * 1024 * 1024,
		keep:     cfg.MaxBackups,
		maxAge:   time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
	}, nil
}

func (r *auditRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.open(); err != nil {
		return 0, err
	}
	if r.written+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *auditRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.written = 0
	return err
}

func (r *auditRotator) open() error {
	if r.file != nil {
		return nil
	}
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	r.file = file
	r.written = info.Size()
	return nil
}

// rotate renames the live log aside under a timestamp suffix, then prunes
// stale backups. The suffix sorts lexicographically in chronological order.
func (r *auditRotator) rotate() error {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	r.written = 0

	stamp := time.Now().Format("20060102T150405.000")
	if err := os.Rename(r.path, r.path+"."+stamp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	r.prune()
	return nil
}

func (r *auditRotator) prune() {
	backups, err := filepath.Glob(r.path + ".*")
	if err != nil || len(backups) == 0 {
		return
	}
	sort.Strings(backups)

	for len(backups) > r.keep {
		_ = os.Remove(backups[0])
		backups = backups[1:]
	}

	cutoff := time.Now().Add(-r.maxAge)
	for _, backup := range backups {
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}
