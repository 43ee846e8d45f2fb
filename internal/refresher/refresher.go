// Package refresher sweeps the capture directory and feeds every capture into
// the credential store.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/chapoco/internal/credential"
	"github.com/dgnsrekt/chapoco/internal/har"
	"github.com/dgnsrekt/chapoco/internal/storage"
	"github.com/dgnsrekt/chapoco/internal/types"
)

// Loader turns a capture or persisted log file into a structured log.
type Loader interface {
	ConvertFile(ctx context.Context, path string) (*har.Log, error)
}

// Config configures a Refresher.
type Config struct {
	CaptureDir string
	// WarmStart adds the newest archived log to the first cycle.
	WarmStart bool
	// DryRun keeps processed captures in place.
	DryRun bool
	// Settle skips captures modified more recently than this, leaving them
	// for a later cycle while the recorder may still be writing.
	Settle time.Duration
}

// Update describes one credential rotation.
type Update struct {
	Source  string
	Archive string
	Entries int
	At      time.Time
}

// Result summarizes one cycle.
type Result struct {
	Candidates int  `json:"candidates"`
	Failed     int  `json:"failed"`
	Updated    bool `json:"updated"`
}

// Refresher runs refresh cycles. Cycles are serialized, so a manually
// triggered refresh never overlaps a scheduled one.
type Refresher struct {
	cfg      Config
	loader   Loader
	store    *credential.Store
	archive  *storage.Archive
	onUpdate func(context.Context, Update)
	now      func() time.Time

	mu     sync.Mutex
	warmed bool
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithArchive persists rotating logs and enables the warm start source.
func WithArchive(a *storage.Archive) Option {
	return func(r *Refresher) { r.archive = a }
}

// WithOnUpdate registers a hook called after every rotation.
func WithOnUpdate(fn func(context.Context, Update)) Option {
	return func(r *Refresher) { r.onUpdate = fn }
}

// New creates a Refresher.
func New(cfg Config, loader Loader, store *credential.Store, opts ...Option) *Refresher {
	r := &Refresher{cfg: cfg, loader: loader, store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one cycle; it matches the schedule task signature.
func (r *Refresher) Run(ctx context.Context) error {
	_, err := r.Refresh(ctx)
	return err
}

// Refresh performs one cycle. Per-file failures are logged and counted; only
// a failure to list the capture directory is returned. Cancelling ctx stops
// the cycle before the next candidate, but a conversion already running is
// left to finish on its own.
func (r *Refresher) Refresh(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	candidates, err := r.candidates()
	if err != nil {
		return res, err
	}

	warm := ""
	if !r.warmed {
		r.warmed = true
		if path := r.warmStartPath(); path != "" {
			warm = path
			candidates = append(candidates, path)
		}
	}
	res.Candidates = len(candidates)

	for _, path := range candidates {
		if ctx.Err() != nil {
			slog.Info("refresh cycle cancelled", "remaining", path)
			break
		}
		updated, err := r.process(context.WithoutCancel(ctx), path, path == warm)
		if err != nil {
			res.Failed++
			slog.Warn("capture processing failed", "capture", path, "code", types.CodeOf(err), "error", err)
		}
		res.Updated = res.Updated || updated

		if path != warm && !r.cfg.DryRun {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("capture removal failed", "capture", path, "error", err)
			}
		}
	}

	if res.Candidates > 0 {
		slog.Info("refresh cycle finished",
			"candidates", res.Candidates,
			"failed", res.Failed,
			"updated", res.Updated,
			"valid", r.store.IsValid(),
		)
	}
	return res, nil
}

func (r *Refresher) process(ctx context.Context, path string, warm bool) (updated bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = types.NewError(types.CodeUnknownProcessing, fmt.Sprintf("panic processing %s: %v", path, p), nil)
		}
	}()

	log, err := r.loader.ConvertFile(ctx, path)
	if err != nil {
		if types.CodeOf(err) == "" {
			err = types.NewError(types.CodeUnknownProcessing, "process "+path, err)
		}
		return false, err
	}
	if !r.store.UpdateFromLog(log) {
		slog.Debug("capture carried no new credential", "capture", path, "entries", len(log.Entries))
		return false, nil
	}

	u := Update{Source: path, Entries: len(log.Entries), At: r.now()}
	slog.Info("credential rotated", "capture", path, "warm_start", warm)

	if r.archive != nil && !warm {
		archived, err := r.archive.Save(path, log)
		if err != nil {
			slog.Warn("archive write failed", "capture", path, "error", err)
		} else {
			u.Archive = archived
		}
	}
	if r.onUpdate != nil {
		r.onUpdate(ctx, u)
	}
	return true, nil
}

// candidates lists regular, non-hidden files in name order.
func (r *Refresher) candidates() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.CaptureDir)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("capture directory missing", "dir", r.cfg.CaptureDir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list capture directory: %w", err)
	}

	cutoff := r.now().Add(-r.cfg.Settle)
	var paths []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		if r.cfg.Settle > 0 {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				slog.Debug("capture still settling", "capture", e.Name())
				continue
			}
		}
		paths = append(paths, filepath.Join(r.cfg.CaptureDir, e.Name()))
	}
	return paths, nil
}

func (r *Refresher) warmStartPath() string {
	if !r.cfg.WarmStart || r.archive == nil {
		return ""
	}
	latest, ok, err := r.archive.Latest()
	if err != nil {
		slog.Warn("warm start lookup failed", "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	slog.Info("warm start from archive", "archive", latest.Path)
	return latest.Path
}
