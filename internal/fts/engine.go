// Package fts implements the file transfer store: a public tree shared by
// every agent and a private tree per user, indexed by content checksum so
// agents can sync incrementally and patch large files with binary deltas.
package fts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/disk"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelfleet/sentinel/internal/config"
	"github.com/sentinelfleet/sentinel/internal/eventlog"
	"github.com/sentinelfleet/sentinel/internal/models"
	"github.com/sentinelfleet/sentinel/pkg/debug"
	"github.com/sentinelfleet/sentinel/pkg/fsutil"
	"github.com/sentinelfleet/sentinel/pkg/hashutil"
)

// IndexStore is the persistence surface for the checksum index. Satisfied
// by repository.IndexRepository.
type IndexStore interface {
	Upsert(ctx context.Context, entry *models.IndexEntry) error
	GetByPath(ctx context.Context, path string) (*models.IndexEntry, error)
	List(ctx context.Context, public bool) ([]*models.IndexEntry, error)
	Delete(ctx context.Context, path string) error
}

// applyTimeout bounds a single background delta apply.
const applyTimeout = 5 * time.Minute

// Engine coordinates store access, the checksum index, and delta patching.
type Engine struct {
	cfg    *config.Config
	index  IndexStore
	codec  *DeltaCodec
	events *eventlog.Log

	// freeBytes reports free space on the store volume. Swappable in tests.
	freeBytes func(path string) (uint64, error)

	applying sync.WaitGroup
}

// NewEngine creates the file transfer engine.
func NewEngine(cfg *config.Config, index IndexStore, codec *DeltaCodec, events *eventlog.Log) *Engine {
	return &Engine{
		cfg:    cfg,
		index:  index,
		codec:  codec,
		events: events,
		freeBytes: func(path string) (uint64, error) {
			usage, err := disk.Usage(path)
			if err != nil {
				return 0, fmt.Errorf("failed to stat store volume: %w", err)
			}
			return usage.Free, nil
		},
	}
}

// WaitForPendingDeltas blocks until all background delta applies finish.
// Called on shutdown so no apply is cut off mid-write.
func (e *Engine) WaitForPendingDeltas() {
	e.applying.Wait()
}

// resolve maps a client-supplied relative path into the store tree. The
// returned store path is relative to the tree root; for private files it
// is prefixed with the owning username.
func (e *Engine) resolve(public bool, username, relPath string) (absPath, storePath string, err error) {
	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if cleaned == "." || cleaned == "" || filepath.IsAbs(cleaned) ||
		cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: bad store path %q", models.ErrForbidden, relPath)
	}

	if public {
		return filepath.Join(e.cfg.PublicStore(), cleaned), filepath.ToSlash(cleaned), nil
	}

	if username == "" || username == models.NoUser {
		return "", "", models.ErrNotLoggedIn
	}
	absPath = filepath.Join(e.cfg.UserStore(username), cleaned)
	storePath = filepath.ToSlash(filepath.Join(username, cleaned))
	return absPath, storePath, nil
}

// deltaCachePath returns where the cached patch for a store file lives.
func (e *Engine) deltaCachePath(public bool, storePath string) string {
	root := config.UserDeltaCacheDir
	if public {
		root = config.PublicDeltaCache
	}
	return filepath.Join(e.cfg.FTSDir, root, filepath.FromSlash(storePath)+DeltaSuffix)
}

// CheckSpace rejects a write of size bytes if it would push free space on
// the store volume under the configured floor.
func (e *Engine) CheckSpace(size int64) error {
	free, err := e.freeBytes(e.cfg.FTSDir)
	if err != nil {
		return err
	}
	freeMB := free / (1024 * 1024)
	if freeMB <= e.cfg.SpaceThresholdMB || uint64(size) > free {
		e.events.Append(eventlog.LevelWarning,
			fmt.Sprintf("rejected %d byte write, %d MB free on store volume", size, freeMB))
		return models.ErrInsufficientSpace
	}
	return nil
}

// Upload stores a complete file and refreshes its index entry. Public
// uploads are restricted to admins.
func (e *Engine) Upload(ctx context.Context, public bool, username string, admin bool, relPath string, r io.Reader, size int64) error {
	if public && !admin {
		return models.ErrForbidden
	}

	absPath, storePath, err := e.resolve(public, username, relPath)
	if err != nil {
		return err
	}
	if err := e.CheckSpace(size); err != nil {
		return err
	}

	if err := writeFileAtomic(absPath, r); err != nil {
		return fmt.Errorf("failed to store upload: %w", err)
	}

	checksum, err := hashutil.FileSHA256(absPath)
	if err != nil {
		return fmt.Errorf("failed to checksum upload: %w", err)
	}

	entry := &models.IndexEntry{
		Path:          absPath,
		StorePath:     storePath,
		IsPublic:      public,
		Checksum:      checksum,
		LastUpdatedBy: models.ModifierClient,
	}
	if err := e.index.Upsert(ctx, entry); err != nil {
		return err
	}

	// A full upload supersedes any cached patch for the old contents.
	os.Remove(e.deltaCachePath(public, storePath))

	e.events.Append(eventlog.LevelInfo, fmt.Sprintf("stored %s (%d bytes)", storePath, size))
	return nil
}

// UploadDelta caches a binary patch for an indexed file and applies it in
// the background. The index is only refreshed once the apply succeeds.
func (e *Engine) UploadDelta(ctx context.Context, public bool, username string, admin bool, relPath string, r io.Reader, size int64) error {
	if public && !admin {
		return models.ErrForbidden
	}

	absPath, storePath, err := e.resolve(public, username, relPath)
	if err != nil {
		return err
	}
	if _, err := e.index.GetByPath(ctx, absPath); err != nil {
		return fmt.Errorf("%w: no indexed file at %s", models.ErrNotFound, storePath)
	}
	if !fsutil.FileExists(absPath) {
		return fmt.Errorf("%w: no stored file at %s", models.ErrNotFound, storePath)
	}
	if err := e.CheckSpace(size); err != nil {
		return err
	}

	patchPath := e.deltaCachePath(public, storePath)
	if err := writeFileAtomic(patchPath, r); err != nil {
		return fmt.Errorf("failed to cache delta: %w", err)
	}

	e.applying.Add(1)
	go func() {
		defer e.applying.Done()
		e.applyDelta(public, storePath, absPath, patchPath)
	}()

	return nil
}

func (e *Engine) applyDelta(public bool, storePath, absPath, patchPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()

	if err := e.codec.Apply(ctx, absPath, patchPath); err != nil {
		os.Remove(patchPath)
		e.events.Append(eventlog.LevelError,
			fmt.Sprintf("delta apply failed for %s: %v", storePath, err))
		return
	}

	checksum, err := hashutil.FileSHA256(absPath)
	if err != nil {
		e.events.Append(eventlog.LevelError,
			fmt.Sprintf("failed to checksum %s after delta apply: %v", storePath, err))
		return
	}

	entry := &models.IndexEntry{
		Path:          absPath,
		StorePath:     storePath,
		IsPublic:      public,
		Checksum:      checksum,
		LastUpdatedBy: models.ModifierClient,
	}
	if err := e.index.Upsert(ctx, entry); err != nil {
		e.events.Append(eventlog.LevelError,
			fmt.Sprintf("failed to index %s after delta apply: %v", storePath, err))
		return
	}

	e.events.Append(eventlog.LevelInfo, fmt.Sprintf("applied delta to %s", storePath))
}

// Download resolves a store path to the absolute file to serve.
func (e *Engine) Download(public bool, username, relPath string) (string, error) {
	absPath, storePath, err := e.resolve(public, username, relPath)
	if err != nil {
		return "", err
	}
	if fsutil.DirectoryExists(absPath) {
		return "", fmt.Errorf("%w: %s is a directory", models.ErrInvalidInput, storePath)
	}
	if !fsutil.FileExists(absPath) {
		return "", fmt.Errorf("%w: no stored file at %s", models.ErrNotFound, storePath)
	}
	return absPath, nil
}

// DownloadDelta resolves the cached patch for a store path. ErrNotFound
// means no patch is cached and the caller should fall back to a full
// download.
func (e *Engine) DownloadDelta(public bool, username, relPath string) (string, error) {
	_, storePath, err := e.resolve(public, username, relPath)
	if err != nil {
		return "", err
	}
	patchPath := e.deltaCachePath(public, storePath)
	if !fsutil.FileExists(patchPath) {
		return "", models.ErrNotFound
	}
	return patchPath, nil
}

// ListIndex returns the checksum index for the public tree, or for one
// user's private tree with the username prefix stripped.
func (e *Engine) ListIndex(ctx context.Context, public bool, username string) ([]*models.IndexEntry, error) {
	if !public && (username == "" || username == models.NoUser) {
		return nil, models.ErrNotLoggedIn
	}

	entries, err := e.index.List(ctx, public)
	if err != nil {
		return nil, err
	}
	if public {
		return entries, nil
	}

	prefix := username + "/"
	var out []*models.IndexEntry
	for _, entry := range entries {
		if !strings.HasPrefix(entry.StorePath, prefix) {
			continue
		}
		scoped := *entry
		scoped.StorePath = strings.TrimPrefix(entry.StorePath, prefix)
		out = append(out, &scoped)
	}
	return out, nil
}

// BuildChecksumIndex walks both store trees, checksums every regular file
// in parallel, and reconciles the index: new or drifted files are recorded
// as server-modified, and entries whose files vanished are pruned.
func (e *Engine) BuildChecksumIndex(ctx context.Context) error {
	start := time.Now()

	known := make(map[string]*models.IndexEntry)
	for _, public := range []bool{true, false} {
		entries, err := e.index.List(ctx, public)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			known[entry.Path] = entry
		}
	}

	type target struct {
		absPath   string
		storePath string
		public    bool
	}
	var targets []target

	publicRoot := e.cfg.PublicStore()
	err := fsutil.WalkFiles(publicRoot, func(path string, _ os.FileInfo) error {
		rel, err := filepath.Rel(publicRoot, path)
		if err != nil {
			return err
		}
		targets = append(targets, target{path, filepath.ToSlash(rel), true})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk public store: %w", err)
	}

	userRoot := filepath.Join(e.cfg.FTSDir, config.UserStoreDir)
	err = fsutil.WalkFiles(userRoot, func(path string, _ os.FileInfo) error {
		rel, err := filepath.Rel(userRoot, path)
		if err != nil {
			return err
		}
		targets = append(targets, target{path, filepath.ToSlash(rel), false})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk user store: %w", err)
	}

	var (
		mu      sync.Mutex
		seen    = make(map[string]struct{}, len(targets))
		changed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, t := range targets {
		t := t
		mu.Lock()
		seen[t.absPath] = struct{}{}
		mu.Unlock()

		g.Go(func() error {
			checksum, err := hashutil.FileSHA256(t.absPath)
			if err != nil {
				return fmt.Errorf("failed to checksum %s: %w", t.storePath, err)
			}

			mu.Lock()
			prev, ok := known[t.absPath]
			mu.Unlock()
			if ok && prev.Checksum == checksum {
				return nil
			}

			entry := &models.IndexEntry{
				Path:          t.absPath,
				StorePath:     t.storePath,
				IsPublic:      t.public,
				Checksum:      checksum,
				LastUpdatedBy: models.ModifierServer,
			}
			if err := e.index.Upsert(gctx, entry); err != nil {
				return err
			}

			mu.Lock()
			changed++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to build checksum index: %w", err)
	}

	var pruned int
	for path := range known {
		if _, ok := seen[path]; ok {
			continue
		}
		if err := e.index.Delete(ctx, path); err != nil {
			return err
		}
		pruned++
	}

	debug.Info("checksum index rebuilt: %d files, %d changed, %d pruned in %s",
		len(targets), changed, pruned, time.Since(start).Round(time.Millisecond))
	e.events.Append(eventlog.LevelInfo,
		fmt.Sprintf("checksum index rebuilt: %d files, %d changed, %d pruned", len(targets), changed, pruned))
	return nil
}

// writeFileAtomic streams r to a temp file next to path and renames it in.
func writeFileAtomic(path string, r io.Reader) error {
	if err := fsutil.EnsureDirectoryExists(filepath.Dir(path)); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
