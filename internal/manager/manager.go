// Package manager wires the directory cache, the store, the transfer agent
// and the executor into the operations the CLI and the dashboard expose.
package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go-remote-download/index"
	"go-remote-download/internal/agent"
	"go-remote-download/internal/database"
	"go-remote-download/internal/dircache"
	"go-remote-download/internal/executor"
	"go-remote-download/internal/helpers"
	"go-remote-download/internal/models"
	"go-remote-download/internal/selection"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

var (
	ErrBatchRunning  = errors.New("a download batch is already running")
	ErrIndexDisabled = errors.New("full-text index is disabled")
)

// Manager is safe for concurrent use; only one batch runs at a time.
type Manager struct {
	cfg      models.Config
	store    *database.Store
	cache    *dircache.Cache
	agent    agent.Agent
	executor *executor.Executor

	indexMu   sync.Mutex
	index     bleve.Index // Opened on first use
	indexPath string      // Empty when full-text search is disabled

	runMu sync.Mutex
}

// Options are the collaborators a Manager needs.
type Options struct {
	Config   models.Config
	Store    *database.Store
	Cache    *dircache.Cache
	Agent    agent.Agent
	Index    bleve.Index // Optional; otherwise Config.BleveIndexPath is opened on first use
	Executor executor.Options
}

// New builds a Manager.
func New(opts Options) *Manager {
	return &Manager{
		cfg:       opts.Config,
		store:     opts.Store,
		cache:     opts.Cache,
		agent:     opts.Agent,
		executor:  executor.New(opts.Agent, opts.Store, opts.Executor),
		index:     opts.Index,
		indexPath: opts.Config.BleveIndexPath,
	}
}

// Close closes the full-text index. Other collaborators belong to the caller.
func (m *Manager) Close() error {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	if m.index == nil {
		return nil
	}
	err := m.index.Close()
	m.index = nil
	return err
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() models.Config { return m.cfg }

// Session is the interactive browsing state: where the user is and what
// they are looking at.
type Session struct {
	CurrentPath string
	Listing     []models.Entry
	FromCache   bool
	Stale       bool          // Listing is an expired cache entry shown after a failed refresh
	Age         time.Duration // Age of the listing when it came from the cache

	// ShowFolderSizes makes Browse fill FolderSizes for sub-directories.
	ShowFolderSizes bool
	FolderSizes     map[string]int64
}

// NewSession starts at the configured base path.
func (m *Manager) NewSession() *Session {
	return &Session{
		CurrentPath:     helpers.NormalizeRemotePath(m.cfg.RemoteBasePath),
		ShowFolderSizes: m.cfg.ShowFolderSizes,
	}
}

// Browse loads remotePath into the session. When a refresh fails and force
// is not set, the last cached listing is shown instead and marked stale.
func (m *Manager) Browse(ctx context.Context, s *Session, remotePath string, force bool) error {
	remotePath = helpers.NormalizeRemotePath(remotePath)
	entries, fromCache, err := m.cache.Get(ctx, remotePath, force)
	if err != nil {
		if force {
			return err
		}
		ce, age, ok := m.cache.Peek(remotePath)
		if !ok {
			return err
		}
		log.WithError(err).Warnf("Showing cached listing of %s from %s ago", remotePath, helpers.FormatAge(age))
		s.CurrentPath, s.Listing, s.FromCache, s.Stale, s.Age = remotePath, ce.Entries, true, true, age
		s.FolderSizes = nil
		if s.ShowFolderSizes {
			s.FolderSizes = ce.FolderSizes
		}
		return nil
	}

	s.CurrentPath, s.Listing, s.FromCache, s.Stale = remotePath, entries, fromCache, false
	s.Age = 0
	if fromCache {
		if _, age, ok := m.cache.Peek(remotePath); ok {
			s.Age = age
		}
	}
	s.FolderSizes = nil
	if s.ShowFolderSizes {
		sizes, err := m.cache.FolderSizes(ctx, remotePath)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warnf("Could not size folders in %s", remotePath)
		}
		s.FolderSizes = sizes
	}
	return nil
}

// Enter moves the session into a child directory by listing index, or to
// the parent for "..".
func (m *Manager) Enter(ctx context.Context, s *Session, target string) error {
	if target == ".." {
		return m.Browse(ctx, s, parentDir(s.CurrentPath), false)
	}
	idx, err := selection.Parse(target, len(s.Listing))
	if err != nil {
		return err
	}
	if len(idx) != 1 {
		return fmt.Errorf("%w: %q selects more than one entry", selection.ErrInvalidToken, target)
	}
	e := s.Listing[idx[0]-1]
	if !e.IsDir() {
		return fmt.Errorf("%w: %s", agent.ErrNotAFile, e.Path)
	}
	return m.Browse(ctx, s, e.Path, false)
}

func parentDir(p string) string {
	return helpers.NormalizeRemotePath(helpers.NormalizeRemotePath(p) + "/..")
}

// Select resolves a selection token against the session listing.
func (m *Manager) Select(s *Session, token string) ([]models.Entry, error) {
	return selection.Resolve(token, s.Listing)
}

// Scan refreshes remotePath through the cache and stores what it sees. With
// recursive set, sub-directories are walked breadth first. Each directory is
// stored as one batch. Returns the number of entries stored.
func (m *Manager) Scan(ctx context.Context, remotePath string, recursive bool) (int, error) {
	root := helpers.NormalizeRemotePath(remotePath)
	pending := []string{root}
	total := 0

	for len(pending) > 0 {
		dir := pending[0]
		pending = pending[1:]

		entries, _, err := m.cache.Get(ctx, dir, true)
		if err != nil {
			if dir == root {
				return total, err
			}
			log.WithError(err).Warnf("Skipping %s", dir)
			continue
		}
		n, err := m.store.UpsertScan(ctx, dir, entries)
		if err != nil {
			return total, err
		}
		total += n
		log.WithFields(log.Fields{"dir": dir, "stored": n}).Info("Scanned directory")

		if recursive {
			for _, e := range entries {
				if e.IsDir() {
					pending = append(pending, e.Path)
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}

	m.indexScope(ctx, root)
	return total, nil
}

// indexLocked returns the full-text index, opening it on first use so that
// commands which never search do not take the index lock. Callers hold indexMu.
func (m *Manager) indexLocked() (bleve.Index, error) {
	if m.index != nil {
		return m.index, nil
	}
	if m.indexPath == "" {
		return nil, ErrIndexDisabled
	}
	idx, err := index.OpenOrCreateIndex(m.indexPath)
	if err != nil {
		return nil, err
	}
	m.index = idx
	return idx, nil
}

// indexForUpdate is indexLocked for best-effort updates: nil means skip.
func (m *Manager) indexForUpdate() bleve.Index {
	idx, err := m.indexLocked()
	if err != nil {
		if !errors.Is(err, ErrIndexDisabled) {
			log.WithError(err).Warn("Full-text index not updated, run reindex later")
		}
		return nil
	}
	return idx
}

// indexScope refreshes the full-text index for everything under root. The
// catalog is authoritative, so failures are only logged.
func (m *Manager) indexScope(ctx context.Context, root string) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	idx := m.indexForUpdate()
	if idx == nil {
		return
	}
	entries, err := m.store.List(ctx, models.SearchOptions{Scope: root})
	if err != nil {
		log.WithError(err).Warn("Could not read catalog for indexing")
		return
	}
	if err := index.IndexEntries(idx, entries); err != nil {
		log.WithError(err).Warn("Indexing scanned entries failed")
	}
}

// Search queries the catalog.
func (m *Manager) Search(ctx context.Context, opts models.SearchOptions) ([]models.Entry, error) {
	return m.store.List(ctx, opts)
}

// FullTextSearch runs a bleve query-string query and returns the matching
// catalog entries in score order. Hits no longer in the catalog are dropped.
func (m *Manager) FullTextSearch(ctx context.Context, query string, limit int) ([]models.Entry, error) {
	m.indexMu.Lock()
	idx, err := m.indexLocked()
	m.indexMu.Unlock()
	if err != nil {
		return nil, err
	}
	ids, err := index.SearchIndex(idx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	out := make([]models.Entry, 0, len(ids))
	for _, id := range ids {
		e, err := m.store.GetByID(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Reindex rebuilds the full-text index from the catalog.
func (m *Manager) Reindex(ctx context.Context) (int, error) {
	if m.indexPath == "" {
		return 0, ErrIndexDisabled
	}
	m.indexMu.Lock()
	defer m.indexMu.Unlock()

	// Holding the index first keeps a rebuild from deleting one in use elsewhere.
	old, err := m.indexLocked()
	switch {
	case errors.Is(err, index.ErrIndexBusy):
		return 0, err
	case err != nil:
		log.WithError(err).Warn("Existing index is unreadable, rebuilding from scratch")
	default:
		if err := old.Close(); err != nil {
			log.WithError(err).Warn("Closing index before rebuild failed")
		}
	}
	m.index = nil
	if err := index.DeleteIndex(m.indexPath); err != nil {
		return 0, fmt.Errorf("deleting index: %w", err)
	}
	idx, err := index.OpenOrCreateIndex(m.indexPath)
	if err != nil {
		return 0, fmt.Errorf("creating index: %w", err)
	}
	m.index = idx

	entries, err := m.store.List(ctx, models.SearchOptions{})
	if err != nil {
		return 0, err
	}
	if err := index.IndexEntries(idx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// SetNote annotates a catalog entry.
func (m *Manager) SetNote(ctx context.Context, entryID int64, note string) error {
	if err := m.store.SetNote(ctx, entryID, note); err != nil {
		return err
	}
	m.reindexEntry(ctx, entryID)
	return nil
}

func (m *Manager) reindexEntry(ctx context.Context, entryID int64) {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	idx := m.indexForUpdate()
	if idx == nil {
		return
	}
	e, err := m.store.GetByID(ctx, entryID)
	if err != nil {
		return
	}
	if err := index.IndexItem(idx, index.ItemFromEntry(e)); err != nil {
		log.WithError(err).Warnf("Reindexing entry %d failed", entryID)
	}
}

// SetSourceLink records where an entry came from locally.
func (m *Manager) SetSourceLink(ctx context.Context, entryID int64, localPath, note string) error {
	return m.store.SetSourceLink(ctx, entryID, localPath, note)
}

// SourceLink returns the recorded provenance of an entry.
func (m *Manager) SourceLink(ctx context.Context, entryID int64) (models.SourceLink, error) {
	return m.store.SourceLink(ctx, entryID)
}

// Stats summarises the catalog and queue.
func (m *Manager) Stats(ctx context.Context) (models.StoreStats, error) {
	return m.store.Stats(ctx)
}

// CacheStats reports the number and total size of cached listings.
func (m *Manager) CacheStats() (int, int64, error) {
	return m.cache.Stats()
}

// ClearCache drops every cached listing.
func (m *Manager) ClearCache() error {
	return m.cache.Clear()
}

// DownloadSelection copies the selected files of the session listing
// straight away, without queueing them. Directories in the selection are
// skipped. Files land in a sub-folder of dest named after the remote
// directory.
func (m *Manager) DownloadSelection(ctx context.Context, s *Session, token, dest string) (models.BatchResult, error) {
	selected, err := m.Select(s, token)
	if err != nil {
		return models.BatchResult{}, err
	}
	entries := make([]models.Entry, 0, len(selected))
	for _, e := range selected {
		if e.IsDir() {
			log.Warnf("Skipping directory %s", e.Path)
			continue
		}
		entries = append(entries, e)
	}
	if dest == "" {
		dest = m.cfg.DefaultDestination
	}
	if sub := helpers.RemoteBase(s.CurrentPath); sub != "" && dest != "" {
		dest = filepath.Join(dest, sub)
	}
	return m.RunAdHoc(ctx, entries, dest)
}

// RunAdHoc copies entries to dest without touching the queue.
func (m *Manager) RunAdHoc(ctx context.Context, entries []models.Entry, dest string) (models.BatchResult, error) {
	if !m.runMu.TryLock() {
		return models.BatchResult{}, ErrBatchRunning
	}
	defer m.runMu.Unlock()

	jobs := make([]models.TransferJob, 0, len(entries))
	for _, e := range entries {
		jobs = append(jobs, models.TransferJob{Entry: e, Destination: dest})
	}
	return m.executor.Run(ctx, jobs, m.cfg.DefaultDestination), nil
}

// RunQueue downloads every queued item in queue order. dest, when set,
// replaces the configured default for items without their own destination.
func (m *Manager) RunQueue(ctx context.Context, dest string) (models.BatchResult, error) {
	if !m.runMu.TryLock() {
		return models.BatchResult{}, ErrBatchRunning
	}
	defer m.runMu.Unlock()

	items, err := m.store.ListQueue(ctx, models.StatusQueued)
	if err != nil {
		return models.BatchResult{}, err
	}
	if dest == "" {
		dest = m.cfg.DefaultDestination
	}
	return m.executor.Run(ctx, JobsFromQueue(items), dest), nil
}

// StartQueue is RunQueue in the background. The batch lock is taken before
// it returns, so ErrBatchRunning is reported synchronously. The result is
// delivered on the returned channel.
func (m *Manager) StartQueue(ctx context.Context, dest string) (<-chan models.BatchResult, error) {
	if !m.runMu.TryLock() {
		return nil, ErrBatchRunning
	}
	items, err := m.store.ListQueue(ctx, models.StatusQueued)
	if err != nil {
		m.runMu.Unlock()
		return nil, err
	}
	if dest == "" {
		dest = m.cfg.DefaultDestination
	}

	done := make(chan models.BatchResult, 1)
	go func() {
		defer m.runMu.Unlock()
		res := m.executor.Run(ctx, JobsFromQueue(items), dest)
		log.WithFields(log.Fields{
			"batch":     res.ID,
			"succeeded": len(res.Succeeded),
			"failed":    len(res.Failed),
			"pending":   len(res.Pending),
		}).Info("Background batch finished")
		done <- res
	}()
	return done, nil
}

// Running reports whether a batch is in progress.
func (m *Manager) Running() bool {
	if m.runMu.TryLock() {
		m.runMu.Unlock()
		return false
	}
	return true
}

// JobsFromQueue turns queue items into executor jobs.
func JobsFromQueue(items []models.QueueItem) []models.TransferJob {
	jobs := make([]models.TransferJob, 0, len(items))
	for _, it := range items {
		jobs = append(jobs, models.TransferJob{
			QueueItemID: it.ID,
			Destination: it.Destination,
			Entry: models.Entry{
				ID:   it.EntryID,
				Path: it.RemotePath,
				Dir:  helpers.NormalizeRemotePath(it.RemotePath + "/.."),
				Name: it.Name,
				Kind: models.KindFile,
				Size: it.Size,
			},
		})
	}
	return jobs
}
