package manager

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go-remote-download/index"
	"go-remote-download/internal/agent"
	"go-remote-download/internal/database"
	"go-remote-download/internal/dircache"
	"go-remote-download/internal/executor"
	"go-remote-download/internal/models"
	"go-remote-download/internal/selection"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// treeAgent serves an in-memory remote tree.
type treeAgent struct {
	mu      sync.Mutex
	dirs    map[string][]models.RemoteItem
	listErr error
	lists   int
	block   chan struct{} // When set, Copy waits on it
}

func size(n int64) *int64 { return &n }

func newTreeAgent() *treeAgent {
	mod := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &treeAgent{dirs: map[string][]models.RemoteItem{
		"/media": {
			{Name: "shows", Kind: models.KindDirectory, ModifiedAt: mod.Add(time.Hour)},
			{Name: "film.mkv", Kind: models.KindFile, Size: size(4), ModifiedAt: mod},
			{Name: "notes.txt", Kind: models.KindFile, Size: size(4), ModifiedAt: mod},
		},
		"/media/shows": {
			{Name: "ep1.mkv", Kind: models.KindFile, Size: size(4), ModifiedAt: mod},
			{Name: "broken", Kind: models.KindDirectory, ModifiedAt: mod},
		},
	}}
}

func (a *treeAgent) List(_ context.Context, p string) ([]models.RemoteItem, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lists++
	if a.listErr != nil {
		return nil, a.listErr
	}
	items, ok := a.dirs[p]
	if !ok {
		return nil, errors.New("permission denied")
	}
	return items, nil
}

func (a *treeAgent) Copy(ctx context.Context, remotePath, localDir string) (string, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	final := filepath.Join(localDir, path.Base(remotePath))
	return final, os.WriteFile(final, []byte("data"), 0644)
}

type fixture struct {
	m     *Manager
	agent *treeAgent
	store *database.Store
	clock *time.Time
	dest  string
}

func newFixture(t *testing.T, withIndex bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store, err := database.Open(filepath.Join(dir, "remote_files.db"), database.Options{Now: clock})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ta := newTreeAgent()
	cache := dircache.New(ta, time.Minute, dircache.WithClock(clock))

	cfg := models.Config{RemoteBasePath: "/media", DefaultDestination: filepath.Join(dir, "downloads")}
	require.NoError(t, os.MkdirAll(cfg.DefaultDestination, 0755))

	opts := Options{Store: store, Cache: cache, Agent: ta, Executor: executor.Options{CreateDestinations: true}}
	if withIndex {
		cfg.BleveIndexPath = filepath.Join(dir, "catalog.bleve")
		bi, err := index.OpenOrCreateIndex(cfg.BleveIndexPath)
		require.NoError(t, err)
		opts.Index = bi
	}
	opts.Config = cfg
	m := New(opts)
	t.Cleanup(func() { m.Close() })
	return &fixture{m: m, agent: ta, store: store, clock: &now, dest: cfg.DefaultDestination}
}

func names(entries []models.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestBrowseAndEnter(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	s := f.m.NewSession()
	assert.Equal(t, "/media", s.CurrentPath)

	require.NoError(t, f.m.Browse(ctx, s, s.CurrentPath, false))
	assert.False(t, s.FromCache)
	assert.Equal(t, []string{"shows", "film.mkv", "notes.txt"}, names(s.Listing))

	require.NoError(t, f.m.Enter(ctx, s, "1"))
	assert.Equal(t, "/media/shows", s.CurrentPath)

	require.NoError(t, f.m.Enter(ctx, s, ".."))
	assert.Equal(t, "/media", s.CurrentPath)
	assert.True(t, s.FromCache, "parent listing is still fresh")
	assert.Equal(t, 2, f.agent.lists)

	err := f.m.Enter(ctx, s, "2")
	assert.True(t, errors.Is(err, agent.ErrNotAFile))
	err = f.m.Enter(ctx, s, "1-2")
	assert.True(t, errors.Is(err, selection.ErrInvalidToken))
}

func TestBrowseFallsBackToStaleListing(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	s := f.m.NewSession()
	require.NoError(t, f.m.Browse(ctx, s, "/media", false))

	*f.clock = f.clock.Add(2 * time.Minute)
	f.agent.listErr = errors.New("connection reset")

	require.NoError(t, f.m.Browse(ctx, s, "/media", false))
	assert.True(t, s.Stale)
	assert.Equal(t, 2*time.Minute, s.Age)
	assert.Len(t, s.Listing, 3)

	err := f.m.Browse(ctx, s, "/media", true)
	assert.True(t, errors.Is(err, dircache.ErrListFailed))

	err = f.m.Browse(ctx, s, "/elsewhere", false)
	assert.True(t, errors.Is(err, dircache.ErrListFailed), "nothing cached to fall back on")
}

func TestScanRecursiveSkipsUnreadableDirs(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	n, err := f.m.Scan(ctx, "/media", true)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	all, err := f.m.Search(ctx, models.SearchOptions{Pattern: "*.mkv"})
	require.NoError(t, err)
	got := names(all)
	sort.Strings(got)
	assert.Equal(t, []string{"ep1.mkv", "film.mkv"}, got)

	hits, err := f.m.FullTextSearch(ctx, "+ext:mkv", 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	_, err = f.m.Scan(ctx, "/missing", false)
	assert.True(t, errors.Is(err, dircache.ErrListFailed))
}

func TestFullTextSearchDisabled(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.m.FullTextSearch(context.Background(), "film", 0)
	assert.ErrorIs(t, err, ErrIndexDisabled)
	_, err = f.m.Reindex(context.Background())
	assert.ErrorIs(t, err, ErrIndexDisabled)
}

func TestBrowseWithFolderSizes(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	s := f.m.NewSession()
	assert.False(t, s.ShowFolderSizes)

	require.NoError(t, f.m.Browse(ctx, s, "/media", false))
	assert.Nil(t, s.FolderSizes)

	s.ShowFolderSizes = true
	require.NoError(t, f.m.Browse(ctx, s, "/media", false))
	assert.Equal(t, map[string]int64{"shows": 4}, s.FolderSizes, "unreadable shows/broken counts as empty")

	// Sizes are reused from the cached listing.
	lists := f.agent.lists
	require.NoError(t, f.m.Browse(ctx, s, "/media", false))
	assert.Equal(t, lists, f.agent.lists)
	assert.EqualValues(t, 4, s.FolderSizes["shows"])
}

func TestIndexOpensOnFirstUse(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	cfg := f.m.Config()
	cfg.BleveIndexPath = filepath.Join(t.TempDir(), "catalog.bleve")
	newManager := func() *Manager {
		m := New(Options{Config: cfg, Store: f.store, Cache: dircache.New(f.agent, time.Minute), Agent: f.agent})
		t.Cleanup(func() { m.Close() })
		return m
	}

	m := newManager()
	_, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.NoDirExists(t, cfg.BleveIndexPath, "catalog-only calls leave the index closed")

	_, err = m.Scan(ctx, "/media", false)
	require.NoError(t, err)
	hits, err := m.FullTextSearch(ctx, "+ext:mkv", 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	// A second holder gets ErrIndexBusy instead of waiting on the lock.
	other := newManager()
	_, err = other.FullTextSearch(ctx, "film", 0)
	assert.ErrorIs(t, err, index.ErrIndexBusy)
	_, err = other.Reindex(ctx)
	assert.ErrorIs(t, err, index.ErrIndexBusy)
	assert.DirExists(t, cfg.BleveIndexPath)

	film, err := f.store.GetByPath(ctx, "/media/film.mkv")
	require.NoError(t, err)
	assert.NoError(t, other.SetNote(ctx, film.ID, "kept in the catalog"))
}

func TestReindexAndNotes(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.m.Scan(ctx, "/media", false)
	require.NoError(t, err)

	film, err := f.store.GetByPath(ctx, "/media/film.mkv")
	require.NoError(t, err)
	require.NoError(t, f.m.SetNote(ctx, film.ID, "director's cut"))

	hits, err := f.m.FullTextSearch(ctx, "note:director", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, film.ID, hits[0].ID)

	n, err := f.m.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	hits, err = f.m.FullTextSearch(ctx, "note:director", 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestEnqueueVariants(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	_, err := f.m.Scan(ctx, "/media", false)
	require.NoError(t, err)

	shows, err := f.store.GetByPath(ctx, "/media/shows")
	require.NoError(t, err)
	film, err := f.store.GetByPath(ctx, "/media/film.mkv")
	require.NoError(t, err)

	_, err = f.m.Enqueue(ctx, []int64{film.ID, shows.ID}, "", "")
	assert.True(t, errors.Is(err, agent.ErrNotAFile))
	queued, err := f.m.ListQueue(ctx, models.StatusQueued)
	require.NoError(t, err)
	assert.Empty(t, queued, "a rejected batch queues nothing")

	_, err = f.m.Enqueue(ctx, []int64{film.ID, 999}, "", "")
	assert.True(t, errors.Is(err, database.ErrNotFound))

	items, err := f.m.EnqueueFromSearch(ctx, models.SearchOptions{Ext: "txt"}, "1", "/tmp/x", "read me")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "notes.txt", items[0].Name)
	assert.Equal(t, "/tmp/x", items[0].Destination)

	_, err = f.m.EnqueueSelection(ctx, "0", "", "")
	assert.True(t, errors.Is(err, selection.ErrIndexOutOfRange))
	items, err = f.m.EnqueueSelection(ctx, "2", "", "")
	require.NoError(t, err)
	require.Len(t, items, 1)

	queued, err = f.m.ListQueue(ctx, models.StatusQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	n, err := f.m.ClearQueue(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestEnqueueFromSessionRecordsListing(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	s := f.m.NewSession()
	require.NoError(t, f.m.Browse(ctx, s, "/media", false))

	items, err := f.m.EnqueueFromSession(ctx, s, "all", "", "")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "/media/film.mkv", items[0].RemotePath)
	assert.NotZero(t, items[0].EntryID)

	_, err = f.m.EnqueueFromSession(ctx, s, "1", "", "")
	assert.True(t, errors.Is(err, agent.ErrNotAFile))
}

func TestRunQueueMarksItems(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	s := f.m.NewSession()
	require.NoError(t, f.m.Browse(ctx, s, "/media", false))
	_, err := f.m.EnqueueFromSession(ctx, s, "2,3", "", "")
	require.NoError(t, err)

	res, err := f.m.RunQueue(ctx, "")
	require.NoError(t, err)
	assert.Len(t, res.Succeeded, 2)
	assert.Empty(t, res.Failed)
	assert.FileExists(t, filepath.Join(f.dest, "film.mkv"))

	done, err := f.m.ListQueue(ctx, models.StatusCompleted)
	require.NoError(t, err)
	assert.Len(t, done, 2)

	res, err = f.m.RunQueue(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, res.Succeeded, "nothing left queued")
}

func TestRunQueueRejectsConcurrentBatch(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	s := f.m.NewSession()
	require.NoError(t, f.m.Browse(ctx, s, "/media", false))
	_, err := f.m.EnqueueFromSession(ctx, s, "2", "", "")
	require.NoError(t, err)

	f.agent.block = make(chan struct{})
	done := make(chan models.BatchResult)
	go func() {
		res, _ := f.m.RunQueue(ctx, "")
		done <- res
	}()
	require.Eventually(t, f.m.Running, time.Second, 5*time.Millisecond)

	_, err = f.m.RunQueue(ctx, "")
	assert.ErrorIs(t, err, ErrBatchRunning)
	_, err = f.m.DownloadSelection(ctx, s, "3", "")
	assert.ErrorIs(t, err, ErrBatchRunning)

	close(f.agent.block)
	res := <-done
	assert.Len(t, res.Succeeded, 1)
	assert.False(t, f.m.Running())
}

func TestDownloadSelectionUsesDirectoryName(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	s := f.m.NewSession()
	require.NoError(t, f.m.Browse(ctx, s, "/media/shows", false))

	res, err := f.m.DownloadSelection(ctx, s, "1", "")
	require.NoError(t, err)
	require.Len(t, res.Succeeded, 1)
	assert.Equal(t, filepath.Join(f.dest, "shows", "ep1.mkv"), res.Succeeded[0].FinalPath)

	queued, err := f.m.ListQueue(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, queued, "ad-hoc downloads bypass the queue")
}

func TestParentDir(t *testing.T) {
	assert.Equal(t, "/", parentDir("/"))
	assert.Equal(t, "/media", parentDir("/media/shows/"))
	assert.Equal(t, "..", parentDir("."))
	assert.Equal(t, "docs", parentDir("docs/a"))
}

func TestJobsFromQueue(t *testing.T) {
	jobs := JobsFromQueue([]models.QueueItem{{ID: 3, EntryID: 9, RemotePath: "/a/b.mkv", Name: "b.mkv", Destination: "/dl"}})
	require.Len(t, jobs, 1)
	assert.EqualValues(t, 3, jobs[0].QueueItemID)
	assert.Equal(t, "/a", jobs[0].Entry.Dir)
	assert.Equal(t, "/dl", jobs[0].Destination)
}
