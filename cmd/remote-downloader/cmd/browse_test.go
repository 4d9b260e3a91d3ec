package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-remote-download/internal/database"
	"go-remote-download/internal/dircache"
	"go-remote-download/internal/executor"
	"go-remote-download/internal/manager"
	"go-remote-download/internal/models"
)

// fakeRemote serves a fixed two-level tree.
type fakeRemote struct {
	dirs map[string][]models.RemoteItem
}

func sizePtr(n int64) *int64 { return &n }

func newFakeRemote() *fakeRemote {
	mod := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	return &fakeRemote{dirs: map[string][]models.RemoteItem{
		"/srv": {
			{Name: "sub", Kind: models.KindDirectory, ModifiedAt: mod},
			{Name: "a.mkv", Kind: models.KindFile, Size: sizePtr(4), ModifiedAt: mod},
			{Name: "b.srt", Kind: models.KindFile, Size: sizePtr(4), ModifiedAt: mod},
		},
		"/srv/sub": {
			{Name: "c.mkv", Kind: models.KindFile, Size: sizePtr(4), ModifiedAt: mod},
		},
	}}
}

func (f *fakeRemote) List(_ context.Context, p string) ([]models.RemoteItem, error) {
	items, ok := f.dirs[p]
	if !ok {
		return nil, errors.New("no such directory")
	}
	return items, nil
}

func (f *fakeRemote) Copy(_ context.Context, remotePath, localDir string) (string, error) {
	final := filepath.Join(localDir, path.Base(remotePath))
	return final, os.WriteFile(final, []byte("data"), 0644)
}

func newTestBrowser(t *testing.T, input string) (*browser, *bytes.Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := database.Open(filepath.Join(dir, "remote_files.db"), database.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	remote := newFakeRemote()
	dest := filepath.Join(dir, "downloads")
	require.NoError(t, os.MkdirAll(dest, 0755))

	mgr := manager.New(manager.Options{
		Config:   models.Config{RemoteBasePath: "/srv", DefaultDestination: dest},
		Store:    store,
		Cache:    dircache.New(remote, time.Minute),
		Agent:    remote,
		Executor: executor.Options{CreateDestinations: true},
	})
	t.Cleanup(func() { mgr.Close() })

	out := &bytes.Buffer{}
	b := &browser{
		mgr:       mgr,
		in:        bufio.NewScanner(strings.NewReader(input)),
		out:       out,
		exportDir: filepath.Join(dir, "exports"),
		dests:     []models.DownloadPath{{Name: "Default", Path: dest}},
		now:       func() time.Time { return time.Date(2024, 3, 2, 11, 30, 0, 0, time.UTC) },
	}
	return b, out, dest
}

func TestBrowserSession(t *testing.T) {
	script := strings.Join([]string{
		"1",   // open sub/
		"..",  // back to /srv
		"q 2", // queue a.mkv
		"2,3", // download a.mkv and b.srt
		"1",   // first destination
		"9",   // out of range
		"e",   // export
		"q",
	}, "\n") + "\n"
	b, out, dest := newTestBrowser(t, script)
	ctx := context.Background()

	require.NoError(t, b.run(ctx, "/srv", false))

	text := out.String()
	assert.Contains(t, text, "/srv/sub")
	assert.Contains(t, text, "c.mkv")
	assert.Contains(t, text, "Queued 1 file(s).")
	assert.Contains(t, text, "2 succeeded, 0 failed")
	assert.Contains(t, text, "Invalid input")
	assert.Contains(t, text, "Listing exported to")

	assert.FileExists(t, filepath.Join(dest, "a.mkv"))
	assert.FileExists(t, filepath.Join(dest, "b.srt"))

	items, err := b.mgr.ListQueue(ctx, models.StatusQueued)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "/srv/a.mkv", items[0].RemotePath)

	csvPath := filepath.Join(b.exportDir, "directory_listing_srv_20240302_113000.csv")
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Number,Name,Type,Size,Size (Bytes),Full Path,Modified")
	assert.Contains(t, string(data), "/srv/b.srt")
}

func TestBrowserCancelDestination(t *testing.T) {
	b, out, dest := newTestBrowser(t, "2\n0\nq\n")
	require.NoError(t, b.run(context.Background(), "/srv", false))

	assert.NotContains(t, out.String(), "succeeded")
	assert.NoFileExists(t, filepath.Join(dest, "a.mkv"))
}

func TestBrowserCreatesCustomDestination(t *testing.T) {
	custom := filepath.Join(t.TempDir(), "new", "folder")
	b, out, _ := newTestBrowser(t, "2\n2\n"+custom+"\ny\nq\n")
	require.NoError(t, b.run(context.Background(), "/srv", false))

	assert.Contains(t, out.String(), "does not exist. Create it?")
	assert.Contains(t, out.String(), "1 succeeded, 0 failed")
	assert.FileExists(t, filepath.Join(custom, "srv", "a.mkv"))
}

func TestBrowserTogglesFolderSizes(t *testing.T) {
	b, out, _ := newTestBrowser(t, "s\nq\n")
	require.NoError(t, b.run(context.Background(), "/srv", false))

	text := out.String()
	assert.Contains(t, text, "folder sizes (off)")
	assert.Contains(t, text, "folder sizes (on)")
	assert.Regexp(t, `1\s+sub/\s+4\.00B`, text)
}

func TestWriteListingCSV(t *testing.T) {
	mod := time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := writeListingCSV(&buf, []models.Entry{
		{Name: "sub", Path: "/srv/sub", Kind: models.KindDirectory, ModifiedAt: mod},
		{Name: "a.mkv", Path: "/srv/a.mkv", Kind: models.KindFile, Size: sizePtr(2048), ModifiedAt: mod},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "1,sub,Folder,,,/srv/sub,"))
	assert.True(t, strings.HasPrefix(lines[2], "2,a.mkv,File,"))
	assert.Contains(t, lines[2], ",2048,/srv/a.mkv,")
}
