package agent

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go-remote-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInfo struct {
	name string
	size int64
	mode fs.FileMode
	mod  time.Time
}

func (f fakeInfo) Name() string       { return f.name }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() fs.FileMode  { return f.mode }
func (f fakeInfo) ModTime() time.Time { return f.mod }
func (f fakeInfo) IsDir() bool        { return f.mode.IsDir() }
func (f fakeInfo) Sys() any           { return nil }

func TestItemsFromFileInfo(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	infos := []os.FileInfo{
		fakeInfo{name: ".", mode: fs.ModeDir, mod: base},
		fakeInfo{name: "old.mkv", size: 10, mode: 0644, mod: base},
		fakeInfo{name: "link", mode: fs.ModeSymlink, mod: base.Add(time.Hour)},
		fakeInfo{name: "new", mode: fs.ModeDir | 0755, size: 4096, mod: base.Add(2 * time.Hour)},
		fakeInfo{name: "b.srt", size: 1, mode: 0644, mod: base},
	}

	items := itemsFromFileInfo(infos)
	require.Len(t, items, 3)
	assert.Equal(t, "new", items[0].Name, "newest first")
	assert.Equal(t, models.KindDirectory, items[0].Kind)
	assert.Nil(t, items[0].Size, "directories carry no size")
	assert.Equal(t, "b.srt", items[1].Name, "ties broken by name")
	assert.Equal(t, "old.mkv", items[2].Name)
	require.NotNil(t, items[2].Size)
	assert.EqualValues(t, 10, *items[2].Size)
}

func TestWriteAtomically(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "movie.mkv")
	payload := bytes.Repeat([]byte("x"), 1<<16)
	mod := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)

	var lastWritten, lastTotal int64
	a := &SFTPAgent{Progress: func(_ string, written, total int64) {
		lastWritten, lastTotal = written, total
	}}
	err := a.writeAtomically(context.Background(), bytes.NewReader(payload), "/remote/movie.mkv", final, int64(len(payload)), mod)
	require.NoError(t, err)

	got, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.EqualValues(t, len(payload), lastWritten)
	assert.EqualValues(t, len(payload), lastTotal)

	info, err := os.Stat(final)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mod))
	assertNoTempFiles(t, dir)
}

func TestWriteAtomicallyCancelledLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "movie.mkv")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := &SFTPAgent{}
	err := a.writeAtomically(ctx, bytes.NewReader([]byte("data")), "/remote/movie.mkv", final, 4, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, statErr := os.Stat(final)
	assert.True(t, os.IsNotExist(statErr))
	assertNoTempFiles(t, dir)
}

func TestDisconnectedAgent(t *testing.T) {
	a := &SFTPAgent{}
	_, err := a.List(context.Background(), "/")
	assert.True(t, errors.Is(err, ErrNotConnected))
	_, err = a.Copy(context.Background(), "/a", t.TempDir())
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.NoError(t, a.Close())
}

func TestDialMissingKey(t *testing.T) {
	_, err := Dial(context.Background(), DialConfig{Host: "127.0.0.1", Port: 22, KeyPath: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading SSH key")
}

func TestDialConfigFrom(t *testing.T) {
	dc := DialConfigFrom(models.Config{RemoteHost: "nas", RemotePort: 2222, RemoteUser: "me", ConnectTimeoutSec: 5})
	assert.Equal(t, "nas", dc.Host)
	assert.Equal(t, 2222, dc.Port)
	assert.Equal(t, 5*time.Second, dc.Timeout)
}

type stubAgent struct {
	items   []models.RemoteItem
	copyErr error
}

func (s *stubAgent) List(_ context.Context, _ string) ([]models.RemoteItem, error) {
	return s.items, nil
}

func (s *stubAgent) Copy(_ context.Context, remotePath, localDir string) (string, error) {
	if s.copyErr != nil {
		return "", s.copyErr
	}
	return filepath.Join(localDir, filepath.Base(remotePath)), nil
}

func TestHistoryAgentWritesLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "download-history.log")
	inner := &stubAgent{items: []models.RemoteItem{{Name: "a"}}}
	h, err := NewHistoryAgent(inner, logPath)
	require.NoError(t, err)
	h.now = func() time.Time { return time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC) }

	_, err = h.List(context.Background(), "/media")
	require.NoError(t, err)
	final, err := h.Copy(context.Background(), "/media/a.mkv", "/dl")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/dl", "a.mkv"), final)

	inner.copyErr = errors.New("permission denied")
	_, err = h.Copy(context.Background(), "/media/b.mkv", "/dl")
	require.Error(t, err)
	require.NoError(t, h.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[2024-07-01 09:30:00] LIST: /media (1 entries)", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "[2024-07-01 09:30:00] SUCCESS: Downloaded /media/a.mkv to "))
	assert.Equal(t, "[2024-07-01 09:30:00] FAILED: Download of /media/b.mkv to /dl: permission denied", lines[2])
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestLazyDialsOnce(t *testing.T) {
	dials := 0
	fail := true
	l := NewLazy(func(context.Context) (Agent, error) {
		dials++
		if fail {
			return nil, errors.New("unreachable")
		}
		return &stubAgent{items: []models.RemoteItem{{Name: "x"}}}, nil
	})

	_, err := l.List(context.Background(), "/")
	require.Error(t, err)

	fail = false
	items, err := l.List(context.Background(), "/")
	require.NoError(t, err)
	assert.Len(t, items, 1)
	_, err = l.Copy(context.Background(), "/x", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, 2, dials, "a failed dial is retried, a good one is kept")
	assert.NoError(t, l.Close())
}
