package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go-remote-download/internal/agent"
	"go-remote-download/internal/database"
	"go-remote-download/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	mu     sync.Mutex
	fail   map[string]error
	copied []string
	onCopy func(remotePath string)
}

func (f *fakeAgent) List(context.Context, string) ([]models.RemoteItem, error) { return nil, nil }

func (f *fakeAgent) Copy(ctx context.Context, remotePath, localDir string) (string, error) {
	if f.onCopy != nil {
		f.onCopy(remotePath)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[remotePath]; err != nil {
		return "", err
	}
	f.copied = append(f.copied, remotePath)
	final := filepath.Join(localDir, filepath.Base(remotePath))
	return final, os.WriteFile(final, []byte("data"), 0644)
}

type recordedStatus struct {
	completed map[int64]string
	failed    map[int64]string
}

func newRecordedStatus() *recordedStatus {
	return &recordedStatus{completed: map[int64]string{}, failed: map[int64]string{}}
}

func (r *recordedStatus) MarkCompleted(_ context.Context, id int64, finalPath string) error {
	r.completed[id] = finalPath
	return nil
}

func (r *recordedStatus) MarkFailed(_ context.Context, id int64, reason string) error {
	r.failed[id] = reason
	return nil
}

func size(n int64) *int64 { return &n }

func fileJob(id int64, p string) models.TransferJob {
	return models.TransferJob{
		QueueItemID: id,
		Entry:       models.Entry{Path: p, Name: filepath.Base(p), Kind: models.KindFile, Size: size(4)},
	}
}

func newTestExecutor(a agent.Agent, s StatusUpdater, opts Options) *Executor {
	e := New(a, s, opts)
	e.freeSpace = func(string) (uint64, error) { return 1 << 40, nil }
	return e
}

func TestRunAggregatesFailures(t *testing.T) {
	dest := t.TempDir()
	fa := &fakeAgent{fail: map[string]error{"/r/two.mkv": errors.New("connection reset")}}
	status := newRecordedStatus()
	e := newTestExecutor(fa, status, Options{})

	jobs := []models.TransferJob{fileJob(1, "/r/one.mkv"), fileJob(2, "/r/two.mkv"), fileJob(3, "/r/three.mkv")}
	res := e.Run(context.Background(), jobs, dest)

	assert.NotEmpty(t, res.ID)
	assert.False(t, res.Interrupted)
	require.Len(t, res.Succeeded, 2)
	assert.Equal(t, int64(1), res.Succeeded[0].Job.QueueItemID)
	assert.Equal(t, int64(3), res.Succeeded[1].Job.QueueItemID)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, int64(2), res.Failed[0].Job.QueueItemID)
	assert.Equal(t, "connection reset", res.Failed[0].Reason)

	assert.Equal(t, filepath.Join(dest, "one.mkv"), status.completed[1])
	assert.Equal(t, filepath.Join(dest, "three.mkv"), status.completed[3])
	assert.Equal(t, "connection reset", status.failed[2])
	assert.NoError(t, Interrupted(res))
}

func TestRunAgainstStore(t *testing.T) {
	ctx := context.Background()
	store, err := database.Open(filepath.Join(t.TempDir(), "remote_files.db"), database.Options{})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.UpsertScan(ctx, "/r", []models.Entry{
		{Name: "one.mkv", Kind: models.KindFile, Size: size(4)},
		{Name: "two.mkv", Kind: models.KindFile, Size: size(4)},
		{Name: "three.mkv", Kind: models.KindFile, Size: size(4)},
	})
	require.NoError(t, err)

	var jobs []models.TransferJob
	for _, name := range []string{"one.mkv", "two.mkv", "three.mkv"} {
		entry, err := store.GetByPath(ctx, "/r/"+name)
		require.NoError(t, err)
		item, err := store.Enqueue(ctx, entry.ID, "", "")
		require.NoError(t, err)
		jobs = append(jobs, models.TransferJob{QueueItemID: item.ID, Entry: entry})
	}

	fa := &fakeAgent{fail: map[string]error{"/r/two.mkv": errors.New("no such file")}}
	res := newTestExecutor(fa, store, Options{}).Run(ctx, jobs, t.TempDir())
	assert.Len(t, res.Succeeded, 2)
	assert.Len(t, res.Failed, 1)

	completed, err := store.ListQueue(ctx, models.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, "one.mkv", completed[0].Name)
	assert.Equal(t, "three.mkv", completed[1].Name)

	failed, err := store.ListQueue(ctx, models.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "two.mkv", failed[0].Name)
	assert.Equal(t, "no such file", failed[0].Reason)
}

func TestRunCancellationLeavesItemQueued(t *testing.T) {
	dest := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fa := &fakeAgent{onCopy: func(p string) {
		if p == "/r/two.mkv" {
			cancel()
		}
	}}
	status := newRecordedStatus()
	jobs := []models.TransferJob{fileJob(1, "/r/one.mkv"), fileJob(2, "/r/two.mkv"), fileJob(3, "/r/three.mkv")}
	res := newTestExecutor(fa, status, Options{}).Run(ctx, jobs, dest)

	assert.True(t, res.Interrupted)
	require.Len(t, res.Succeeded, 1)
	assert.Empty(t, res.Failed, "the interrupted item is not a failure")
	require.Len(t, res.Pending, 2)
	assert.Equal(t, int64(2), res.Pending[0].QueueItemID)

	assert.Contains(t, status.completed, int64(1))
	assert.NotContains(t, status.completed, int64(2))
	assert.NotContains(t, status.failed, int64(2))

	err := Interrupted(res)
	assert.True(t, errors.Is(err, ErrInterrupted))
}

func TestRunDestinationHandling(t *testing.T) {
	root := t.TempDir()
	missing := filepath.Join(root, "new", "dir")
	notDir := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0644))

	tests := []struct {
		name    string
		create  bool
		dest    string
		deflt   string
		wantOK  bool
		wantErr error
	}{
		{"Creates missing directory", true, missing, "", true, nil},
		{"Refuses to create", false, filepath.Join(root, "other"), "", false, ErrDestinationUnavailable},
		{"Not a directory", true, notDir, "", false, ErrDestinationUnavailable},
		{"Falls back to default", false, "", root, true, nil},
		{"No destination at all", true, "", "", false, ErrDestinationUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := fileJob(0, "/r/a.mkv")
			job.Destination = tt.dest
			res := newTestExecutor(&fakeAgent{}, nil, Options{CreateDestinations: tt.create}).
				Run(context.Background(), []models.TransferJob{job}, tt.deflt)
			if tt.wantOK {
				require.Len(t, res.Succeeded, 1)
				return
			}
			require.Len(t, res.Failed, 1)
			assert.True(t, errors.Is(res.Failed[0].Err, tt.wantErr))
		})
	}
}

func TestRunInsufficientSpace(t *testing.T) {
	e := New(&fakeAgent{}, nil, Options{MinFreeBytes: 100})
	e.freeSpace = func(string) (uint64, error) { return 50, nil }

	res := e.Run(context.Background(), []models.TransferJob{fileJob(0, "/r/a.mkv")}, t.TempDir())
	require.Len(t, res.Failed, 1)
	assert.True(t, errors.Is(res.Failed[0].Err, ErrDestinationUnavailable))
	assert.Contains(t, res.Failed[0].Reason, "free")
}

func TestRunAdHocAndDirectories(t *testing.T) {
	status := newRecordedStatus()
	dir := models.TransferJob{Entry: models.Entry{Path: "/r/season1", Name: "season1", Kind: models.KindDirectory}}

	var started, done int
	e := newTestExecutor(&fakeAgent{}, status, Options{
		OnStart: func(int, int, models.TransferJob) { started++ },
		OnDone:  func(int, int, models.TransferOutcome, bool) { done++ },
	})
	res := e.Run(context.Background(), []models.TransferJob{fileJob(0, "/r/a.mkv"), dir}, t.TempDir())

	assert.Len(t, res.Succeeded, 1)
	require.Len(t, res.Failed, 1)
	assert.True(t, errors.Is(res.Failed[0].Err, agent.ErrNotAFile))
	assert.Empty(t, status.completed, "ad-hoc jobs are not tracked in the queue")
	assert.Empty(t, status.failed)
	assert.Equal(t, 2, started)
	assert.Equal(t, 2, done)
}

func TestRunRecordsDuration(t *testing.T) {
	e := newTestExecutor(&fakeAgent{}, nil, Options{})
	clock := time.Unix(0, 0)
	e.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	res := e.Run(context.Background(), nil, t.TempDir())
	assert.Equal(t, time.Second, res.Duration)
}
