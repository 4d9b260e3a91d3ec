package manager

import (
	"context"
	"fmt"

	"go-remote-download/internal/agent"
	"go-remote-download/internal/models"
	"go-remote-download/internal/selection"
)

// Enqueue queues catalog entries by id. Every id is checked before anything
// is queued, so a bad id queues nothing.
func (m *Manager) Enqueue(ctx context.Context, ids []int64, dest, note string) ([]models.QueueItem, error) {
	entries, err := m.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return m.enqueueEntries(ctx, entries, dest, note)
}

// EnqueueSelection parses token (e.g. "1,3,5-9") as catalog ids.
func (m *Manager) EnqueueSelection(ctx context.Context, token, dest, note string) ([]models.QueueItem, error) {
	maxID, err := m.store.MaxID(ctx)
	if err != nil {
		return nil, err
	}
	indices, err := selection.Parse(token, int(maxID))
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(indices))
	for _, i := range indices {
		ids = append(ids, int64(i))
	}
	return m.Enqueue(ctx, ids, dest, note)
}

// EnqueueFromSearch applies token to the numbered results of a catalog
// search, the same way a browse selection applies to a listing.
func (m *Manager) EnqueueFromSearch(ctx context.Context, opts models.SearchOptions, token, dest, note string) ([]models.QueueItem, error) {
	results, err := m.store.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	selected, err := selection.Resolve(token, results)
	if err != nil {
		return nil, err
	}
	return m.enqueueEntries(ctx, selected, dest, note)
}

// EnqueueFromSession queues a selection from the browse listing. The listing
// is recorded in the catalog first so every entry has an id.
func (m *Manager) EnqueueFromSession(ctx context.Context, s *Session, token, dest, note string) ([]models.QueueItem, error) {
	selected, err := m.Select(s, token)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.UpsertScan(ctx, s.CurrentPath, s.Listing); err != nil {
		return nil, err
	}
	stored := make([]models.Entry, 0, len(selected))
	for _, e := range selected {
		se, err := m.store.GetByPath(ctx, e.Path)
		if err != nil {
			return nil, err
		}
		stored = append(stored, se)
	}
	return m.enqueueEntries(ctx, stored, dest, note)
}

func (m *Manager) enqueueEntries(ctx context.Context, entries []models.Entry, dest, note string) ([]models.QueueItem, error) {
	for _, e := range entries {
		if e.IsDir() {
			return nil, fmt.Errorf("%w: entry %d (%s) is a directory", agent.ErrNotAFile, e.ID, e.Path)
		}
	}
	items := make([]models.QueueItem, 0, len(entries))
	for _, e := range entries {
		it, err := m.store.Enqueue(ctx, e.ID, dest, note)
		if err != nil {
			return items, err
		}
		items = append(items, it)
	}
	return items, nil
}

// Dequeue removes queue items. Unknown ids are ignored.
func (m *Manager) Dequeue(ctx context.Context, ids ...int64) error {
	for _, id := range ids {
		if err := m.store.Dequeue(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ClearQueue removes every queued item and keeps history.
func (m *Manager) ClearQueue(ctx context.Context) (int64, error) {
	return m.store.ClearQueue(ctx)
}

// ListQueue lists queue items, optionally by status.
func (m *Manager) ListQueue(ctx context.Context, status models.QueueStatus) ([]models.QueueItem, error) {
	return m.store.ListQueue(ctx, status)
}

// ExportQueue returns the items still waiting to be downloaded.
func (m *Manager) ExportQueue(ctx context.Context) ([]models.QueueItem, error) {
	return m.store.ExportQueue(ctx)
}

// MarkCompleted records a download done outside a batch.
func (m *Manager) MarkCompleted(ctx context.Context, id int64, finalPath string) error {
	return m.store.MarkCompleted(ctx, id, finalPath)
}

// MarkFailed records a download that failed outside a batch.
func (m *Manager) MarkFailed(ctx context.Context, id int64, reason string) error {
	return m.store.MarkFailed(ctx, id, reason)
}
