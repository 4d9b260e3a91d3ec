package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go-remote-download/internal/models"

	log "github.com/sirupsen/logrus"
)

const queueColumns = `q.id, q.entry_id, e.path, e.name, e.size, COALESCE(q.destination, ''), q.status,
	q.note, q.reason, q.final_path, q.queued_at, q.finished_at`

func scanQueueItem(r rowScanner) (models.QueueItem, error) {
	var (
		it       models.QueueItem
		size     sql.NullInt64
		status   string
		queuedAt int64
		finished sql.NullInt64
	)
	if err := r.Scan(&it.ID, &it.EntryID, &it.RemotePath, &it.Name, &size, &it.Destination, &status,
		&it.Note, &it.Reason, &it.FinalPath, &queuedAt, &finished); err != nil {
		return models.QueueItem{}, err
	}
	it.Status = models.QueueStatus(status)
	if size.Valid {
		v := size.Int64
		it.Size = &v
	}
	it.QueuedAt = fromMillis(queuedAt)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		it.FinishedAt = &t
	}
	return it, nil
}

func getQueueItem(ctx context.Context, q querier, id int64) (models.QueueItem, error) {
	it, err := scanQueueItem(q.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue_items q JOIN entries e ON e.id = q.entry_id WHERE q.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueItem{}, fmt.Errorf("%w: queue item %d", ErrNotFound, id)
	}
	return it, err
}

// Enqueue queues an entry for download. If the entry already has a queued
// item, that item is updated in place: a non-empty destination or note
// replaces the stored one.
func (s *Store) Enqueue(ctx context.Context, entryID int64, destination, note string) (models.QueueItem, error) {
	var item models.QueueItem
	err := s.withTx(ctx, "enqueue", func(q querier) error {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE id = ?`, entryID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: entry %d", ErrNotFound, entryID)
			}
			return err
		}

		var id int64
		err := q.QueryRowContext(ctx,
			`SELECT id FROM queue_items WHERE entry_id = ? AND status = 'queued'`, entryID).Scan(&id)
		switch {
		case err == nil:
			if _, err := q.ExecContext(ctx, `
				UPDATE queue_items SET
					destination = CASE WHEN ? = '' THEN destination ELSE ? END,
					note = CASE WHEN ? = '' THEN note ELSE ? END
				WHERE id = ?`,
				destination, destination, note, note, id); err != nil {
				return err
			}
		case errors.Is(err, sql.ErrNoRows):
			var dest any
			if destination != "" {
				dest = destination
			}
			res, err := q.ExecContext(ctx,
				`INSERT INTO queue_items (entry_id, destination, status, note, queued_at) VALUES (?, ?, 'queued', ?, ?)`,
				entryID, dest, note, toMillis(s.now()))
			if err != nil {
				return err
			}
			if id, err = res.LastInsertId(); err != nil {
				return err
			}
		default:
			return err
		}

		item, err = getQueueItem(ctx, q, id)
		return err
	})
	if err != nil {
		return models.QueueItem{}, err
	}
	log.WithFields(log.Fields{"id": item.ID, "path": item.RemotePath}).Debug("Queued")
	return item, nil
}

// Dequeue removes a queue item whatever its status. Unknown ids are ignored.
func (s *Store) Dequeue(ctx context.Context, id int64) error {
	return s.withTx(ctx, "dequeue", func(q querier) error {
		_, err := q.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
		return err
	})
}

// ClearQueue removes every queued item and keeps completed and failed history.
func (s *Store) ClearQueue(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, "clear_queue", func(q querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM queue_items WHERE status = 'queued'`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// ListQueue returns queue items in the order they were queued. An empty
// status lists everything.
func (s *Store) ListQueue(ctx context.Context, status models.QueueStatus) ([]models.QueueItem, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown queue status %q", ErrInvalidFilter, status)
	}
	query := `SELECT ` + queueColumns + ` FROM queue_items q JOIN entries e ON e.id = q.entry_id`
	var args []any
	if status != "" {
		query += ` WHERE q.status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY q.queued_at ASC, q.id ASC`

	var out []models.QueueItem
	err := s.read(ctx, "list_queue", func(q querier) error {
		out = nil
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			it, err := scanQueueItem(rows)
			if err != nil {
				return err
			}
			out = append(out, it)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return out, nil
}

// ExportQueue returns the items still waiting to be downloaded.
func (s *Store) ExportQueue(ctx context.Context) ([]models.QueueItem, error) {
	return s.ListQueue(ctx, models.StatusQueued)
}

// GetQueueItem returns one queue item or ErrNotFound.
func (s *Store) GetQueueItem(ctx context.Context, id int64) (models.QueueItem, error) {
	var it models.QueueItem
	err := s.read(ctx, "get_queue_item", func(q querier) error {
		var err error
		it, err = getQueueItem(ctx, q, id)
		return err
	})
	return it, err
}

// MarkCompleted moves a queued item to completed, recording where it landed.
func (s *Store) MarkCompleted(ctx context.Context, id int64, finalPath string) error {
	return s.transition(ctx, id, models.StatusCompleted, finalPath, "")
}

// MarkFailed moves a queued item to failed, recording why.
func (s *Store) MarkFailed(ctx context.Context, id int64, reason string) error {
	return s.transition(ctx, id, models.StatusFailed, "", reason)
}

func (s *Store) transition(ctx context.Context, id int64, to models.QueueStatus, finalPath, reason string) error {
	return s.withTx(ctx, "mark_"+string(to), func(q querier) error {
		var current string
		err := q.QueryRowContext(ctx, `SELECT status FROM queue_items WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: queue item %d", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if models.QueueStatus(current) != models.StatusQueued {
			return fmt.Errorf("%w: queue item %d is %s, cannot mark %s", ErrInvalidTransition, id, current, to)
		}
		_, err = q.ExecContext(ctx,
			`UPDATE queue_items SET status = ?, final_path = ?, reason = ?, finished_at = ? WHERE id = ?`,
			string(to), finalPath, reason, toMillis(s.now()), id)
		return err
	})
}
