package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go-remote-download/internal/models"
)

// SetSourceLink records the local path a remote entry came from. One link
// per entry; setting it again replaces it. The local path is not checked.
func (s *Store) SetSourceLink(ctx context.Context, entryID int64, sourcePath, note string) error {
	return s.withTx(ctx, "set_source_link", func(q querier) error {
		var exists int
		if err := q.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE id = ?`, entryID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: entry %d", ErrNotFound, entryID)
			}
			return err
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO source_links (entry_id, source_path, note) VALUES (?, ?, ?)
			ON CONFLICT(entry_id) DO UPDATE SET source_path = excluded.source_path, note = excluded.note`,
			entryID, sourcePath, note)
		return err
	})
}

// SourceLink returns the link recorded for an entry or ErrNotFound.
func (s *Store) SourceLink(ctx context.Context, entryID int64) (models.SourceLink, error) {
	link := models.SourceLink{EntryID: entryID}
	err := s.read(ctx, "get_source_link", func(q querier) error {
		return q.QueryRowContext(ctx,
			`SELECT source_path, note FROM source_links WHERE entry_id = ?`, entryID,
		).Scan(&link.SourcePath, &link.Note)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return models.SourceLink{}, fmt.Errorf("%w: source link for entry %d", ErrNotFound, entryID)
	}
	return link, err
}
