package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go-remote-download/internal/helpers"
	"go-remote-download/internal/metrics"
	"go-remote-download/internal/models"

	log "github.com/sirupsen/logrus"
)

const entryColumns = `id, path, dir, name, kind, size, modified_at, first_seen, last_seen, note`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (models.Entry, error) {
	var (
		e                             models.Entry
		kind                          string
		size                          sql.NullInt64
		modified, firstSeen, lastSeen int64
	)
	if err := r.Scan(&e.ID, &e.Path, &e.Dir, &e.Name, &kind, &size, &modified, &firstSeen, &lastSeen, &e.Note); err != nil {
		return models.Entry{}, err
	}
	e.Kind = models.Kind(kind)
	if size.Valid {
		v := size.Int64
		e.Size = &v
	}
	e.ModifiedAt = fromMillis(modified)
	e.FirstSeen = fromMillis(firstSeen)
	e.LastSeen = fromMillis(lastSeen)
	return e, nil
}

// UpsertScan records the children observed in one directory listing. Unseen
// paths are inserted; known paths get fresh metadata and last_seen while
// first_seen is kept. The whole batch commits or none of it does.
func (s *Store) UpsertScan(ctx context.Context, dir string, entries []models.Entry) (int, error) {
	dir = helpers.NormalizeRemotePath(dir)
	now := toMillis(s.now())

	err := s.withTx(ctx, "upsert_scan", func(q querier) error {
		for _, e := range entries {
			if e.Kind != models.KindFile && e.Kind != models.KindDirectory {
				return fmt.Errorf("entry %q has invalid kind %q", e.Name, e.Kind)
			}
			p := e.Path
			if p == "" {
				p = helpers.JoinRemote(dir, e.Name)
			}
			entryDir := e.Dir
			if entryDir == "" {
				entryDir = dir
			}
			var size any
			if e.Kind == models.KindFile && e.Size != nil {
				size = *e.Size
			}
			if _, err := q.ExecContext(ctx, `
				INSERT INTO entries (path, dir, name, kind, size, modified_at, first_seen, last_seen)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(path) DO UPDATE SET
					dir = excluded.dir,
					name = excluded.name,
					kind = excluded.kind,
					size = excluded.size,
					modified_at = excluded.modified_at,
					last_seen = excluded.last_seen`,
				p, entryDir, e.Name, string(e.Kind), size, toMillis(e.ModifiedAt), now, now,
			); err != nil {
				return fmt.Errorf("upsert %s: %w", p, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"dir": dir, "count": len(entries)}).Debug("Catalog updated from scan")
	return len(entries), nil
}

// Search matches names case-insensitively against pattern, which is a glob
// when it contains *, ? or [ and a plain substring otherwise. scope, when
// set, restricts results to paths below that remote directory.
func (s *Store) Search(ctx context.Context, pattern, scope string) ([]models.Entry, error) {
	return s.List(ctx, models.SearchOptions{Pattern: pattern, Scope: scope})
}

// List returns catalog entries matching filter, most recently seen first.
func (s *Store) List(ctx context.Context, filter models.SearchOptions) ([]models.Entry, error) {
	var (
		where []string
		args  []any
	)

	if pattern := strings.TrimSpace(filter.Pattern); pattern != "" {
		if strings.ContainsAny(pattern, "*?[") {
			where = append(where, `lower(name) GLOB lower(?)`)
		} else {
			where = append(where, `instr(lower(name), lower(?)) > 0`)
		}
		args = append(args, pattern)
	}

	if filter.Scope != "" {
		scope := helpers.NormalizeRemotePath(filter.Scope)
		if scope != "." {
			prefix := scope
			if !strings.HasSuffix(prefix, "/") {
				prefix += "/"
			}
			where = append(where, `instr(path, ?) = 1`)
			args = append(args, prefix)
		}
	}

	if filter.Kind != "" {
		if filter.Kind != models.KindFile && filter.Kind != models.KindDirectory {
			return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidFilter, filter.Kind)
		}
		where = append(where, `kind = ?`)
		args = append(args, string(filter.Kind))
	}

	if ext := strings.TrimPrefix(strings.TrimSpace(filter.Ext), "."); ext != "" {
		where = append(where, `lower(name) LIKE ? ESCAPE '\'`)
		args = append(args, "%."+escapeLike(strings.ToLower(ext)))
	}

	query := `SELECT ` + entryColumns + ` FROM entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY last_seen DESC, name ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	var out []models.Entry
	err := s.read(ctx, "list_entries", func(q querier) error {
		out = nil
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return out, nil
}

// GetByID returns one entry or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id int64) (models.Entry, error) {
	var e models.Entry
	err := s.read(ctx, "get_entry", func(q querier) error {
		var err error
		e, err = scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return models.Entry{}, fmt.Errorf("%w: entry %d", ErrNotFound, id)
	}
	return e, err
}

// GetByPath returns the entry stored for a remote path or ErrNotFound.
func (s *Store) GetByPath(ctx context.Context, remotePath string) (models.Entry, error) {
	remotePath = helpers.NormalizeRemotePath(remotePath)
	var e models.Entry
	err := s.read(ctx, "get_entry_by_path", func(q querier) error {
		var err error
		e, err = scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE path = ?`, remotePath))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return models.Entry{}, fmt.Errorf("%w: entry %s", ErrNotFound, remotePath)
	}
	return e, err
}

// GetByIDs returns entries in the order of ids. The first unknown id fails
// the whole lookup.
func (s *Store) GetByIDs(ctx context.Context, ids []int64) ([]models.Entry, error) {
	out := make([]models.Entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// MaxID returns the highest entry id, or zero for an empty catalog.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var maxID sql.NullInt64
	err := s.read(ctx, "max_entry_id", func(q querier) error {
		return q.QueryRowContext(ctx, `SELECT MAX(id) FROM entries`).Scan(&maxID)
	})
	if err != nil {
		return 0, err
	}
	return maxID.Int64, nil
}

// SetNote replaces the free-text note on an entry.
func (s *Store) SetNote(ctx context.Context, entryID int64, note string) error {
	return s.withTx(ctx, "set_note", func(q querier) error {
		res, err := q.ExecContext(ctx, `UPDATE entries SET note = ? WHERE id = ?`, note, entryID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: entry %d", ErrNotFound, entryID)
		}
		return nil
	})
}

// Stats summarises the catalog and the queue.
func (s *Store) Stats(ctx context.Context) (models.StoreStats, error) {
	var st models.StoreStats
	err := s.read(ctx, "stats", func(q querier) error {
		if err := q.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(CASE WHEN kind = 'file' THEN size ELSE 0 END), 0) FROM entries`,
		).Scan(&st.TotalEntries, &st.TotalBytes); err != nil {
			return err
		}
		return q.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(status = 'queued'), 0),
				COALESCE(SUM(status = 'completed'), 0),
				COALESCE(SUM(status = 'failed'), 0)
			FROM queue_items`,
		).Scan(&st.Queued, &st.Completed, &st.Failed)
	})
	if err != nil {
		return models.StoreStats{}, fmt.Errorf("stats: %w", err)
	}
	metrics.SetCatalogEntries(st.TotalEntries)
	return st, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
