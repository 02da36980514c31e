// Package sqlstore is a resume.Strategy persisting offsets in a SQL table.
package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"tidemark/internal/resume"
	"tidemark/internal/storage"
	"tidemark/internal/storage/sqlmigrate"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store keeps one row per (name, offset key).
type Store struct {
	resume.AdapterHolder

	db   *storage.DB
	name string
	own  bool
}

// Open connects to dsn, applies migrations and returns a store for the
// offsets recorded under name.
func Open(ctx context.Context, dialect storage.Dialect, dsn, name string) (*Store, error) {
	db, err := storage.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db, name)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.own = true
	return s, nil
}

// New uses an already open db. Close leaves db open.
func New(ctx context.Context, db *storage.DB, name string) (*Store, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("resume store name is required")
	}
	if err := sqlmigrate.Apply(ctx, db, "resume", migrations, "migrations"); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, name: name}, nil
}

func (s *Store) Kind() string { return "sql" }

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return storage.ErrNotConfigured
	}
	return nil
}

func (s *Store) UpdateLastOffset(ctx context.Context, off resume.Offset) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	off, err := resume.ValidateOffset(off)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO resume_offsets (name, offset_key, offset_value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (name, offset_key) DO UPDATE SET
	offset_value = excluded.offset_value,
	updated_at = excluded.updated_at
`), s.name, off.Key, off.Value, off.UpdatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert offset: %w", err)
	}
	return nil
}

// Offsets lists the stored offsets, oldest update first.
func (s *Store) Offsets(ctx context.Context) ([]resume.Offset, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
SELECT offset_key, offset_value, updated_at
FROM resume_offsets
WHERE name = ?
ORDER BY updated_at ASC, offset_key ASC
`), s.name)
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}
	defer rows.Close()

	var out []resume.Offset
	for rows.Next() {
		var (
			off resume.Offset
			ms  int64
		)
		if err := rows.Scan(&off.Key, &off.Value, &ms); err != nil {
			return nil, fmt.Errorf("scan offset: %w", err)
		}
		off.UpdatedAt = time.UnixMilli(ms).UTC()
		out = append(out, off)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offsets: %w", err)
	}
	return out, nil
}

func (s *Store) LoadCache(ctx context.Context) error {
	a := s.Adapter()
	if a == nil {
		return resume.ErrNoAdapter
	}
	offs, err := s.Offsets(ctx)
	if err != nil {
		return err
	}
	resume.Restore(a, offs)
	return nil
}

// Delete forgets every offset stored under the store's name.
func (s *Store) Delete(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM resume_offsets WHERE name = ?"), s.name); err != nil {
		return fmt.Errorf("delete offsets: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || !s.own {
		return nil
	}
	return s.db.Close()
}
