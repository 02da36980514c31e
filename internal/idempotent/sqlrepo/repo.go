// Package sqlrepo is an idempotent.Repository stored in a SQL table.
//
// In orphan-lock mode (LockMaxAge > 0) an unconfirmed row is a lock held by
// the instance that added it. The holder refreshes created_at every
// KeepAliveInterval until it confirms or removes the key. A lock that has
// not been refreshed for LockMaxAge belongs to a dead instance and the next
// Add takes it over.
package sqlrepo

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tidemark/internal/logging"
	"tidemark/internal/storage"
	"tidemark/internal/storage/sqlmigrate"
	"tidemark/internal/telemetry"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Options struct {
	// Name scopes the keys; several consumers can share one table.
	Name              string
	LockMaxAge        time.Duration
	KeepAliveInterval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

type Repo struct {
	db   *storage.DB
	own  bool
	opts Options
	log  *slog.Logger

	mu   sync.Mutex
	held map[string]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

func Open(ctx context.Context, dialect storage.Dialect, dsn string, opts Options) (*Repo, error) {
	db, err := storage.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}
	r, err := New(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	r.own = true
	return r, nil
}

// New uses an already open db. Close leaves db open.
func New(ctx context.Context, db *storage.DB, opts Options) (*Repo, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return nil, errors.New("idempotent repository name is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockMaxAge > 0 && opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = opts.LockMaxAge / 3
	}
	if opts.LockMaxAge > 0 && opts.KeepAliveInterval >= opts.LockMaxAge {
		return nil, fmt.Errorf("keep-alive interval %s must be shorter than lock max age %s", opts.KeepAliveInterval, opts.LockMaxAge)
	}
	if err := sqlmigrate.Apply(ctx, db, "idempotent", migrations, "migrations"); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Repo{
		db:   db,
		opts: opts,
		log:  logging.Component("idempotent").With("repository", opts.Name),
		held: make(map[string]struct{}),
	}, nil
}

func (r *Repo) orphanLock() bool { return r.opts.LockMaxAge > 0 }

func (r *Repo) now() int64 { return r.opts.Now().UTC().UnixMilli() }

func (r *Repo) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r == nil || r.db == nil {
		return storage.ErrNotConfigured
	}
	return nil
}

func (r *Repo) Add(ctx context.Context, key string) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}
	var (
		res sql.Result
		err error
	)
	if r.orphanLock() {
		staleBefore := r.now() - r.opts.LockMaxAge.Milliseconds()
		res, err = r.db.ExecContext(ctx, r.db.Rebind(`
INSERT INTO processed_messages (processor_name, message_id, created_at, confirmed)
VALUES (?, ?, ?, 0)
ON CONFLICT (processor_name, message_id) DO UPDATE SET
	created_at = excluded.created_at
WHERE processed_messages.confirmed = 0 AND processed_messages.created_at < ?
`), r.opts.Name, key, r.now(), staleBefore)
	} else {
		res, err = r.db.ExecContext(ctx, r.db.Rebind(`
INSERT INTO processed_messages (processor_name, message_id, created_at, confirmed)
VALUES (?, ?, ?, 0)
ON CONFLICT (processor_name, message_id) DO NOTHING
`), r.opts.Name, key, r.now())
	}
	if err != nil {
		return false, fmt.Errorf("insert message id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message id: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if r.orphanLock() {
		r.mu.Lock()
		r.held[key] = struct{}{}
		r.mu.Unlock()
	}
	return true, nil
}

func (r *Repo) Contains(ctx context.Context, key string) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}
	var confirmed, created int64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
SELECT confirmed, created_at FROM processed_messages
WHERE processor_name = ? AND message_id = ?
`), r.opts.Name, key).Scan(&confirmed, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup message id: %w", err)
	}
	if !r.orphanLock() || confirmed == 1 {
		return true, nil
	}
	return created >= r.now()-r.opts.LockMaxAge.Milliseconds(), nil
}

func (r *Repo) Remove(ctx context.Context, key string) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}
	r.release(key)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
DELETE FROM processed_messages WHERE processor_name = ? AND message_id = ?
`), r.opts.Name, key)
	if err != nil {
		return false, fmt.Errorf("delete message id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete message id: %w", err)
	}
	return n > 0, nil
}

func (r *Repo) Confirm(ctx context.Context, key string) (bool, error) {
	if err := r.ready(ctx); err != nil {
		return false, err
	}
	r.release(key)
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE processed_messages SET confirmed = 1
WHERE processor_name = ? AND message_id = ?
`), r.opts.Name, key)
	if err != nil {
		return false, fmt.Errorf("confirm message id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm message id: %w", err)
	}
	return n > 0, nil
}

func (r *Repo) Clear(ctx context.Context) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.held = make(map[string]struct{})
	r.mu.Unlock()
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`
DELETE FROM processed_messages WHERE processor_name = ?
`), r.opts.Name); err != nil {
		return fmt.Errorf("clear message ids: %w", err)
	}
	return nil
}

// Keys lists the processed ids. In orphan-lock mode only confirmed ids are
// listed; open locks may still be taken over.
func (r *Repo) Keys(ctx context.Context) ([]string, error) {
	if err := r.ready(ctx); err != nil {
		return nil, err
	}
	q := "SELECT message_id FROM processed_messages WHERE processor_name = ?"
	if r.orphanLock() {
		q += " AND confirmed = 1"
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(q+" ORDER BY created_at"), r.opts.Name)
	if err != nil {
		return nil, fmt.Errorf("list message ids: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message ids: %w", err)
	}
	return keys, nil
}

// Purge deletes confirmed ids added before cutoff and returns how many.
func (r *Repo) Purge(ctx context.Context, before time.Time) (int64, error) {
	if err := r.ready(ctx); err != nil {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
DELETE FROM processed_messages
WHERE processor_name = ? AND confirmed = 1 AND created_at < ?
`), r.opts.Name, before.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge message ids: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repo) release(key string) {
	r.mu.Lock()
	delete(r.held, key)
	r.mu.Unlock()
}

// Held reports how many locks this instance keeps alive.
func (r *Repo) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

// Start runs the keep-alive loop in orphan-lock mode.
func (r *Repo) Start(ctx context.Context) error {
	if err := r.ready(ctx); err != nil {
		return err
	}
	if !r.orphanLock() || r.stop != nil {
		return nil
	}
	r.stop = make(chan struct{})
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(r.opts.KeepAliveInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-t.C:
				r.KeepAlive(ctx)
			}
		}
	}()
	return nil
}

// KeepAlive refreshes every lock this instance holds.
func (r *Repo) KeepAlive(ctx context.Context) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.held))
	for k := range r.held {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	now := r.now()
	for _, k := range keys {
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
UPDATE processed_messages SET created_at = ?
WHERE processor_name = ? AND message_id = ? AND confirmed = 0
`), now, r.opts.Name, k)
		if err != nil {
			telemetry.LockRefreshes.WithLabelValues("error").Inc()
			r.log.Warn("lock keep-alive failed", "id", k, "err", err)
			continue
		}
		telemetry.LockRefreshes.WithLabelValues("ok").Inc()
	}
}

func (r *Repo) Close() error {
	if r == nil {
		return nil
	}
	if r.stop != nil {
		close(r.stop)
		r.wg.Wait()
		r.stop = nil
	}
	if r.own {
		return r.db.Close()
	}
	return nil
}
