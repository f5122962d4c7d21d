// Package store persists analysis sessions. One durable disk-backed
// record exists per session id, read and written as a whole on every
// stage transition. Read caches (one per layer) hang off the
// repository's observer hook so that any writer automatically
// invalidates every other reader.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"mise/internal/analysis"
	"mise/internal/logging"
)

// ErrNotFound is returned when no session exists for an id.
var ErrNotFound = errors.New("session not found")

// Observer is notified with the session id after every durable write.
type Observer func(sessionID string)

// Repository is the single session persistence interface. All layers go
// through it; manual cross-cache eviction is replaced by the observer
// hook.
type Repository interface {
	Get(ctx context.Context, id string) (*analysis.Session, error)
	Put(ctx context.Context, sess *analysis.Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, activeOnly bool) ([]*analysis.Session, error)
	AddObserver(fn Observer)
	Close() error
}

// SQLiteRepository stores each session as one JSON row. The whole-record
// JSON keeps the schema stable across payload evolution; timestamps
// inside the blob serialize as RFC 3339 strings.
type SQLiteRepository struct {
	mu  sync.RWMutex
	db  *sql.DB
	obs []Observer
}

// Open opens (creating if needed) the session database at path.
func Open(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// The pipeline writes from one goroutine per session but several
	// sessions may run at once; serialize access at the pool level.
	db.SetMaxOpenConns(1)

	r := &SQLiteRepository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("session repository opened: %s", path)
	return r, nil
}

func (r *SQLiteRepository) migrate() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			archived   INTEGER NOT NULL DEFAULT 0,
			data       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_archived ON sessions(archived);
	`)
	if err != nil {
		return fmt.Errorf("migrate sessions table: %w", err)
	}
	return nil
}

// Get loads one session by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*analysis.Session, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Get")
	defer timer.Stop()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var data string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session %s: %w", id, err)
	}

	var sess analysis.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// Put writes the whole session record and notifies observers.
func (r *SQLiteRepository) Put(ctx context.Context, sess *analysis.Session) error {
	timer := logging.StartTimer(logging.CategoryStore, "Put")
	defer timer.Stop()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	archived := 0
	if sess.Archived {
		archived = 1
	}

	r.mu.Lock()
	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, archived, data, updated_at) VALUES (?, ?, ?, ?)`,
		sess.ID, archived, string(data), sess.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	)
	obs := make([]Observer, len(r.obs))
	copy(obs, r.obs)
	r.mu.Unlock()

	if err != nil {
		logging.StoreError("failed to write session %s: %v", sess.ID, err)
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}

	logging.StoreDebug("session %s persisted (%d bytes, stage=%s)", sess.ID, len(data), sess.CurrentStage)
	for _, fn := range obs {
		fn(sess.ID)
	}
	return nil
}

// Delete removes a session record.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	obs := make([]Observer, len(r.obs))
	copy(obs, r.obs)
	r.mu.Unlock()

	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	for _, fn := range obs {
		fn(id)
	}
	return nil
}

// List returns sessions, optionally restricted to the active (not yet
// terminal) set.
func (r *SQLiteRepository) List(ctx context.Context, activeOnly bool) ([]*analysis.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	query := `SELECT data FROM sessions ORDER BY updated_at DESC`
	if activeOnly {
		query = `SELECT data FROM sessions WHERE archived = 0 ORDER BY updated_at DESC`
	}

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*analysis.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			continue
		}
		var sess analysis.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			logging.StoreError("skipping undecodable session row: %v", err)
			continue
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// AddObserver registers a write observer. Observers run synchronously
// after the durable write, in registration order.
func (r *SQLiteRepository) AddObserver(fn Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, fn)
}

// Close closes the underlying database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
