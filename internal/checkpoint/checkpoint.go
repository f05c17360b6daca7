// Package checkpoint persists the follower's change-feed cursor, the
// pipeline's only durable recovery state.
package checkpoint

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS cursors (
	id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);
`

// Store persists a single monotonic cursor value per source identity.
type Store interface {
	// Get returns the cursor for id and whether a document exists.
	Get(ctx context.Context, id string) (int64, bool, error)
	// Set durably replaces the cursor for id.
	Set(ctx context.Context, id string, seq int64) error
}

// SQLStore keeps cursors in a SQLite database.
type SQLStore struct {
	db *sql.DB
}

// OpenSQL opens (creating if necessary) the cursor database at path.
func OpenSQL(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: open "+path)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "checkpoint: init schema")
	}
	return &SQLStore{db: db}, nil
}

// Close releases the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (int64, bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT seq FROM cursors WHERE id = ?", id).Scan(&seq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, errors.Wrap(err, "checkpoint: get "+id)
	}
	return seq, true, nil
}

// Set implements Store.
func (s *SQLStore) Set(ctx context.Context, id string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (id, seq, updated_at_utc_ns) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET seq = excluded.seq, updated_at_utc_ns = excluded.updated_at_utc_ns`,
		id, seq, time.Now().UTC().UnixNano())
	return errors.Wrap(err, "checkpoint: set "+id)
}

// Seed creates the cursor document for id if none exists yet.  The
// follower refuses to start without one; Seed is the operator's way of
// choosing the initial position deliberately.
func (s *SQLStore) Seed(ctx context.Context, id string, seq int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO cursors (id, seq, updated_at_utc_ns) VALUES (?, ?, ?)",
		id, seq, time.Now().UTC().UnixNano())
	if err != nil {
		return false, errors.Wrap(err, "checkpoint: seed "+id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "checkpoint: seed "+id)
	}
	return n > 0, nil
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu   sync.Mutex
	seqs map[string]int64
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{seqs: make(map[string]int64)}
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, id string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[id]
	return seq, ok, nil
}

// Set implements Store.
func (s *MemStore) Set(_ context.Context, id string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[id] = seq
	return nil
}
