package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cwbudde/trialflow/internal/codec"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps an append-only snapshot history per run. Load returns the
// newest snapshot of the store's run.
type SQLiteStore struct {
	path  string
	runID string

	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore returns a store over the database at path. runID may be
// empty for stores used only to list or prune.
func NewSQLiteStore(path, runID string) *SQLiteStore {
	return &SQLiteStore{path: path, runID: runID}
}

// Init opens the database and creates the schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// RunID returns the run this store writes.
func (s *SQLiteStore) RunID() string {
	return s.runID
}

func (s *SQLiteStore) Save(ctx context.Context, doc codec.Document) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if s.runID == "" {
		return errors.New("sqlite store: run id is required to save")
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO snapshots (run_id, format, version, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.runID, string(doc.Format), codec.SnapshotVersion, doc.Data, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert snapshot for run %s: %w", s.runID, err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context) (codec.Document, error) {
	db, err := s.getDB()
	if err != nil {
		return codec.Document{}, err
	}

	var format string
	var payload []byte
	err = db.QueryRowContext(ctx, `
		SELECT format, payload FROM snapshots
		WHERE run_id = ?
		ORDER BY id DESC LIMIT 1
	`, s.runID).Scan(&format, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return codec.Document{}, &NotFoundError{Location: s.path + "#" + s.runID}
		}
		return codec.Document{}, err
	}
	return codec.Document{Format: codec.Format(format), Data: payload}, nil
}

// LatestRun returns the run id of the most recently written snapshot.
func (s *SQLiteStore) LatestRun(ctx context.Context) (string, error) {
	db, err := s.getDB()
	if err != nil {
		return "", err
	}

	var runID string
	err = db.QueryRowContext(ctx, `SELECT run_id FROM snapshots ORDER BY id DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &NotFoundError{Location: s.path}
	}
	return runID, err
}

// List returns snapshot metadata, oldest first. With a run id set, only that
// run's snapshots are listed.
func (s *SQLiteStore) List(ctx context.Context) ([]SnapshotInfo, error) {
	query := `SELECT id, run_id, format, length(payload), created_at FROM snapshots`
	var args []any
	if s.runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, s.runID)
	}
	return s.query(ctx, query+` ORDER BY id`, args...)
}

// PruneCandidates lists the snapshots Prune would delete: all but the newest
// keepLast of each run, restricted to those older than olderThan when it is
// positive.
func (s *SQLiteStore) PruneCandidates(ctx context.Context, keepLast int, olderThan time.Duration) ([]SnapshotInfo, error) {
	if keepLast < 0 {
		return nil, fmt.Errorf("keep-last cannot be negative: %d", keepLast)
	}
	cutoff := time.Now().Add(time.Nanosecond)
	if olderThan > 0 {
		cutoff = time.Now().Add(-olderThan)
	}

	query := `
		SELECT id, run_id, format, size, created_at FROM (
			SELECT id, run_id, format, length(payload) AS size, created_at,
				ROW_NUMBER() OVER (PARTITION BY run_id ORDER BY id DESC) AS rn
			FROM snapshots`
	args := []any{}
	if s.runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, s.runID)
	}
	query += `
		) WHERE rn > ? AND created_at < ?
		ORDER BY id`
	args = append(args, keepLast, cutoff.UnixNano())
	return s.query(ctx, query, args...)
}

// Delete removes the snapshots with the given ids.
func (s *SQLiteStore) Delete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := db.ExecContext(ctx, `DELETE FROM snapshots WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Prune deletes PruneCandidates and returns how many rows were removed.
func (s *SQLiteStore) Prune(ctx context.Context, keepLast int, olderThan time.Duration) (int64, error) {
	candidates, err := s.PruneCandidates(ctx, keepLast, olderThan)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	return s.Delete(ctx, ids)
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]SnapshotInfo, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	infos := []SnapshotInfo{}
	for rows.Next() {
		var info SnapshotInfo
		var format string
		var created int64
		if err := rows.Scan(&info.ID, &info.RunID, &format, &info.Size, &created); err != nil {
			return nil, err
		}
		info.Format = codec.Format(format)
		info.Location = s.path
		info.CreatedAt = time.Unix(0, created)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("sqlite store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			format TEXT NOT NULL,
			version INTEGER NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS snapshots_run ON snapshots (run_id, id);
	`)
	return err
}
