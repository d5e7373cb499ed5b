package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps records in a single table of a SQLite database.
type SQLiteStore struct {
	path      string
	precision Precision

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string, precision Precision) *SQLiteStore {
	return &SQLiteStore{path: path, precision: precision}
}

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

func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := Encode(rec, s.precision)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, epoch, created_at, codec_version, precision, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			epoch = excluded.epoch,
			created_at = excluded.created_at,
			codec_version = excluded.codec_version,
			precision = excluded.precision,
			payload = excluded.payload
	`, rec.ID, rec.Epoch, rec.CreatedAt.UnixNano(), CurrentCodecVersion, string(s.precision), payload)
	return err
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (Record, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Record{}, false, err
	}

	var payload []byte
	err = db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE id = ?`, id).Scan(&payload)
	return decodeRow(id, payload, err)
}

func (s *SQLiteStore) Latest(ctx context.Context) (Record, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return Record{}, false, err
	}

	var (
		id      string
		payload []byte
	)
	err = db.QueryRowContext(ctx, `
		SELECT id, payload FROM checkpoints
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`).Scan(&id, &payload)
	return decodeRow(id, payload, err)
}

func decodeRow(id string, payload []byte, err error) (Record, bool, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec, err := Decode(payload)
	if err != nil {
		return Record{}, false, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return rec, true, nil
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

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("store is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			epoch INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			codec_version INTEGER NOT NULL,
			precision TEXT NOT NULL,
			payload BLOB NOT NULL
		);
	`)
	return err
}
