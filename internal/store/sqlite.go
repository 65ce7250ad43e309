package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const snapshotVersion = 1

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS snapshot (
		id INTEGER PRIMARY KEY,
		data TEXT NOT NULL,
		checksum BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	snap.Version = snapshotVersion
	snap.SavedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Round-trip to catch anything that does not survive serialization
	var check Snapshot
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO snapshot (id, data, checksum, updated_at) VALUES (1, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query, string(data), checksum[:], snap.SavedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	query := `SELECT data, checksum FROM snapshot WHERE id = 1`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	computedChecksum := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computedChecksum) {
		return nil, fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computedChecksum), len(storedChecksum))
	}
	for i := range computedChecksum {
		if storedChecksum[i] != computedChecksum[i] {
			return nil, fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
