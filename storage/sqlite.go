package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// SQLiteStorage is the durable mirror of the running-call registry.
// The group call key column is encrypted with the DEK; every other column is
// plaintext so rows can be inspected and indexed.
type SQLiteStorage struct {
	db     *sql.DB
	dek    []byte // 32-byte Data Encryption Key
	dbPath string

	mu sync.RWMutex
}

// RunningCall is one persisted row per call considered running.
type RunningCall struct {
	ProtocolVersion uint32
	CallID          []byte
	GroupCreator    string
	GroupID         uint64
	RelayBaseURL    string
	GCK             []byte // plaintext on the Go side, sealed in the database
	StartedAt       int64  // epoch ms
	ProcessedAt     int64  // epoch ms
}

// Open opens or creates the database at dbPath. ":memory:" keeps everything
// in memory, which is what tests use.
func Open(dbPath string, dek []byte) (*SQLiteStorage, error) {
	if len(dek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("DEK must be 32 bytes")
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStorage{
		db:     db,
		dek:    append([]byte(nil), dek...),
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS group_calls (
		call_id BLOB PRIMARY KEY,
		protocol_version INTEGER NOT NULL,
		group_creator TEXT NOT NULL,
		group_id INTEGER NOT NULL,
		relay_base_url TEXT NOT NULL,
		gck BLOB NOT NULL,
		started_at INTEGER NOT NULL,
		processed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_group_calls_group ON group_calls(group_creator, group_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRunningCall inserts or replaces the row of call.
func (s *SQLiteStorage) SaveRunningCall(ctx context.Context, call RunningCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := s.encrypt(call.GCK)
	if err != nil {
		return fmt.Errorf("failed to encrypt gck: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO group_calls
			(call_id, protocol_version, group_creator, group_id, relay_base_url, gck, started_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, call.CallID, call.ProtocolVersion, call.GroupCreator, int64(call.GroupID), call.RelayBaseURL,
		sealed, call.StartedAt, call.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to store running call: %w", err)
	}
	return nil
}

// DeleteRunningCall removes the row of callID. Missing rows are not an error.
func (s *SQLiteStorage) DeleteRunningCall(ctx context.Context, callID []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM group_calls WHERE call_id = ?`, callID); err != nil {
		return fmt.Errorf("failed to delete running call: %w", err)
	}
	return nil
}

// LoadRunningCalls returns every persisted running call.
func (s *SQLiteStorage) LoadRunningCalls(ctx context.Context) ([]RunningCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, protocol_version, group_creator, group_id, relay_base_url, gck, started_at, processed_at
		FROM group_calls
		ORDER BY group_creator, group_id, started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query running calls: %w", err)
	}
	defer rows.Close()

	var out []RunningCall
	for rows.Next() {
		var rc RunningCall
		var groupID int64
		var sealed []byte
		if err := rows.Scan(&rc.CallID, &rc.ProtocolVersion, &rc.GroupCreator, &groupID, &rc.RelayBaseURL,
			&sealed, &rc.StartedAt, &rc.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan running call: %w", err)
		}
		rc.GroupID = uint64(groupID)
		if rc.GCK, err = s.decrypt(sealed); err != nil {
			return nil, fmt.Errorf("failed to decrypt gck of call %x: %w", rc.CallID, err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// encrypt seals data with XChaCha20-Poly1305 under the DEK
func (s *SQLiteStorage) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens data sealed by encrypt
func (s *SQLiteStorage) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	return aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
