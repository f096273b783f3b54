package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/qforce/netengine/internal/events"
	"github.com/qforce/netengine/internal/models"
	"github.com/qforce/netengine/internal/transport"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	ttl    time.Duration
	logger *events.Logger
}

// NewSQLiteStore opens (and initializes) the cache database.
func NewSQLiteStore(dbPath string, ttl time.Duration, logger *events.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		ttl:    ttl,
		logger: logger.WithField("component", "response_cache"),
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
    CREATE TABLE IF NOT EXISTS responses (
        fingerprint TEXT PRIMARY KEY,
        status INTEGER NOT NULL,
        headers TEXT NOT NULL,
        body BLOB,
        stored_at INTEGER NOT NULL
    );
    `

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}

// Get retrieves a cached response if present and fresh.
func (s *SQLiteStore) Get(fingerprint string) (*transport.Response, error) {
	var (
		status   int
		headers  string
		body     []byte
		storedAt int64
	)

	err := s.db.QueryRow(`
        SELECT status, headers, body, stored_at
        FROM responses
        WHERE fingerprint = ?
    `, fingerprint).Scan(&status, &headers, &body, &storedAt)

	if err == sql.ErrNoRows {
		return nil, models.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("query response: %w", err)
	}

	if s.ttl > 0 && time.Since(time.Unix(storedAt, 0)) > s.ttl {
		s.logger.WithField("fingerprint", fingerprint).Debug("Cache entry expired")
		_ = s.Remove(fingerprint)
		return nil, models.ErrCacheMiss
	}

	var hdr http.Header
	if err := json.Unmarshal([]byte(headers), &hdr); err != nil {
		return nil, fmt.Errorf("parse cached headers: %w", err)
	}

	return &transport.Response{
		StatusCode: status,
		Headers:    hdr,
		Body:       body,
	}, nil
}

// Put stores a response, replacing any prior entry.
func (s *SQLiteStore) Put(fingerprint string, resp *transport.Response) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = s.db.Exec(`
        INSERT INTO responses (fingerprint, status, headers, body, stored_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(fingerprint) DO UPDATE SET
            status = excluded.status,
            headers = excluded.headers,
            body = excluded.body,
            stored_at = excluded.stored_at
    `, fingerprint, resp.StatusCode, string(headers), resp.Body, time.Now().Unix())

	if err != nil {
		return fmt.Errorf("upsert response: %w", err)
	}

	return nil
}

// Remove drops a cached entry.
func (s *SQLiteStore) Remove(fingerprint string) error {
	if _, err := s.db.Exec("DELETE FROM responses WHERE fingerprint = ?", fingerprint); err != nil {
		return fmt.Errorf("delete response: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
