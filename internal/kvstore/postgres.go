package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTableName        = "syncbridge_state"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps one row per key. It is the backend for
// deployments where several daemon instances share cached state;
// change notifications remain in-process.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	watchers  *watcherSet

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu     sync.Mutex
	closed bool
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
		watchers:  newWatcherSet(),
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				entry_key TEXT PRIMARY KEY,
				entry_value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Get(keys ...string) (map[string][]byte, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(keys))
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT entry_value FROM %s WHERE entry_key = $1", postgresQuoteIdentifier(s.tableName))
	for _, key := range keys {
		var value string
		err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[key] = []byte(value)
	}
	return out, nil
}

func (s *PostgresStore) Set(entries map[string][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (entry_key, entry_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (entry_key)
		DO UPDATE SET entry_value = EXCLUDED.entry_value, updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	for key, value := range entries {
		if key == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, query, key, string(value)); err != nil {
			return err
		}
		s.watchers.notify(Change{Key: key, Value: append([]byte(nil), value...)})
	}
	return nil
}

func (s *PostgresStore) Delete(keys ...string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE entry_key = $1", postgresQuoteIdentifier(s.tableName))
	for _, key := range keys {
		result, err := s.db.ExecContext(ctx, query, key)
		if err != nil {
			return err
		}
		if affected, err := result.RowsAffected(); err == nil && affected > 0 {
			s.watchers.notify(Change{Key: key, Deleted: true})
		}
	}
	return nil
}

func (s *PostgresStore) Watch(fn func(Change)) func() {
	return s.watchers.add(fn)
}

func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
