// Package storage keeps the relay's roster and the encrypted messages that
// have not expired or been deleted, in SQLite.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "securechat.db"
	// DefaultCheckpointInterval is how often RunMaintenance truncates the WAL.
	DefaultCheckpointInterval = time.Hour
)

type migration struct {
	name string
	stmt string
}

// Migrations run in order; user_version records how many have been applied.
var migrations = []migration{
	{"create peers", `
CREATE TABLE IF NOT EXISTS peers (
  identity      TEXT PRIMARY KEY,
  display_name  TEXT NOT NULL,
  public_key    TEXT NOT NULL DEFAULT '',
  created_at    INTEGER NOT NULL,
  last_seen_at  INTEGER NOT NULL
);`},
	{"create messages", `
CREATE TABLE IF NOT EXISTS messages (
  id                TEXT PRIMARY KEY,
  conversation_key  TEXT NOT NULL,
  sender            TEXT NOT NULL,
  recipient         TEXT NOT NULL,
  ciphertext        BLOB NOT NULL,
  sent_at           INTEGER NOT NULL,
  self_destruct     INTEGER NOT NULL DEFAULT 0,
  expires_at        INTEGER,
  is_read           INTEGER NOT NULL DEFAULT 0
);`},
	{"index conversation history", `
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_key, sent_at);`},
	{"index expiry sweep", `
CREATE INDEX IF NOT EXISTS idx_messages_expires_at
ON messages (expires_at) WHERE expires_at IS NOT NULL;`},
}

// Options tunes a Store. The zero value is usable.
type Options struct {
	CheckpointInterval time.Duration
	Logger             *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Store is safe for concurrent use. It starts no goroutines of its own;
// RunMaintenance is driven by the caller.
type Store struct {
	db      *sqlx.DB
	logger  *zap.Logger
	options Options

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) fileName under dataDir. An empty fileName means
// DefaultDBFileName. It returns the store and the database path.
func Open(dataDir, fileName string, options Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	if fileName == "" {
		fileName = DefaultDBFileName
	}

	dbPath := filepath.Join(dataDir, fileName)
	store, err := OpenPath(dbPath, options)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at dbPath in WAL mode and brings the schema up to date.
func OpenPath(dbPath string, options Options) (*Store, error) {
	opts := options.withDefaults()

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", filepath.ToSlash(dbPath))
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:      db,
		logger:  opts.Logger.With(zap.String("db", dbPath)),
		options: opts,
	}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	var mode string
	if err := s.db.Get(&mode, "PRAGMA journal_mode;"); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}
	if err := s.migrate(); err != nil {
		return err
	}
	return s.checkpoint()
}

// Close releases the database. It is safe to call more than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if err := s.checkpoint(); err != nil {
			s.logger.Warn("final checkpoint failed", zap.Error(err))
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// RunMaintenance truncates the WAL every CheckpointInterval until ctx is done.
func (s *Store) RunMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(s.options.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.checkpoint(); err != nil {
				s.logger.Warn("periodic checkpoint failed", zap.Error(err))
			}
		}
	}
}

// SchemaVersion reports how many migrations have been applied.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.Get(&version, "PRAGMA user_version;"); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, m := range migrations[version:] {
		step := version + i + 1
		if _, err := tx.Exec(m.stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", step, m.name, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", step)); err != nil {
			return fmt.Errorf("record migration %d: %w", step, err)
		}
		s.logger.Debug("migration applied", zap.Int("step", step), zap.String("name", m.name))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}
