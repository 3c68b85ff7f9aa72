// Package store is the SQLite persistence layer: the row store (documents,
// sessions, messages, user profiles, webhooks, escalations), the two-language
// full-text indices over documents, and the vector index used by retrieval.
//
// Capability probes at open time decide between the sqlite-vec vec0 index
// and a brute-force cosine scan, and between FTS5 and a LIKE fallback, so a
// build without either extension still serves every query shape.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Store wraps the single SQLite database. Writes are serialized through one
// connection; the mutex keeps multi-statement write paths atomic with
// respect to each other.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger

	dim       int
	vectorExt bool
	ftsExt    bool
}

// Open opens (creating if needed) the database at path, applies the
// pragmas, runs migrations, and probes extension support. dim is the
// configured embedding dimension; use ":memory:" for tests.
func Open(path string, dim int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dim <= 0 {
		return nil, fmt.Errorf("store: embedding dimension must be positive, got %d", dim)
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// One writer connection avoids SQLITE_BUSY storms under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("set busy_timeout failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("set journal_mode failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("set synchronous failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logger.Debug("set foreign_keys failed", zap.Error(err))
	}

	s := &Store{db: db, logger: logger, dim: dim}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.detectVecExtension()
	s.detectFTS()
	if s.ftsExt {
		if err := s.ensureFTS(); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Info("store opened",
		zap.String("path", path),
		zap.Int("dim", dim),
		zap.Bool("vector_ext", s.vectorExt),
		zap.Bool("fts5", s.ftsExt))
	return s, nil
}

// detectVecExtension creates and drops a vec0 probe table to learn whether
// sqlite-vec is loaded in this build.
func (s *Store) detectVecExtension() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		s.vectorExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	s.vectorExt = false
	s.logger.Warn("sqlite-vec unavailable, vector search uses brute-force cosine scan")
}

// detectFTS probes FTS5 support the same way.
func (s *Store) detectFTS() {
	if _, err := s.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS fts_probe USING fts5(content)"); err == nil {
		s.ftsExt = true
		_, _ = s.db.Exec("DROP TABLE IF EXISTS fts_probe")
		return
	}
	s.ftsExt = false
	s.logger.Warn("FTS5 unavailable, lexical search uses LIKE fallback")
}

// HasVectorIndex reports whether ANN queries are served by sqlite-vec.
func (s *Store) HasVectorIndex() bool { return s.vectorExt }

// HasFTS reports whether lexical queries are served by FTS5.
func (s *Store) HasFTS() bool { return s.ftsExt }

// Dimension returns the configured embedding width.
func (s *Store) Dimension() int { return s.dim }

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error {
	s.logger.Debug("closing store")
	return s.db.Close()
}

// Stats counts rows per table for diagnostics. Missing tables are skipped.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"documents", "document_vectors", "sessions", "messages",
		"user_profiles", "user_identities", "webhooks", "webhook_deliveries",
		"escalations",
	}
	for _, table := range tables {
		var count int64
		err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			s.logger.Debug("table count failed", zap.String("table", table), zap.Error(err))
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
