// Package store provides the durable local store: versioned key/value
// persistence with schema migration and storage-quota introspection. The
// store exclusively owns the on-disk bytes; every other component holds
// in-memory projections reconcilable from it after a restart.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	_ "modernc.org/sqlite"

	"github.com/openhabitat/accesscase/internal/logging"
	"github.com/openhabitat/accesscase/internal/models"
)

// Backend is the storage contract shared by all components.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Clear() error
	Keys() ([]string, error)
	GetByPrefix(prefix string) (map[string][]byte, error)
	StorageEstimate() (models.StorageQuotaInfo, error)
}

// Options configures a SQLiteStore.
type Options struct {
	Quota            int64 // storage budget in bytes; 0 disables percentage reporting
	CompressMinBytes int   // values at or above this size are snappy-compressed; 0 disables
	CleanupThreshold float64
	HardCeiling      float64
}

// DefaultOptions returns store options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Quota:            256 << 20,
		CompressMinBytes: 4096,
		CleanupThreshold: 80,
		HardCeiling:      95,
	}
}

// SQLiteStore is the sqlite-backed Backend implementation.
type SQLiteStore struct {
	db       *sql.DB
	dataDir  string
	opts     Options
	versions []SchemaVersion
}

// NewSQLiteStore prepares a store rooted at dataDir. Schema versions must
// be registered before Open; migrations run during Open.
func NewSQLiteStore(dataDir string, opts Options) *SQLiteStore {
	return &SQLiteStore{dataDir: dataDir, opts: opts}
}

// RegisterSchemaVersion registers a schema version and its per-entity-type
// transforms. Versions may be registered in any order.
func (s *SQLiteStore) RegisterSchemaVersion(v SchemaVersion) {
	s.versions = append(s.versions, v)
}

// Open opens the database, creates tables, and applies any registered
// migrations the on-disk schema version trails behind.
func (s *SQLiteStore) Open() error {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(s.dataDir, "accesscase.db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports one writer; serialize access through a single conn.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS schema_info (
		id      INTEGER PRIMARY KEY CHECK(id = 1),
		version INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec("INSERT OR IGNORE INTO schema_info (id, version) VALUES (1, 0)"); err != nil {
		db.Close()
		return fmt.Errorf("failed to seed schema version: %w", err)
	}

	s.db = db
	if err := s.migrate(); err != nil {
		db.Close()
		s.db = nil
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get retrieves a value by key. The second return is false when the key is
// absent.
func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	var compressed int
	err := s.db.QueryRow("SELECT value, compressed FROM kv WHERE key = ?", key).
		Scan(&value, &compressed)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, models.WrapError(models.ErrStorage, "get failed", err)
	}
	if compressed == 1 {
		decoded, err := snappy.Decode(nil, value)
		if err != nil {
			return nil, false, models.WrapError(models.ErrStorage, "decompress failed", err)
		}
		return decoded, true, nil
	}
	return value, true, nil
}

// Set writes a value under key, compressing large values transparently.
func (s *SQLiteStore) Set(key string, value []byte) error {
	stored := value
	compressed := 0
	if s.opts.CompressMinBytes > 0 && len(value) >= s.opts.CompressMinBytes {
		stored = snappy.Encode(nil, value)
		compressed = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, compressed, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			compressed = excluded.compressed, updated_at = excluded.updated_at`,
		key, stored, compressed, models.NowMillis())
	if err != nil {
		return models.WrapError(models.ErrStorage, "set failed", err)
	}
	return nil
}

// Remove deletes a key. Removing an absent key is not an error.
func (s *SQLiteStore) Remove(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return models.WrapError(models.ErrStorage, "remove failed", err)
	}
	return nil
}

// Clear deletes every key.
func (s *SQLiteStore) Clear() error {
	if _, err := s.db.Exec("DELETE FROM kv"); err != nil {
		return models.WrapError(models.ErrStorage, "clear failed", err)
	}
	return nil
}

// Keys returns all keys, sorted.
func (s *SQLiteStore) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv ORDER BY key")
	if err != nil {
		return nil, models.WrapError(models.ErrStorage, "keys failed", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetByPrefix returns every key/value pair whose key starts with prefix.
func (s *SQLiteStore) GetByPrefix(prefix string) (map[string][]byte, error) {
	rows, err := s.db.Query(
		"SELECT key, value, compressed FROM kv WHERE key LIKE ? ORDER BY key",
		prefix+"%")
	if err != nil {
		return nil, models.WrapError(models.ErrStorage, "prefix scan failed", err)
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		var compressed int
		if err := rows.Scan(&k, &v, &compressed); err != nil {
			return nil, err
		}
		if compressed == 1 {
			decoded, err := snappy.Decode(nil, v)
			if err != nil {
				return nil, models.WrapError(models.ErrStorage, "decompress failed", err)
			}
			v = decoded
		}
		result[k] = v
	}
	return result, rows.Err()
}

// StorageEstimate reports current usage against the configured quota.
func (s *SQLiteStore) StorageEstimate() (models.StorageQuotaInfo, error) {
	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return models.StorageQuotaInfo{}, models.WrapError(models.ErrStorage, "page_count failed", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return models.StorageQuotaInfo{}, models.WrapError(models.ErrStorage, "page_size failed", err)
	}

	info := models.StorageQuotaInfo{
		Usage: pageCount * pageSize,
		Quota: s.opts.Quota,
	}
	if info.Quota > 0 {
		info.Percentage = float64(info.Usage) / float64(info.Quota) * 100
	}
	return info, nil
}

var _ Backend = (*SQLiteStore)(nil)

// logKeySkip is shared by migrate and quota code paths.
func logKeySkip(action, key string, err error) {
	logging.Warn("skipping key during "+action,
		map[string]interface{}{"key": key, "error": err.Error()})
}
