// Package sqlite provides the SQLite implementation of the offline kit's
// durable store, sync queue and gateway response cache.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	"github.com/thriftline/offlinekit"
	syncErrors "github.com/thriftline/offlinekit/errors"
	"github.com/thriftline/offlinekit/logging"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var ErrStoreClosed = fmt.Errorf("store is closed")

// Config holds configuration options for the Store.
//
// Production-ready defaults are applied by DefaultConfig() including WAL
// mode for better concurrency and a bounded connection pool.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// Enabled by default; appends "_journal_mode=WAL" to DataSourceName.
	EnableWAL bool

	// BusyTimeout bounds how long a writer waits for a locked database.
	BusyTimeout time.Duration

	// Connection pool settings.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}

	params := []string{}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		params = append(params, "_journal_mode=WAL")
	}
	if !strings.Contains(c.DataSourceName, "_busy_timeout=") {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()))
	}
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + strings.Join(params, "&")
	}
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store implements offlinekit.DurableStore over SQLite. Each collection
// lives in its own table; secondary indexes are generated columns over
// json_extract of the record payload.
type Store struct {
	db      *sql.DB
	mu      stdSync.RWMutex
	closed  bool
	logger  *logging.Logger
	indexes map[string]map[string]struct{} // collection -> index names
}

var _ offlinekit.DurableStore = (*Store)(nil)

// NewWithDataSource is a convenience constructor using DefaultConfig and
// DefaultSchema.
func NewWithDataSource(dataSourceName string) (*Store, error) {
	return New(DefaultConfig(dataSourceName), DefaultSchema())
}

// New opens (and if needed migrates) the database described by schema.
func New(config *Config, schema Schema) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := logging.WithComponent(logging.Component("sqlite-store"))
	logger.Info("opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, syncErrors.NewStorageUnavailable(syncErrors.OpMigrate,
			fmt.Errorf("failed to open sqlite database: %w", err))
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageUnavailable(syncErrors.OpMigrate,
			fmt.Errorf("failed to connect to sqlite database: %w", err))
	}

	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}

	indexes := make(map[string]map[string]struct{}, len(schema.Collections))
	for _, col := range schema.Collections {
		names := make(map[string]struct{}, len(col.Indexes))
		for _, idx := range col.Indexes {
			names[idx.Name] = struct{}{}
		}
		indexes[col.Name] = names
	}

	logger.Info("store initialized", slog.Int("collections", len(schema.Collections)))

	return &Store{
		db:      db,
		logger:  logger,
		indexes: indexes,
	}, nil
}

// tableFor validates the collection name against the schema and returns
// its backing table. Collection names never reach SQL unvalidated.
func (s *Store) tableFor(collection string) (string, error) {
	if _, ok := s.indexes[collection]; !ok {
		return "", syncErrors.NewValidation(syncErrors.OpQuery,
			fmt.Errorf("unknown collection %q", collection))
	}
	return "records_" + collection, nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncErrors.NewStorageUnavailable(syncErrors.OpQuery, ErrStoreClosed)
	}
	return nil
}

// Put upserts a record by primary key. Last write wins; overwriting is
// not an error.
func (s *Store) Put(ctx context.Context, collection string, rec offlinekit.Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	table, err := s.tableFor(collection)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return syncErrors.NewValidation(syncErrors.OpPut, fmt.Errorf("record id is required"))
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, table)
	if _, err := s.db.ExecContext(ctx, query, rec.ID, string(rec.Data), updatedAt.UnixNano()); err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpPut, err)
	}
	return nil
}

// Get returns the record with the given id, or nil when absent.
func (s *Store) Get(ctx context.Context, collection, id string) (*offlinekit.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	table, err := s.tableFor(collection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, data, updated_at FROM %s WHERE id = ?`, table)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.NewStorageUnavailable(syncErrors.OpGet, err)
	}
	return rec, nil
}

// GetAll returns every record in the collection.
func (s *Store) GetAll(ctx context.Context, collection string) ([]offlinekit.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	table, err := s.tableFor(collection)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, data, updated_at FROM %s ORDER BY id`, table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.NewStorageUnavailable(syncErrors.OpGet, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// QueryByIndex returns records whose secondary-index value matches. The
// single SQL statement gives a consistent snapshot as of call time.
func (s *Store) QueryByIndex(ctx context.Context, collection, index, value string) ([]offlinekit.Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	table, err := s.tableFor(collection)
	if err != nil {
		return nil, err
	}
	if _, ok := s.indexes[collection][index]; !ok {
		return nil, syncErrors.NewValidation(syncErrors.OpQuery,
			fmt.Errorf("collection %q has no index %q", collection, index))
	}

	query := fmt.Sprintf(`SELECT id, data, updated_at FROM %s WHERE %s = ? ORDER BY id`, table, index)
	rows, err := s.db.QueryContext(ctx, query, value)
	if err != nil {
		return nil, syncErrors.NewStorageUnavailable(syncErrors.OpQuery, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	table, err := s.tableFor(collection)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpDelete, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Stats returns database statistics for monitoring.
func (s *Store) Stats() sql.DBStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return sql.DBStats{}
	}
	return s.db.Stats()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*offlinekit.Record, error) {
	var rec offlinekit.Record
	var data string
	var updatedAt int64
	if err := row.Scan(&rec.ID, &data, &updatedAt); err != nil {
		return nil, err
	}
	rec.Data = []byte(data)
	rec.UpdatedAt = time.Unix(0, updatedAt)
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]offlinekit.Record, error) {
	var records []offlinekit.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, syncErrors.NewStorageUnavailable(syncErrors.OpQuery, err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewStorageUnavailable(syncErrors.OpQuery, err)
	}
	return records, nil
}
