package sqlite

import (
	"database/sql"
	"fmt"

	syncErrors "github.com/thriftline/offlinekit/errors"
)

// Index declares a secondary index over a JSON field of a collection's
// records. The index name doubles as the column name backing it.
type Index struct {
	Name     string
	JSONPath string // e.g. "$.category"
}

// Collection declares a logical read-model collection and its secondary
// indexes.
type Collection struct {
	Name    string
	Indexes []Index
}

// Migration is one versioned schema upgrade step. Statements run inside
// a single transaction; the on-disk version (PRAGMA user_version) is
// advanced with them.
type Migration struct {
	Version    int
	Statements []string
}

// Schema describes the expected on-disk layout: the collections the
// store serves and the full ordered migration history that produces
// them. Opening a database written by an older schema replays only the
// missing steps, in place, without data loss.
type Schema struct {
	Collections []Collection
	Migrations  []Migration
}

// DefaultSchema returns the storefront schema: cached products and
// orders, user preferences, the sync queue and the gateway response
// cache. New collections and indexes are only ever added as new
// migration versions.
func DefaultSchema() Schema {
	return Schema{
		Collections: []Collection{
			{Name: "products", Indexes: []Index{
				{Name: "category", JSONPath: "$.category"},
				{Name: "status", JSONPath: "$.status"},
			}},
			{Name: "orders", Indexes: []Index{
				{Name: "status", JSONPath: "$.status"},
			}},
			{Name: "preferences"},
		},
		Migrations: []Migration{
			{
				Version: 1,
				Statements: []string{
					`CREATE TABLE IF NOT EXISTS records_products (
						id         TEXT PRIMARY KEY,
						data       TEXT NOT NULL,
						updated_at INTEGER NOT NULL,
						category   TEXT GENERATED ALWAYS AS (json_extract(data, '$.category')) VIRTUAL,
						status     TEXT GENERATED ALWAYS AS (json_extract(data, '$.status')) VIRTUAL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_products_category ON records_products (category)`,
					`CREATE TABLE IF NOT EXISTS records_orders (
						id         TEXT PRIMARY KEY,
						data       TEXT NOT NULL,
						updated_at INTEGER NOT NULL,
						status     TEXT GENERATED ALWAYS AS (json_extract(data, '$.status')) VIRTUAL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_orders_status ON records_orders (status)`,
					`CREATE TABLE IF NOT EXISTS sync_queue (
						id              TEXT PRIMARY KEY,
						url             TEXT NOT NULL,
						method          TEXT NOT NULL,
						headers         TEXT NOT NULL,
						body            BLOB,
						op_type         TEXT NOT NULL,
						timestamp       INTEGER NOT NULL,
						retries         INTEGER NOT NULL DEFAULT 0,
						idempotency_key TEXT NOT NULL,
						last_attempt    INTEGER NOT NULL DEFAULT 0
					)`,
					`CREATE INDEX IF NOT EXISTS idx_sync_queue_timestamp ON sync_queue (timestamp)`,
				},
			},
			{
				Version: 2,
				Statements: []string{
					`CREATE TABLE IF NOT EXISTS records_preferences (
						id         TEXT PRIMARY KEY,
						data       TEXT NOT NULL,
						updated_at INTEGER NOT NULL
					)`,
				},
			},
			{
				Version: 3,
				Statements: []string{
					`CREATE TABLE IF NOT EXISTS http_cache (
						url        TEXT PRIMARY KEY,
						generation TEXT NOT NULL,
						status     INTEGER NOT NULL,
						headers    TEXT NOT NULL,
						body       BLOB,
						fetched_at INTEGER NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_http_cache_generation ON http_cache (generation)`,
				},
			},
			{
				Version: 4,
				Statements: []string{
					`CREATE INDEX IF NOT EXISTS idx_products_status ON records_products (status)`,
				},
			},
		},
	}
}

// migrate replays the missing migration steps against the database.
// Each step runs in its own transaction together with the version bump,
// so a crash mid-upgrade leaves a consistent prefix of the history.
func migrate(db *sql.DB, schema Schema) error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return syncErrors.NewStorageUnavailable(syncErrors.OpMigrate,
			fmt.Errorf("failed to read schema version: %w", err))
	}

	for _, m := range schema.Migrations {
		if m.Version <= current {
			continue
		}
		if m.Version != current+1 {
			return syncErrors.NewStorageUnavailable(syncErrors.OpMigrate,
				fmt.Errorf("non-contiguous migration history: at version %d, next step is %d", current, m.Version))
		}

		tx, err := db.Begin()
		if err != nil {
			return syncErrors.NewStorageUnavailable(syncErrors.OpMigrate, err)
		}
		for _, stmt := range m.Statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return syncErrors.NewStorageUnavailable(syncErrors.OpMigrate,
					fmt.Errorf("migration %d failed: %w", m.Version, err))
			}
		}
		// PRAGMA does not accept placeholders.
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, m.Version)); err != nil {
			tx.Rollback()
			return syncErrors.NewStorageUnavailable(syncErrors.OpMigrate, err)
		}
		if err := tx.Commit(); err != nil {
			return syncErrors.NewStorageUnavailable(syncErrors.OpMigrate, err)
		}
		current = m.Version
	}

	return nil
}
