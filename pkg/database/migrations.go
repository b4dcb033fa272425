package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations
var embeddedMigrations embed.FS

// Migration is one versioned SQL script.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// MigrationManager applies migrations and validates the resulting schema.
type MigrationManager struct {
	db         *sql.DB
	dialect    Dialect
	migrations fs.FS
}

// NewMigrationManager creates a manager reading *.sql files from the root of
// migrations. Pass nil to use the scripts embedded for the dialect.
func NewMigrationManager(db *sql.DB, dialect Dialect, migrations fs.FS) *MigrationManager {
	if migrations == nil {
		migrations = EmbeddedMigrations(dialect)
	}
	return &MigrationManager{
		db:         db,
		dialect:    dialect,
		migrations: migrations,
	}
}

// EmbeddedMigrations returns the scripts shipped with the binary for dialect.
func EmbeddedMigrations(dialect Dialect) fs.FS {
	dir := "migrations/sqlite"
	if dialect == DialectPostgres {
		dir = "migrations/postgres"
	}
	sub, err := fs.Sub(embeddedMigrations, dir)
	if err != nil {
		// fs.Sub only fails on invalid paths, and dir is a constant
		panic(err)
	}
	return sub
}

// RequiredTables lists the tables the store reads and writes.
var RequiredTables = []string{"polls", "votes", "participants", "chat_messages"}

// ApplyMigrations applies every migration not yet recorded in schema_migrations,
// each in its own transaction, in version order.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := m.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.applyMigration(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

// ValidateSchema ensures every required table exists.
func (m *MigrationManager) ValidateSchema() error {
	for _, table := range RequiredTables {
		exists, err := m.tableExists(table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

func (m *MigrationManager) createMigrationTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := m.db.Exec(query)
	return err
}

// loadMigrations reads "NNN_description.sql" files sorted by version.
func (m *MigrationManager) loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.migrations, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}

		content, err := fs.ReadFile(m.migrations, name)
		if err != nil {
			return nil, err
		}

		parts := strings.SplitN(strings.TrimSuffix(name, ".sql"), "_", 2)
		migration := Migration{Version: parts[0], SQL: string(content)}
		if len(parts) == 2 {
			migration.Description = parts[1]
		}
		migrations = append(migrations, migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

func (m *MigrationManager) getAppliedMigrations() (map[string]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

func (m *MigrationManager) applyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}

	if _, err := tx.Exec(m.dialect.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), migration.Version); err != nil {
		return err
	}

	return tx.Commit()
}

func (m *MigrationManager) tableExists(tableName string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if m.dialect == DialectPostgres {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
	}

	var count int
	if err := m.db.QueryRow(m.dialect.Rebind(query), tableName).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}
