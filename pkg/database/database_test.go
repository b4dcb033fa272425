package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close test database: %v", err)
		}
	})
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Driver != DialectSQLite {
		t.Errorf("Expected sqlite3 driver, got %s", config.Driver)
	}
	if config.DatabasePath != "./data/livepoll.db" {
		t.Errorf("Expected DatabasePath './data/livepoll.db', got %s", config.DatabasePath)
	}
	if config.MaxConnections != 10 {
		t.Errorf("Expected MaxConnections 10, got %d", config.MaxConnections)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty sqlite path", func(c *Config) { c.DatabasePath = "" }, true},
		{"postgres without url", func(c *Config) { c.Driver = DialectPostgres }, true},
		{"postgres with url", func(c *Config) {
			c.Driver = DialectPostgres
			c.DatabaseURL = "postgres://localhost/livepoll?sslmode=disable"
		}, false},
		{"unknown driver", func(c *Config) { c.Driver = "mysql" }, true},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }, true},
		{"negative retry delay", func(c *Config) { c.WriteRetryDelay = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_DataSourceName(t *testing.T) {
	config := DefaultConfig()
	config.DatabasePath = "/tmp/x.db"
	if got := config.DataSourceName(); got != "/tmp/x.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on" {
		t.Errorf("unexpected sqlite DSN %q", got)
	}

	config.Driver = DialectPostgres
	config.DatabaseURL = "postgres://u@h/db"
	if got := config.DataSourceName(); got != "postgres://u@h/db" {
		t.Errorf("unexpected postgres DSN %q", got)
	}
}

func TestDialect_Rebind(t *testing.T) {
	query := "SELECT * FROM votes WHERE poll_id = ? AND student_id = ?"

	if got := DialectSQLite.Rebind(query); got != query {
		t.Errorf("sqlite rebind should be identity, got %q", got)
	}
	want := "SELECT * FROM votes WHERE poll_id = $1 AND student_id = $2"
	if got := DialectPostgres.Rebind(query); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
}

func TestMigrationManager_ApplyEmbeddedMigrations(t *testing.T) {
	db := openTestDB(t)
	mgr := NewMigrationManager(db, DialectSQLite, nil)

	if err := mgr.ValidateSchema(); err == nil {
		t.Error("ValidateSchema should fail on empty database")
	}

	if err := mgr.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if err := mgr.ValidateSchema(); err != nil {
		t.Errorf("ValidateSchema failed after migrations: %v", err)
	}

	// Second application is a no-op
	if err := mgr.ApplyMigrations(); err != nil {
		t.Errorf("re-applying migrations should be a no-op: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 applied migration, got %d", count)
	}
}

func TestMigrationManager_VersionOrder(t *testing.T) {
	db := openTestDB(t)
	fsys := fstest.MapFS{
		"002_add_index.sql": {Data: []byte(`CREATE INDEX idx_t_name ON t(name);`)},
		"001_create.sql":    {Data: []byte(`CREATE TABLE t (id TEXT PRIMARY KEY, name TEXT);`)},
		"README.md":         {Data: []byte("ignored")},
	}

	mgr := NewMigrationManager(db, DialectSQLite, fsys)
	if err := mgr.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations should apply in version order: %v", err)
	}

	migrations, err := mgr.loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations failed: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Version != "001" || migrations[1].Description != "add_index" {
		t.Errorf("unexpected migrations %+v", migrations)
	}
}

func TestMigrationManager_VoteUniqueness(t *testing.T) {
	db := openTestDB(t)
	if err := NewMigrationManager(db, DialectSQLite, nil).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO polls (id, question, options, duration, start_time, status, created_at)
		VALUES ('p1', 'Q', '[]', 5, 0, 'active', 0)`); err != nil {
		t.Fatalf("insert poll: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO votes (id, poll_id, student_id, option_id, created_at)
		VALUES ('v1', 'p1', 'amy', 'o1', 0)`); err != nil {
		t.Fatalf("insert vote: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO votes (id, poll_id, student_id, option_id, created_at)
		VALUES ('v2', 'p1', 'amy', 'o2', 0)`); err == nil {
		t.Error("second vote for the same poll and student should violate uniqueness")
	}
}

func TestDialect_SQLiteOptimizations(t *testing.T) {
	db := openTestDB(t)

	if err := DialectSQLite.ApplyOptimizations(db); err != nil {
		t.Fatalf("Failed to apply SQLite optimizations: %v", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to check journal mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected WAL journal mode, got %s", journalMode)
	}

	if err := DialectPostgres.ApplyOptimizations(db); err != nil {
		t.Errorf("postgres optimizations should be a no-op: %v", err)
	}
}
