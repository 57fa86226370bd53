package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// dialect holds what differs between the supported databases.
type dialect struct {
	placeholder sq.PlaceholderFormat
	key         string // column type of ids and names
	text        string // column type of serialized trees
	// indexIfNotExists is false where CREATE INDEX has no IF NOT EXISTS.
	indexIfNotExists bool
}

var dialects = map[string]dialect{
	DriverSQLite:   {placeholder: sq.Question, key: "TEXT", text: "TEXT", indexIfNotExists: true},
	DriverPostgres: {placeholder: sq.Dollar, key: "TEXT", text: "TEXT", indexIfNotExists: true},
	DriverMySQL:    {placeholder: sq.Question, key: "VARCHAR(191)", text: "LONGTEXT"},
}

// DB wraps the database connection and the statement builder for its dialect.
type DB struct {
	conn    *sql.DB
	driver  string
	dialect dialect
	sb      sq.StatementBuilderType
}

// Open connects to dsn with driver and applies the schema. For sqlite, dsn is
// a file path whose directory is created if needed.
func Open(driver, dsn string) (*DB, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	source := dsn
	if driver == DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		source = dsn + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	conn, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite only supports one writer; a single connection avoids SQLITE_BUSY
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	db := &DB{
		conn:    conn,
		driver:  driver,
		dialect: d,
		sb:      sq.StatementBuilder.PlaceholderFormat(d.placeholder),
	}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) Driver() string { return db.driver }

func (db *DB) migrate() error {
	key, text := db.dialect.key, db.dialect.text
	migrations := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS pages (
			id %[1]s PRIMARY KEY,
			title %[1]s NOT NULL,
			route %[1]s NOT NULL,
			draft_blocks %[2]s NOT NULL,
			published_blocks %[2]s NOT NULL,
			published INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, key, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS components (
			name %[1]s PRIMARY KEY,
			component_name %[1]s NOT NULL,
			block %[2]s NOT NULL,
			updated_at BIGINT NOT NULL
		)`, key, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS history_entries (
			page_id %[1]s NOT NULL,
			seq BIGINT NOT NULL,
			snapshot %[2]s NOT NULL,
			selected_json %[2]s NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (page_id, seq)
		)`, key, text),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS history_cursors (
			page_id %[1]s PRIMARY KEY,
			seq BIGINT NOT NULL
		)`, key),
		db.createIndex("idx_pages_route", "pages(route)"),
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			// MySQL has no IF NOT EXISTS for indexes; a rerun reports the duplicate
			if strings.HasPrefix(m, "CREATE INDEX") && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("migration failed: %s: %w", firstLine(m), err)
		}
	}
	return nil
}

func (db *DB) createIndex(name, on string) string {
	if db.dialect.indexIfNotExists {
		return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s", name, on)
	}
	return fmt.Sprintf("CREATE INDEX %s ON %s", name, on)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
