package templates

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/excelwiz/internal/apperr"
	"github.com/starford/excelwiz/internal/models"
)

const kvSchemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteRepo stores the collection as one row of a key/value table.
type SQLiteRepo struct {
	conn *sql.DB
	key  string
}

const dsnPragmas = "_journal_mode=WAL&_busy_timeout=5000"

// withPragmas appends the driver options to dsn, which may already carry
// its own query string (file:x.db?cache=shared).
func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + dsnPragmas
}

// OpenSQLite opens (or creates) the database at dsn and applies the schema.
func OpenSQLite(dsn string) (*SQLiteRepo, error) {
	conn, err := sql.Open("sqlite3", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("templates: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("templates: ping: %w", err)
	}
	if _, err := conn.Exec(kvSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("templates: apply schema: %w", err)
	}
	return &SQLiteRepo{conn: conn, key: StorageKey}, nil
}

// Close closes the underlying database connection.
func (r *SQLiteRepo) Close() error {
	return r.conn.Close()
}

// Load implements Repository. A missing row is an empty collection.
func (r *SQLiteRepo) Load(ctx context.Context) ([]models.Template, error) {
	var value string
	err := r.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, r.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return []models.Template{}, nil
	}
	if err != nil {
		return nil, apperr.New(apperr.KindPersistence, "templates: load", err)
	}
	return Decode([]byte(value)), nil
}

// Save implements Repository.
func (r *SQLiteRepo) Save(ctx context.Context, templates []models.Template) error {
	data, err := Encode(templates)
	if err != nil {
		return apperr.New(apperr.KindPersistence, "templates: encode", err)
	}
	_, err = r.conn.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`, r.key, string(data))
	if err != nil {
		return apperr.New(apperr.KindPersistence, "templates: save", err)
	}
	return nil
}
