// Package sqlite archives finalized pipelines in a local SQLite database.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/MOMOJMOGG/report-agent/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB owns the archive connection.
type DB struct {
	conn *sql.DB
}

// NewDB opens (creating if needed) the database at path and applies pending
// migrations. An existing file is copied to path+".bak" first.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	_, statErr := os.Stat(path)
	existed := statErr == nil

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if existed {
		if err := backup(conn, path+".bak"); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	applied, err := migrate(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if applied > 0 {
		log.Info(log.CatDB, "migrations applied", "path", path, "count", applied)
	}
	return &DB{conn: conn}, nil
}

// Close closes the connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Connection returns the underlying handle.
func (d *DB) Connection() *sql.DB {
	return d.conn
}

// Pipelines returns the pipeline archive backed by d.
func (d *DB) Pipelines() *PipelineRepository {
	return newPipelineRepository(d.conn)
}

func backup(conn *sql.DB, dst string) error {
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing old backup: %w", err)
	}
	if _, err := conn.Exec("VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// migrate applies every embedded up migration newer than the recorded
// version, each in its own transaction, and returns how many ran.
func migrate(conn *sql.DB) (int, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("loading migrations: %w", err)
	}
	defer func() { _ = src.Close() }()

	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current uint
	if err := conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}

	applied := 0
	version, err := src.First()
	for err == nil {
		if version > current {
			if err := applyUp(conn, src, version); err != nil {
				return applied, err
			}
			applied++
		}
		version, err = src.Next(version)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return applied, fmt.Errorf("walking migrations: %w", err)
	}
	return applied, nil
}

func applyUp(conn *sql.DB, src source.Driver, version uint) error {
	r, name, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("reading migration %d: %w", version, err)
	}
	body, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return fmt.Errorf("reading migration %d: %w", version, err)
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("migration %d (%s): %w", version, name, err)
	}
	if _, err := tx.Exec(string(body)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", version, name, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().Unix()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	return tx.Commit()
}
