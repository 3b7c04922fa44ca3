package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

// Database is one trader's sqlite store: order/trade journal, order command
// archive, strategy state and the system param KV.
type Database struct {
	DB *sql.DB
}

// New opens the sqlite file at path, creating parent directories as needed.
// WAL lets IPC snapshot reads proceed while the bus handlers write; the busy
// timeout covers the handoff window when a trader restarts onto the same file.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("db: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("db: create directory: %w", err)
	}

	dsn := url.Values{}
	dsn.Add("_pragma", "journal_mode(WAL)")
	dsn.Add("_pragma", "busy_timeout(5000)")
	dsn.Add("_pragma", "foreign_keys(ON)")
	conn, err := sql.Open("sqlite", path+"?"+dsn.Encode())
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	// sqlite permits a single writer; funnel everything through one conn.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db: ping %s: %w", path, err)
	}
	return &Database{DB: conn}, nil
}

// Close releases the handle. Safe on a nil receiver.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
