package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const pingTimeout = 5 * time.Second

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore updates player rows in a relational database
type SQLStore struct {
	db        *sql.DB
	driver    string
	table     string
	updateSQL string
}

// OpenSQL opens a database for driver ("sqlite3", "postgres" or "mysql").
// SQLite databases get the location table created if it does not exist;
// the other drivers must already have it.
func OpenSQL(driver, dsn, table string) (*SQLStore, error) {
	if !identifierPattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	var err error
	switch driver {
	case "sqlite3":
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
	case "mysql":
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	store := &SQLStore{
		db:        db,
		driver:    driver,
		table:     table,
		updateSQL: updateStatement(driver, table),
	}

	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)

		if _, err := db.Exec(createStatement(table)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create table %s: %w", table, err)
		}
		return store, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s database: %w", driver, err)
	}

	return store, nil
}

// RecordLocation overwrites the stored coordinates of player id
func (s *SQLStore) RecordLocation(ctx context.Context, id string, x, y, z float32) error {
	result, err := s.db.ExecContext(ctx, s.updateSQL, x, y, z, id)
	if err != nil {
		return fmt.Errorf("failed to update location: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrPlayerNotFound, id)
	}

	return nil
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func updateStatement(driver, table string) string {
	if driver == "postgres" {
		return fmt.Sprintf("UPDATE %s SET x = $1, y = $2, z = $3 WHERE _steamid = $4", table)
	}
	return fmt.Sprintf("UPDATE %s SET x = ?, y = ?, z = ? WHERE _steamid = ?", table)
}

func createStatement(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	_steamid TEXT PRIMARY KEY NOT NULL,
	x REAL NOT NULL DEFAULT 0,
	y REAL NOT NULL DEFAULT 0,
	z REAL NOT NULL DEFAULT 0
)`, table)
}

// mysqlDSN makes MySQL report matched rather than changed rows, so an update
// that writes identical coordinates is not mistaken for a missing player.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ClientFoundRows = true
	return cfg.FormatDSN(), nil
}

func ensureSQLiteDir(dsn string) error {
	if strings.HasPrefix(dsn, "file:") || strings.HasPrefix(dsn, ":memory:") {
		return nil
	}

	dir := filepath.Dir(dsn)
	if dir == "." {
		return nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}
