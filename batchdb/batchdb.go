// Package batchdb is the SQLite ledger of batched service node rewards.
//
// From hf19 blocks no longer pay service nodes directly. Each block credits
// the winning node's contributors in the ledger and pays out, through its
// miner tx, the balances that fall due at its height.
package batchdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	sqlite_migrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
	_ "modernc.org/sqlite" // Register the sqlite driver.

	"github.com/x-vinnci/saferun-core-sub001/logging"
	"github.com/x-vinnci/saferun-core-sub001/protocol/params"
)

var log = logging.Category("blockchain.db.sqlite")

const (
	// DefaultFilename is the ledger file inside the data directory.
	DefaultFilename = "sqlite.db"

	sqliteOptionPrefix    = "_pragma"
	sqliteTxLockImmediate = "_txlock=immediate"
)

//go:embed migrations/*.sql
var sqlSchemas embed.FS

// DB is the batch ledger. All mutation happens under the chain lock, but
// DB carries its own mutex so read-only callers may use it concurrently.
type DB struct {
	mu     sync.Mutex
	db     *sql.DB
	net    params.NetType
	height uint64
}

// Open opens or creates the ledger at path and migrates it to the latest
// schema.
func Open(path string, net params.NetType) (*DB, error) {
	pragmas := []struct{ name, value string }{
		{"foreign_keys", "on"},
		{"journal_mode", "WAL"},
		{"busy_timeout", "3000"},
		{"synchronous", "full"},
	}
	opts := make(url.Values)
	for _, p := range pragmas {
		opts.Add(sqliteOptionPrefix, fmt.Sprintf("%v=%v", p.name, p.value))
	}
	dsn := fmt.Sprintf("%v?%v&%v", path, opts.Encode(), sqliteTxLockImmediate)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One writer, and the ledger is only written from the chain's critical
	// section.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate batch ledger: %w", err)
	}

	d := &DB{db: db, net: net}
	if err := d.db.QueryRow("SELECT height FROM batch_sn_info").Scan(&d.height); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read batch ledger height: %w", err)
	}
	log.WithField("path", path).WithField("height", d.height).Info("opened batch ledger")
	return d, nil
}

// OpenDir opens the ledger in dataDir.
func OpenDir(dataDir string, net params.NetType) (*DB, error) {
	return Open(filepath.Join(dataDir, DefaultFilename), net)
}

// Close closes the ledger.
func (d *DB) Close() error {
	return d.db.Close()
}

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...interface{}) {
	log.Debugf(format, v...)
}

func (migrationLogger) Verbose() bool { return false }

func applyMigrations(db *sql.DB) error {
	driver, err := sqlite_migrate.WithInstance(db, &sqlite_migrate.Config{})
	if err != nil {
		return fmt.Errorf("error creating sqlite migration: %w", err)
	}

	// The migrate library cannot read an embed.FS directly, so it is served
	// through http.FS.
	src, err := httpfs.New(http.FS(sqlSchemas), "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("migrations", src, "sqlite", driver)
	if err != nil {
		return err
	}
	m.Log = migrationLogger{}

	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	log.WithField("version", version).Debug("applying batch ledger migrations")

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// withTx runs fn in one write transaction.
func (d *DB) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.WithError(rbErr).Error("failed to roll back batch ledger transaction")
		}
		return err
	}
	return tx.Commit()
}
