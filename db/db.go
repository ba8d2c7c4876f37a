package db

import (
	"database/sql"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the pooled sqlite connection backing the repository
// implementations in this package.
type DB struct {
	db *sql.DB
}

var (
	dbMu        sync.Mutex
	dbInstances = map[string]*DB{}
)

// GetDB opens (once per path) the sqlite database at path, tunes it for
// a concurrent federation workload, and runs migrations. Subsequent
// calls with the same path return the same instance, so the repository
// implementations share one connection pool per database file.
func GetDB(path string) *DB {
	dbMu.Lock()
	defer dbMu.Unlock()

	if d, ok := dbInstances[path]; ok {
		return d
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		panic(err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := conn.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("db: failed to enable WAL mode: %v", err)
	}
	conn.Exec("PRAGMA synchronous = NORMAL")
	conn.Exec("PRAGMA cache_size = -64000")
	conn.Exec("PRAGMA temp_store = MEMORY")
	conn.Exec("PRAGMA busy_timeout = 5000")
	conn.Exec("PRAGMA foreign_keys = ON")
	conn.Exec("PRAGMA auto_vacuum = INCREMENTAL")

	d := &DB{db: conn}
	if err := d.RunMigrations(); err != nil {
		panic(err)
	}
	dbInstances[path] = d
	return d
}

// Close closes the underlying connection pool. Used by tests and on
// graceful shutdown.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
