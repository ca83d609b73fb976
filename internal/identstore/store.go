// Package identstore implements the server's durable identity -> tunnel
// port mapping, backed by a sqlite3 file in the same style as the rest of
// this corpus's embedded-database storage layers.
package identstore

import (
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrRangeExhausted is returned by Allocate when every port in the
// configured range is already in use by some other identity.
var ErrRangeExhausted = errors.New("identstore: port range exhausted")

// DB stores the identity -> port mapping in a sqlite3 database. A DB is not
// safe for use by more than one process against the same file.
type DB struct {
	x *sqlx.DB
}

// Open opens or creates a DB at the given path.
func Open(name string) (*DB, error) {
	// WAL plus a fully synchronous commit: every Put must be durable on
	// disk before Allocate can rely on it for the next request, per the
	// store's crash-safety contract.
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_synchronous":  {"FULL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}

	db := &DB{x}
	if err := db.init(); err != nil {
		x.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) init() error {
	if _, err := db.x.Exec(`
		CREATE TABLE IF NOT EXISTS idents (
			ident_b64 TEXT PRIMARY KEY NOT NULL,
			port      INTEGER NOT NULL
		) STRICT;
	`); err != nil {
		return fmt.Errorf("identstore: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return db.x.Close()
}

// IdentKey returns the store key for a raw identity: the URL-safe base64
// encoding used both as the primary key and in the administrative listing.
func IdentKey(ident []byte) string {
	return base64.URLEncoding.EncodeToString(ident)
}

// Get returns the port assigned to ident, if any.
func (db *DB) Get(ident []byte) (port int, ok bool, err error) {
	err = db.x.Get(&port, `SELECT port FROM idents WHERE ident_b64 = ?`, IdentKey(ident))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("identstore: get: %w", err)
	}
	return port, true, nil
}

// Put assigns port to ident, replacing any previous assignment. Callers
// needing durability across a crash must call Sync afterwards.
func (db *DB) Put(ident []byte, port int) error {
	if _, err := db.x.Exec(`
		INSERT INTO idents (ident_b64, port) VALUES (?, ?)
		ON CONFLICT(ident_b64) DO UPDATE SET port = excluded.port
	`, IdentKey(ident), port); err != nil {
		return fmt.Errorf("identstore: put: %w", err)
	}
	return nil
}

// Sync flushes pending writes to stable storage. It must complete before an
// allocation depending on the preceding Put is considered durable.
func (db *DB) Sync() error {
	if _, err := db.x.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("identstore: sync: %w", err)
	}
	return nil
}

// Remove deletes the mapping for the given store key (as returned by
// IdentKey or Items), freeing its port for reallocation.
func (db *DB) Remove(identB64 string) error {
	if _, err := db.x.Exec(`DELETE FROM idents WHERE ident_b64 = ?`, identB64); err != nil {
		return fmt.Errorf("identstore: remove: %w", err)
	}
	return nil
}

// iterValues returns every currently assigned port.
func (db *DB) iterValues() ([]int, error) {
	var ports []int
	if err := db.x.Select(&ports, `SELECT port FROM idents`); err != nil {
		return nil, fmt.Errorf("identstore: iter values: %w", err)
	}
	return ports, nil
}

// Entry is one row of the administrative listing.
type Entry struct {
	IdentB64 string `db:"ident_b64"`
	Port     int    `db:"port"`
}

// Items returns every stored mapping, ordered by key, for the
// administrative --ident-list command.
func (db *DB) Items() ([]Entry, error) {
	var entries []Entry
	if err := db.x.Select(&entries, `SELECT ident_b64, port FROM idents ORDER BY ident_b64`); err != nil {
		return nil, fmt.Errorf("identstore: items: %w", err)
	}
	return entries, nil
}

// Allocate resolves the tunnel port for ident per spec.md §4.3/§4.5: reuse
// the stored port if it still lies within [rangeA, rangeB]; otherwise
// assign (and durably persist) the lowest free port in range, overwriting
// any out-of-range assignment. reused reports whether the returned port
// came from the existing assignment rather than a fresh scan. It returns
// ErrRangeExhausted itself, unwrapped and with no further detail, if every
// port in range is taken by another identity.
func (db *DB) Allocate(ident []byte, rangeA, rangeB int) (port int, reused bool, err error) {
	existing, ok, err := db.Get(ident)
	if err != nil {
		return 0, false, err
	}
	if ok && existing >= rangeA && existing <= rangeB {
		return existing, true, nil
	}

	inUse, err := db.iterValues()
	if err != nil {
		return 0, false, err
	}
	used := make(map[int]bool, len(inUse))
	for _, p := range inUse {
		used[p] = true
	}

	for p := rangeA; p <= rangeB; p++ {
		if used[p] {
			continue
		}
		if err := db.Put(ident, p); err != nil {
			return 0, false, err
		}
		if err := db.Sync(); err != nil {
			return 0, false, err
		}
		return p, false, nil
	}
	return 0, false, ErrRangeExhausted
}
