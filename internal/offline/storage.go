package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS generations (
	name         TEXT PRIMARY KEY,
	installed_at INTEGER NOT NULL,
	complete     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT NOT NULL REFERENCES generations(name) ON DELETE CASCADE,
	url        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	header     TEXT NOT NULL,
	body       BLOB NOT NULL,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (generation, url)
);
`

// entry is one cached response.
type entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// cacheDB is the named-generation response cache.
type cacheDB struct {
	db *sql.DB
}

func openCache(path string) (*cacheDB, error) {
	if path == "" {
		return nil, errors.New("offline: cache path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases shared and serialises writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("offline: create schema: %w", err)
	}
	return &cacheDB{db: db}, nil
}

func (c *cacheDB) Close() error { return c.db.Close() }

// replaceGeneration writes entries as the complete contents of gen in one
// transaction. Entries already under gen are kept unless overwritten.
func (c *cacheDB) replaceGeneration(ctx context.Context, gen string, entries []entry, now time.Time) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO generations (name, installed_at, complete) VALUES (?, ?, 1)
		 ON CONFLICT(name) DO UPDATE SET installed_at = excluded.installed_at, complete = 1`,
		gen, now.UnixMilli()); err != nil {
		return err
	}
	for _, e := range entries {
		if err := putTx(ctx, tx, gen, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// put stores one entry under gen, creating the generation as incomplete if
// it does not exist yet.
func (c *cacheDB) put(ctx context.Context, gen string, e entry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO generations (name, installed_at, complete) VALUES (?, ?, 0)`,
		gen, e.StoredAt.UnixMilli()); err != nil {
		return err
	}
	if err := putTx(ctx, tx, gen, e); err != nil {
		return err
	}
	return tx.Commit()
}

func putTx(ctx context.Context, tx *sql.Tx, gen string, e entry) error {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return err
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (generation, url, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(generation, url) DO UPDATE SET
		   status = excluded.status, header = excluded.header,
		   body = excluded.body, stored_at = excluded.stored_at`,
		gen, e.URL, e.Status, string(header), body, e.StoredAt.UnixMilli())
	return err
}

// match finds url in any generation, preferring prefer and then the most
// recently installed one.
func (c *cacheDB) match(ctx context.Context, url, prefer string) (entry, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT e.url, e.status, e.header, e.body, e.stored_at
		 FROM entries e JOIN generations g ON g.name = e.generation
		 WHERE e.url = ?
		 ORDER BY (g.name = ?) DESC, g.installed_at DESC
		 LIMIT 1`, url, prefer)

	var (
		e        entry
		header   string
		storedAt int64
	)
	if err := row.Scan(&e.URL, &e.Status, &header, &e.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entry{}, false, nil
		}
		return entry{}, false, err
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return entry{}, false, fmt.Errorf("offline: decode cached header: %w", err)
	}
	e.StoredAt = time.UnixMilli(storedAt).UTC()
	return e, true, nil
}

func (c *cacheDB) complete(ctx context.Context, gen string) (bool, error) {
	var done int
	err := c.db.QueryRowContext(ctx, `SELECT complete FROM generations WHERE name = ?`, gen).Scan(&done)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return done == 1, err
}

func (c *cacheDB) generations(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM generations ORDER BY installed_at DESC, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (c *cacheDB) deleteGeneration(ctx context.Context, gen string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE generation = ?`, gen); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM generations WHERE name = ?`, gen); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *cacheDB) count(ctx context.Context, gen string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE generation = ?`, gen).Scan(&n)
	return n, err
}
