package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Disk is the on-disk backend: one sqlite database file per namespace, each
// in WAL mode so writes acknowledged before a crash survive restart. A
// per-database mutex serialises writers; sqlite handles concurrent readers.
type Disk struct {
	dir string

	mu  sync.Mutex
	dbs map[string]*nsDB // namespace -> open database
}

type nsDB struct {
	db *sql.DB
	mu sync.Mutex // single writer
}

// NewDisk opens the on-disk backend rooted at dir.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Disk{dir: dir, dbs: make(map[string]*nsDB)}, nil
}

// nsFor lazily opens the database for the key's namespace.
func (d *Disk) nsFor(key string) (*nsDB, error) {
	ns := SplitNamespace(key)

	d.mu.Lock()
	defer d.mu.Unlock()

	if db, ok := d.dbs[ns]; ok {
		return db, nil
	}

	path := filepath.Join(d.dir, ns+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// WAL keeps acknowledged writes durable across unclean shutdown.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		k TEXT PRIMARY KEY,
		v BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table %s: %w", path, err)
	}

	entry := &nsDB{db: db}
	d.dbs[ns] = entry
	return entry, nil
}

func (d *Disk) Get(ctx context.Context, key string) ([]byte, bool, error) {
	n, err := d.nsFor(key)
	if err != nil {
		return nil, false, err
	}

	var value []byte
	var expiresAt int64
	row := n.db.QueryRowContext(ctx, `SELECT v, expires_at FROM kv WHERE k = ?`, key)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	if expiresAt > 0 && time.Now().UnixMilli() > expiresAt {
		// Lazy expiry: drop the stale row.
		n.mu.Lock()
		n.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key)
		n.mu.Unlock()
		return nil, false, nil
	}
	return value, true, nil
}

func (d *Disk) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	n, err := d.nsFor(key)
	if err != nil {
		return err
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixMilli()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	_, err = n.db.ExecContext(ctx,
		`INSERT INTO kv (k, v, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	return err
}

func (d *Disk) Delete(ctx context.Context, key string) error {
	n, err := d.nsFor(key)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err = n.db.ExecContext(ctx, `DELETE FROM kv WHERE k = ?`, key)
	return err
}

func (d *Disk) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := d.Get(ctx, key)
	return found, err
}

func (d *Disk) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, found, err := d.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if found {
			out[k] = v
		}
	}
	return out, nil
}

func (d *Disk) SetMany(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	for k, v := range items {
		if err := d.Set(ctx, k, v, ttl); err != nil {
			return err
		}
	}
	return nil
}

func (d *Disk) Items(ctx context.Context, prefix string) (map[string][]byte, error) {
	n, err := d.nsFor(prefix)
	if err != nil {
		return nil, err
	}

	rows, err := n.db.QueryContext(ctx,
		`SELECT k, v FROM kv WHERE k LIKE ? AND (expires_at = 0 OR expires_at > ?)`,
		prefix+"%", time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (d *Disk) Clear(ctx context.Context, prefix string) error {
	n, err := d.nsFor(prefix)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err = n.db.ExecContext(ctx, `DELETE FROM kv WHERE k LIKE ?`, prefix+"%")
	return err
}

func (d *Disk) Size(ctx context.Context, prefix string) (int, error) {
	n, err := d.nsFor(prefix)
	if err != nil {
		return 0, err
	}
	var count int
	row := n.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv WHERE k LIKE ? AND (expires_at = 0 OR expires_at > ?)`,
		prefix+"%", time.Now().UnixMilli())
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Close checkpoints and closes every open namespace database.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for ns, n := range d.dbs {
		n.mu.Lock()
		n.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
		if err := n.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", ns, err)
		}
		n.mu.Unlock()
		delete(d.dbs, ns)
	}
	return firstErr
}
