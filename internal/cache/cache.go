// Package cache stores encoded artifacts in SQLite keyed by pixel content,
// module, extractor and codec.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Key identifies one compiled artifact.
type Key struct {
	RasterDigest string
	ModuleDigest string
	Extractor    string
	Codec        string
}

// RasterDigest hashes dimensions and pixels, so re-encoded copies of the
// same image share a key.
func RasterDigest(width, height int, pix []byte) string {
	h := sha256.New()
	var dims [8]byte
	binary.BigEndian.PutUint32(dims[0:], uint32(width))
	binary.BigEndian.PutUint32(dims[4:], uint32(height))
	h.Write(dims[:])
	h.Write(pix)
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is an artifact store. It is safe for concurrent use.
type Cache struct {
	db     *sql.DB
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// Open opens or creates the cache database at path and applies pending
// migrations. ":memory:" gives a private in-memory cache.
func Open(path string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	c := &Cache{db: db, logger: logger}
	if err := c.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(c.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m is not closed: that would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, _, err := m.Version()
	if err == nil {
		c.logger.Debug("cache schema ready", zap.Uint("version", version))
	}
	return nil
}

// Get returns the stored artifact for key. A miss is (nil, false, nil).
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT data FROM artifacts
		 WHERE raster_digest = ? AND module_digest = ? AND extractor = ? AND codec = ?`,
		key.RasterDigest, key.ModuleDigest, key.Extractor, key.Codec,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	c.hits.Add(1)
	return data, true, nil
}

// Put stores data under key, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, key Key, data []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifacts (raster_digest, module_digest, extractor, codec, data)
		 VALUES (?, ?, ?, ?, ?)`,
		key.RasterDigest, key.ModuleDigest, key.Extractor, key.Codec, data,
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Prune deletes entries created before cutoff and returns how many went.
func (c *Cache) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE created_at < ?`,
		cutoff.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return 0, fmt.Errorf("cache prune: %w", err)
	}
	return res.RowsAffected()
}

// Len returns the number of stored artifacts.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Stats returns lookup hit and miss counts since Open.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}
