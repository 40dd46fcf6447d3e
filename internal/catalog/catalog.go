// Package catalog keeps an SQLite index of permission backups and runs.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrNotFound is returned when no backup matches a lookup.
var ErrNotFound = errors.New("backup not found in catalog")

// Backup is one catalogued permission snapshot.
type Backup struct {
	ID        int64
	Site      string
	SiteRoot  string
	BaseName  string
	PermsPath string
	ACLPath   string
	Entries   int
	Skipped   int
	RunID     string
	CreatedAt time.Time
}

// Run summarizes one invocation of the tool.
type Run struct {
	RunID      string
	Mode       string
	DryRun     bool
	Succeeded  int
	Failed     int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Catalog handles SQLite persistence for backups and runs.
type Catalog struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// Open creates or opens the catalog database and applies pending migrations.
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("Catalog initialized", "path", path)

	return &Catalog{db: db, logger: logger}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load catalog migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare catalog migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to prepare catalog migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// RecordBackup stores a backup and returns its catalog id.
func (c *Catalog) RecordBackup(ctx context.Context, b Backup) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO backups (site, site_root, base_name, perms_path, acl_path, entries, skipped, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.Site, b.SiteRoot, b.BaseName, b.PermsPath, b.ACLPath, b.Entries, b.Skipped, b.RunID, b.CreatedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to record backup: %w", err)
	}
	return res.LastInsertId()
}

// LatestBackup returns the newest backup recorded for site.
func (c *Catalog) LatestBackup(ctx context.Context, site string) (Backup, error) {
	backups, err := c.ListBackups(ctx, site, 1)
	if err != nil {
		return Backup{}, err
	}
	if len(backups) == 0 {
		return Backup{}, fmt.Errorf("%w: %s", ErrNotFound, site)
	}
	return backups[0], nil
}

// ListBackups returns backups newest first. An empty site lists every site;
// limit <= 0 means no limit.
func (c *Catalog) ListBackups(ctx context.Context, site string, limit int) ([]Backup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := `SELECT id, site, site_root, base_name, perms_path, acl_path, entries, skipped, run_id, created_at FROM backups`
	var args []interface{}
	if site != "" {
		query += ` WHERE site = ?`
		args = append(args, site)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	defer rows.Close()

	var out []Backup
	for rows.Next() {
		var b Backup
		var created int64
		if err := rows.Scan(&b.ID, &b.Site, &b.SiteRoot, &b.BaseName, &b.PermsPath, &b.ACLPath, &b.Entries, &b.Skipped, &b.RunID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		b.CreatedAt = time.Unix(created, 0)
		out = append(out, b)
	}
	return out, rows.Err()
}

// DeleteBackup removes a backup row. The snapshot files are left to the caller.
func (c *Catalog) DeleteBackup(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete backup %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// RecordRun stores the outcome of one invocation.
func (c *Catalog) RecordRun(ctx context.Context, r Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, mode, dry_run, succeeded, failed, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			finished_at = excluded.finished_at
	`, r.RunID, r.Mode, r.DryRun, r.Succeeded, r.Failed, r.StartedAt.Unix(), r.FinishedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// LastRun returns the most recently finished run.
func (c *Catalog) LastRun(ctx context.Context) (Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var r Run
	var started, finished int64
	err := c.db.QueryRowContext(ctx, `
		SELECT run_id, mode, dry_run, succeeded, failed, started_at, finished_at
		FROM runs ORDER BY finished_at DESC LIMIT 1
	`).Scan(&r.RunID, &r.Mode, &r.DryRun, &r.Succeeded, &r.Failed, &started, &finished)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(started, 0)
	r.FinishedAt = time.Unix(finished, 0)
	return r, nil
}
