// Package catalog keeps an optional SQLite index of archived messages.
package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/dhcgn/imap-backup/model"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var ErrRunNotFound = errors.New("run not found")

// Catalog is a SQLite database of backup runs and their entries.
type Catalog struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(path string) (*Catalog, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog db: %w", err)
	}
	// a single connection keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return c, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := c.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = c.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := c.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// RunInfo is one row of the runs table.
type RunInfo struct {
	ID         string `db:"id"`
	User       string `db:"account"`
	Host       string `db:"host"`
	Output     string `db:"output"`
	StartedAt  int64  `db:"started_at"`
	FinishedAt int64  `db:"finished_at"`
	Status     string `db:"status"`
	Archived   int    `db:"archived"`
}

// EntryInfo is one row of the entries table.
type EntryInfo struct {
	RunID     string `db:"run_id"`
	Path      string `db:"path"`
	Folder    string `db:"folder"`
	MessageID uint32 `db:"message_id"`
	Subject   string `db:"subject"`
	DateUnix  int64  `db:"date_unix"`
	Size      int64  `db:"size"`
	SHA256    string `db:"sha256"`
}

// Run records the entries of one backup run.
type Run struct {
	ID      string
	catalog *Catalog
}

// StartRun inserts a new run with a random id.
func (c *Catalog) StartRun(ctx context.Context, user, host, output string, at time.Time) (*Run, error) {
	id := uuid.New().String()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO runs (id, account, host, output, started_at, status) VALUES (?, ?, ?, ?, ?, ?)`,
		id, user, host, output, at.Unix(), StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}
	return &Run{ID: id, catalog: c}, nil
}

// Record stores one archived entry.
func (r *Run) Record(ctx context.Context, msg model.Message, entry model.Entry) error {
	sum := sha256.Sum256(entry.Content)
	_, err := r.catalog.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (
			run_id, path, folder, message_id, subject, date_unix, size, sha256
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, entry.Path, entry.Folder, msg.ID, msg.Subject, entry.Date.Unix(), len(entry.Content), hex.EncodeToString(sum[:]),
	)
	if err != nil {
		return fmt.Errorf("recording entry %s: %w", entry.Path, err)
	}
	return nil
}

// Finish stores the final status of the run and its archived count.
func (r *Run) Finish(ctx context.Context, status string, archived int, at time.Time) error {
	res, err := r.catalog.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, archived = ?, finished_at = ? WHERE id = ?`,
		status, archived, at.Unix(), r.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, r.ID)
	}
	return nil
}

func (c *Catalog) GetRun(ctx context.Context, id string) (RunInfo, error) {
	var run RunInfo
	err := c.db.GetContext(ctx, &run, `SELECT * FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return RunInfo{}, fmt.Errorf("getting run %s: %w", id, err)
	}
	return run, nil
}

// Entries lists the entries of a run ordered by path.
func (c *Catalog) Entries(ctx context.Context, runID string) ([]EntryInfo, error) {
	var entries []EntryInfo
	err := c.db.SelectContext(ctx, &entries,
		`SELECT * FROM entries WHERE run_id = ? ORDER BY path`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return entries, nil
}

// FindByHash returns every archived copy of content with the given digest.
func (c *Catalog) FindByHash(ctx context.Context, digest string) ([]EntryInfo, error) {
	var entries []EntryInfo
	err := c.db.SelectContext(ctx, &entries,
		`SELECT * FROM entries WHERE sha256 = ? ORDER BY run_id, path`, digest)
	if err != nil {
		return nil, fmt.Errorf("finding entries by hash: %w", err)
	}
	return entries, nil
}
