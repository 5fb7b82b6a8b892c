// Package catalog keeps a queryable SQLite index of backups. It is derived
// state: manifests on disk stay authoritative and the catalog can be
// rebuilt from them at any time.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound reports a backup ID the catalog does not know.
var ErrNotFound = errors.New("catalog: backup not found")

// Row is one catalog record.
type Row struct {
	ID           string
	ServerID     string
	Kind         string
	CreatedAt    time.Time
	Comment      string
	TotalSize    int64
	FileCount    int
	ManifestPath string
}

// Catalog wraps the backup index database.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer keeps SQLite happy under concurrent backup jobs.
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS backups(
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			total_size INTEGER NOT NULL,
			file_count INTEGER NOT NULL,
			manifest_path TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_backups_server ON backups(server_id, created_at);`,
	}
	for _, q := range stmts {
		if _, err := c.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Upsert records r, replacing any previous row with the same ID.
func (c *Catalog) Upsert(ctx context.Context, r Row) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO backups(id, server_id, kind, created_at, comment, total_size, file_count, manifest_path)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			server_id = excluded.server_id,
			kind = excluded.kind,
			created_at = excluded.created_at,
			comment = excluded.comment,
			total_size = excluded.total_size,
			file_count = excluded.file_count,
			manifest_path = excluded.manifest_path;`,
		r.ID, r.ServerID, r.Kind, r.CreatedAt.UTC(), r.Comment, r.TotalSize, r.FileCount, r.ManifestPath)
	return err
}

// Delete removes the row for id. Deleting an unknown ID is not an error.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?;`, id)
	return err
}

// Get returns the row for id.
func (c *Catalog) Get(ctx context.Context, id string) (Row, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, server_id, kind, created_at, comment, total_size, file_count, manifest_path
		FROM backups WHERE id = ?;`, id)
	var r Row
	err := row.Scan(&r.ID, &r.ServerID, &r.Kind, &r.CreatedAt, &r.Comment, &r.TotalSize, &r.FileCount, &r.ManifestPath)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Row{}, err
	}
	return r, nil
}

// List returns rows newest first. An empty serverID lists every server.
func (c *Catalog) List(ctx context.Context, serverID string) ([]Row, error) {
	q := `SELECT id, server_id, kind, created_at, comment, total_size, file_count, manifest_path
		FROM backups`
	var args []any
	if serverID != "" {
		q += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	q += ` ORDER BY created_at DESC, id DESC;`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.ServerID, &r.Kind, &r.CreatedAt, &r.Comment, &r.TotalSize, &r.FileCount, &r.ManifestPath); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Clear drops every row. Reindex uses it before replaying manifests.
func (c *Catalog) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM backups;`)
	return err
}

func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
