package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteRepository stores workflow documents in SQLite. It is the default
// backend when no Postgres URL is configured.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open SQLite handle.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// InitSchema creates the workflows table if it does not exist.
func (r *SQLiteRepository) InitSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			format     TEXT NOT NULL DEFAULT 'yaml',
			dsl        TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts the sample workflow if it does not already exist.
func (r *SQLiteRepository) Seed(ctx context.Context) error {
	now := formatTime(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, format, dsl, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, SampleWorkflowID, sampleWorkflowName, FormatYAML, sampleWorkflowDSL, now, now)
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (Definition, error) {
	var d Definition
	var created, updated string
	if err := row.Scan(&d.ID, &d.Name, &d.Format, &d.DSL, &created, &updated); err != nil {
		return d, err
	}
	var err error
	if d.CreatedAt, err = time.Parse(sqliteTimeLayout, created); err != nil {
		return d, fmt.Errorf("parse created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(sqliteTimeLayout, updated); err != nil {
		return d, fmt.Errorf("parse updated_at: %w", err)
	}
	return d, nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Definition, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, format, dsl, created_at, updated_at
		FROM workflows WHERE id = ?
	`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &def, nil
}

// List returns all stored workflows, newest first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Definition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, format, dsl, created_at, updated_at
		FROM workflows ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("list workflows: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return defs, nil
}

// Save inserts or updates def. An empty ID is assigned a new UUID.
func (r *SQLiteRepository) Save(ctx context.Context, def *Definition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	now := formatTime(time.Now())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, format, dsl, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
			SET name = excluded.name, format = excluded.format, dsl = excluded.dsl, updated_at = excluded.updated_at
	`, def.ID, def.Name, def.Format, def.DSL, now, now)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}

	stored, err := r.Get(ctx, def.ID)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("save workflow: %s not found after write", def.ID)
	}
	def.CreatedAt, def.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
	return nil
}

// sqliteTimeLayout is fixed width so text ordering matches time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}
