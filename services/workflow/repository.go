package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository stores workflow documents in PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new Repository backed by the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// InitSchema creates the workflows table if it does not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			format     TEXT NOT NULL DEFAULT 'yaml',
			dsl        TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Seed inserts the sample workflow if it does not already exist.
func (r *Repository) Seed(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO workflows (id, name, format, dsl)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, SampleWorkflowID, sampleWorkflowName, FormatYAML, sampleWorkflowDSL)
	if err != nil {
		return fmt.Errorf("seed workflow: %w", err)
	}
	return nil
}

// Get retrieves a workflow by ID. Returns nil, nil if not found.
func (r *Repository) Get(ctx context.Context, id string) (*Definition, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	var def Definition
	err := r.db.QueryRow(ctx, `
		SELECT id, name, format, dsl, created_at, updated_at
		FROM workflows WHERE id = $1
	`, id).Scan(&def.ID, &def.Name, &def.Format, &def.DSL, &def.CreatedAt, &def.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return &def, nil
}

// List returns all stored workflows, newest first.
func (r *Repository) List(ctx context.Context) ([]Definition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, name, format, dsl, created_at, updated_at
		FROM workflows ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Definition, error) {
		var d Definition
		err := row.Scan(&d.ID, &d.Name, &d.Format, &d.DSL, &d.CreatedAt, &d.UpdatedAt)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return defs, nil
}

// Save inserts or updates def. An empty ID is assigned a new UUID.
func (r *Repository) Save(ctx context.Context, def *Definition) error {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO workflows (id, name, format, dsl)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, format = EXCLUDED.format, dsl = EXCLUDED.dsl, updated_at = NOW()
		RETURNING created_at, updated_at
	`, def.ID, def.Name, def.Format, def.DSL).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// SchemaRepo is a repository that can create its schema and seed data.
type SchemaRepo interface {
	InitSchema(ctx context.Context) error
	Seed(ctx context.Context) error
}

// InitDB creates the schema and seeds initial data. Called from main on startup.
func InitDB(ctx context.Context, repo SchemaRepo) error {
	if err := repo.InitSchema(ctx); err != nil {
		return err
	}
	return repo.Seed(ctx)
}

// SampleWorkflowID is the id of the seeded sample workflow.
const SampleWorkflowID = "550e8400-e29b-41d4-a716-446655440000"

const sampleWorkflowName = "Question Pipeline"

const sampleWorkflowDSL = `metadata:
  name: Question Pipeline
  version: "1.0"
  description: Normalizes a question, scores it and combines both branches.
executors:
  - name: normalize
    func: text_process
    custom_vars:
      text: ${workflow_input.question}
      operation: trim
  - name: shout
    func: text_process
    custom_vars:
      operation: upper
    depends_on: [normalize]
  - name: score
    func: calculate
    custom_vars:
      expression: "6 * 7"
  - name: summary
    func: combine_outputs
    custom_vars:
      prompt_template: "{input1} (score {input2})"
    depends_on: [shout, score]
output:
  answer: ${summary.output}
  score: ${score}
`
