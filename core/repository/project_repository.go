package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"spot-runner/core/models"
)

// ProjectRepository handles database operations for projects
type ProjectRepository struct {
	db *DB
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db *DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Save inserts or replaces a project
func (r *ProjectRepository) Save(ctx context.Context, project *models.Project) error {
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	doc, err := json.Marshal(project)
	if err != nil {
		return fmt.Errorf("failed to encode project: %w", err)
	}

	query := `
		INSERT INTO projects (name, status, bucket, region, run_id, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			status = excluded.status,
			bucket = excluded.bucket,
			region = excluded.region,
			run_id = excluded.run_id,
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		project.Name,
		string(project.Status),
		project.Bucket,
		project.Region,
		project.RunID,
		string(doc),
		project.CreatedAt,
		project.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save project %s: %w", project.Name, err)
	}
	return nil
}

// Get retrieves a project by name
func (r *ProjectRepository) Get(ctx context.Context, name string) (*models.Project, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT doc FROM projects WHERE name = $1`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", name, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", name, err)
	}

	var project models.Project
	if err := json.Unmarshal([]byte(doc), &project); err != nil {
		return nil, fmt.Errorf("failed to decode project %s: %w", name, err)
	}
	return &project, nil
}

// List returns every project, most recently updated first
func (r *ProjectRepository) List(ctx context.Context) ([]*models.Project, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT doc FROM projects ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var project models.Project
		if err := json.Unmarshal([]byte(doc), &project); err != nil {
			return nil, fmt.Errorf("failed to decode project: %w", err)
		}
		projects = append(projects, &project)
	}
	return projects, rows.Err()
}

// UpdateStatus sets the status of a stored project
func (r *ProjectRepository) UpdateStatus(ctx context.Context, name string, status models.ProjectStatus) error {
	project, err := r.Get(ctx, name)
	if err != nil {
		return err
	}
	project.Status = status
	return r.Save(ctx, project)
}

// AddCost adds usd to the running cost of a project
func (r *ProjectRepository) AddCost(ctx context.Context, name string, usd float64) (*models.Project, error) {
	project, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	project.RunningCostUSD += usd
	if err := r.Save(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}
