package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"spot-runner/core/models"

	"github.com/rs/zerolog/log"
)

// InstanceRepository stores instances and their transition history
type InstanceRepository struct {
	db *DB
}

// NewInstanceRepository creates a new instance repository
func NewInstanceRepository(db *DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertInstance = `
	INSERT INTO instances (
		id, project, provider_id, state, type_id, zone, market, price,
		address, attempts, retries, last_error, launch_time, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO UPDATE SET
		provider_id = excluded.provider_id,
		state = excluded.state,
		zone = excluded.zone,
		address = excluded.address,
		attempts = excluded.attempts,
		retries = excluded.retries,
		last_error = excluded.last_error,
		launch_time = excluded.launch_time,
		updated_at = excluded.updated_at
`

func saveInstance(ctx context.Context, ex execer, inst models.ProvisionedInstance) error {
	var launchTime sql.NullTime
	if inst.LaunchTime != nil {
		launchTime = sql.NullTime{Time: inst.LaunchTime.UTC(), Valid: true}
	}
	_, err := ex.ExecContext(ctx, upsertInstance,
		inst.ID,
		inst.ProjectName,
		inst.ProviderID,
		string(inst.State),
		inst.TypeID,
		inst.Zone,
		string(inst.Market),
		inst.Price,
		inst.Address,
		inst.Attempts,
		inst.Retries,
		inst.LastError,
		launchTime,
		inst.UpdatedAt.UTC(),
	)
	return err
}

// Save inserts or updates an instance
func (r *InstanceRepository) Save(ctx context.Context, inst models.ProvisionedInstance) error {
	if err := saveInstance(ctx, r.db, inst); err != nil {
		return fmt.Errorf("failed to save instance %s: %w", inst.ID, err)
	}
	return nil
}

// Transition stores the instance and appends a transition event atomically
func (r *InstanceRepository) Transition(ctx context.Context, inst models.ProvisionedInstance, from models.InstanceState, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveInstance(ctx, tx, inst); err != nil {
		return fmt.Errorf("failed to save instance %s: %w", inst.ID, err)
	}

	meta, err := json.Marshal(map[string]interface{}{
		"provider_id": inst.ProviderID,
		"attempts":    inst.Attempts,
		"retries":     inst.Retries,
	})
	if err != nil {
		return err
	}

	var fromState sql.NullString
	if from != "" {
		fromState = sql.NullString{String: string(from), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO instance_events (instance_id, project, at, from_state, to_state, reason, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inst.ID, inst.ProjectName, inst.UpdatedAt.UTC(), fromState, string(inst.State), reason, string(meta),
	)
	if err != nil {
		return fmt.Errorf("failed to record event for %s: %w", inst.ID, err)
	}
	return tx.Commit()
}

// RecordTransition persists a state change; failures are logged, never returned
func (r *InstanceRepository) RecordTransition(ctx context.Context, inst models.ProvisionedInstance, from models.InstanceState, reason string) {
	if err := r.Transition(context.WithoutCancel(ctx), inst, from, reason); err != nil {
		log.Error().Err(err).Str("instance", inst.ID).Msg("failed to persist instance transition")
	}
}

// ListByProject returns the instances of a project ordered by id
func (r *InstanceRepository) ListByProject(ctx context.Context, project string) ([]models.ProvisionedInstance, error) {
	query := `
		SELECT id, project, provider_id, state, type_id, zone, market, price,
			address, attempts, retries, last_error, launch_time, updated_at
		FROM instances
		WHERE project = $1
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query, project)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var out []models.ProvisionedInstance
	for rows.Next() {
		var inst models.ProvisionedInstance
		var state, market string
		var launchTime sql.NullTime
		err := rows.Scan(
			&inst.ID,
			&inst.ProjectName,
			&inst.ProviderID,
			&state,
			&inst.TypeID,
			&inst.Zone,
			&market,
			&inst.Price,
			&inst.Address,
			&inst.Attempts,
			&inst.Retries,
			&inst.LastError,
			&launchTime,
			&inst.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		inst.State = models.InstanceState(state)
		inst.Market = models.Market(market)
		if launchTime.Valid {
			t := launchTime.Time
			inst.LaunchTime = &t
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Events returns the latest transition events of a project, newest first
func (r *InstanceRepository) Events(ctx context.Context, project string, limit int) ([]models.InstanceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, instance_id, project, at, from_state, to_state, reason, meta_json
		FROM instance_events
		WHERE project = $1
		ORDER BY at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, project, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.InstanceEvent
	for rows.Next() {
		var event models.InstanceEvent
		var fromState sql.NullString
		var toState, metaJSON string
		err := rows.Scan(
			&event.ID,
			&event.InstanceID,
			&event.Project,
			&event.At,
			&fromState,
			&toState,
			&event.Reason,
			&metaJSON,
		)
		if err != nil {
			return nil, err
		}
		event.ToState = models.InstanceState(toState)
		if fromState.Valid {
			s := models.InstanceState(fromState.String)
			event.FromState = &s
		}
		if metaJSON != "" {
			_ = json.Unmarshal([]byte(metaJSON), &event.Meta)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
