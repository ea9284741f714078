package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"spot-runner/core/models"

	"github.com/rs/zerolog/log"
)

// StatusObject is the key of the run status document in a project bucket
const StatusObject = "spotrun.json"

// StatusDocument is the run status mirrored into the project bucket
type StatusDocument struct {
	Project   string                       `json:"project"`
	RunID     string                       `json:"run_id"`
	Status    models.ProjectStatus         `json:"status"`
	Region    string                       `json:"region"`
	Selection *models.Selection            `json:"selection,omitempty"`
	CostUSD   float64                      `json:"cost_usd"`
	Instances []models.ProvisionedInstance `json:"instances,omitempty"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

func (r *Runner) writeStatus(ctx context.Context, project *models.Project, instances []models.ProvisionedInstance) {
	doc := StatusDocument{
		Project:   project.Name,
		RunID:     project.RunID,
		Status:    project.Status,
		Region:    project.Region,
		Selection: project.Selection,
		CostUSD:   r.costs.RunningCost(project.Name),
		Instances: instances,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.Error().Err(err).Str("project", project.Name).Msg("failed to encode status")
		return
	}
	if err := r.store.Put(ctx, project.Bucket, StatusObject, bytes.NewReader(data), int64(len(data))); err != nil {
		log.Warn().Err(err).Str("project", project.Name).Msg("failed to write status object")
	}
}

// ReadStatus reads the status document of a project from its bucket
func (r *Runner) ReadStatus(ctx context.Context, name string) (*StatusDocument, error) {
	bucket := models.BucketName(r.opts.BucketPrefix, name)
	body, err := r.store.Get(ctx, bucket, StatusObject)
	if err != nil {
		return nil, fmt.Errorf("failed to read status of %s: %w", name, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	var doc StatusDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode status of %s: %w", name, err)
	}
	return &doc, nil
}
