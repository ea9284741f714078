package monitoring

import (
	"context"

	"spot-runner/core/models"
)

// TransitionRecorder observes instance state transitions
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, inst models.ProvisionedInstance, from models.InstanceState, reason string)
}

// MultiRecorder fans a transition out to several recorders in order
type MultiRecorder []TransitionRecorder

func (mr MultiRecorder) RecordTransition(ctx context.Context, inst models.ProvisionedInstance, from models.InstanceState, reason string) {
	for _, r := range mr {
		if r != nil {
			r.RecordTransition(ctx, inst, from, reason)
		}
	}
}
