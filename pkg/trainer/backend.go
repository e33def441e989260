package trainer

import (
	"context"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/checkpoint"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/dataset"
)

// Backend isolates the model math from the control loop. One Accumulate call
// is one forward/backward pass over a micro-batch; gradients build up until
// Step applies them as a single optimizer update.
type Backend interface {
	// Accumulate runs forward/backward on one micro-batch and returns its
	// mean loss. Gradients are added to the pending update.
	Accumulate(ctx context.Context, batch []dataset.Example) (float64, error)

	// Step applies the pending gradients as one optimizer update at the
	// given learning rate and clears them. A non-finite gradient or
	// parameter surfaces as a NumericalError.
	Step(lr float64) error

	// Evaluate returns the mean loss over a batch without touching
	// gradients or parameters.
	Evaluate(ctx context.Context, batch []dataset.Example) (float64, error)

	// Snapshot captures the current adapter weights.
	Snapshot() checkpoint.Snapshot
}
