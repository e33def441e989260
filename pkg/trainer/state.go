package trainer

import (
	"fmt"
)

// Phase is the controller's position in the step loop.
type Phase int

const (
	PhaseWarmup Phase = iota
	PhaseTraining
	PhaseEvaluating
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseWarmup:
		return "warmup"
	case PhaseTraining:
		return "training"
	case PhaseEvaluating:
		return "evaluating"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RunState is the mutable per-run record. It is created when the loop starts,
// owned exclusively by one Controller, and passed explicitly so concurrent
// runs stay isolated.
type RunState struct {
	Step                  int
	Phase                 Phase
	BestMetric            float64
	BestStep              int
	HasBest               bool
	EvalsSinceImprovement int
	SkippedBatches        int
	SavedCheckpoints      int
	LastMetrics           map[string]float64
	StopReason            string
}

func NewRunState() *RunState {
	return &RunState{
		Phase:       PhaseWarmup,
		LastMetrics: make(map[string]float64),
	}
}

// NumericalError reports a non-finite loss or gradient. It is fatal: the run
// aborts rather than risk corrupting the adapter weights, and no checkpoint
// written afterward is trusted as best.
type NumericalError struct {
	Step   int
	Detail string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("non-finite value at step %d: %s", e.Step, e.Detail)
}
