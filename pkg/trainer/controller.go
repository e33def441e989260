package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/checkpoint"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/config"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/dataset"
)

var DebugLog func(string, ...interface{})

// Recorder receives loop telemetry. Implementations fan it out to the log,
// the tracking database and the metrics index.
type Recorder interface {
	RecordStep(state *RunState, loss, lr float64)
	RecordEval(state *RunState, metrics map[string]float64, improved bool)
}

// NopRecorder discards telemetry.
type NopRecorder struct{}

func (NopRecorder) RecordStep(*RunState, float64, float64)         {}
func (NopRecorder) RecordEval(*RunState, map[string]float64, bool) {}

// Controller drives the step loop: warmup, training, periodic evaluation,
// early stopping, and bounded checkpoint retention. A single Controller owns
// its RunState for the lifetime of the run; steps are strictly sequential.
type Controller struct {
	cfg         *config.Config
	backend     Backend
	loader      *dataset.Loader
	evalSet     []dataset.Example
	store       *checkpoint.Store
	recorder    Recorder
	schedule    Schedule
	deadline    time.Time
	hasDeadline bool
}

func NewController(cfg *config.Config, backend Backend, loader *dataset.Loader, evalSet []dataset.Example, store *checkpoint.Store, recorder Recorder) *Controller {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	c := &Controller{
		cfg:      cfg,
		backend:  backend,
		loader:   loader,
		evalSet:  evalSet,
		store:    store,
		recorder: recorder,
		schedule: Schedule{Peak: cfg.LearningRate, WarmupSteps: cfg.WarmupSteps},
	}
	c.deadline, c.hasDeadline = cfg.Deadline()
	return c
}

// Run executes steps 1..max_steps or until an early-stopping condition is
// reached. Stop requests (context cancellation, deadline) take effect only at
// step boundaries.
func (c *Controller) Run(ctx context.Context) (*RunState, error) {
	state := NewRunState()

	if len(c.evalSet) > 0 && len(c.evalSet) < c.cfg.EvalBatchSize {
		if DebugLog != nil {
			DebugLog("eval set (%d examples) is smaller than eval_batch_size (%d), evaluating with a single partial batch",
				len(c.evalSet), c.cfg.EvalBatchSize)
		}
	}
	if c.cfg.EarlyStopping && len(c.evalSet) == 0 {
		if DebugLog != nil {
			DebugLog("early stopping is enabled but the eval set is empty, evaluation and early stopping never run")
		}
	}

	loaderCtx, cancelLoader := context.WithCancel(ctx)
	defer cancelLoader()
	batches := c.loader.Run(loaderCtx)

	for state.Step < c.cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			c.stop(state, "cancelled")
			return state, err
		}
		if c.hasDeadline && time.Now().After(c.deadline) {
			c.stop(state, "deadline")
			return state, nil
		}

		if state.Step < c.cfg.WarmupSteps {
			state.Phase = PhaseWarmup
		} else {
			state.Phase = PhaseTraining
		}

		loss, err := c.accumulate(ctx, state, batches)
		if err != nil {
			c.stop(state, "error")
			return state, err
		}

		lr := c.schedule.At(state.Step + 1)
		if err := c.backend.Step(lr); err != nil {
			c.stop(state, "error")
			return state, err
		}
		state.Step++

		if c.cfg.LoggingSteps > 0 && state.Step%c.cfg.LoggingSteps == 0 {
			c.recorder.RecordStep(state, loss, lr)
		}

		if len(c.evalSet) > 0 && state.Step%c.cfg.EvalSteps == 0 {
			stopped, err := c.evaluate(ctx, state)
			if err != nil {
				c.stop(state, "error")
				return state, err
			}
			if stopped {
				return state, nil
			}
		}

		// the checkpoint timer is independent of the phase machine
		if state.Step%c.cfg.SaveSteps == 0 {
			if err := c.save(state); err != nil {
				c.stop(state, "error")
				return state, err
			}
		}
	}

	c.stop(state, "max_steps")
	return state, nil
}

// accumulate consumes gradient_accumulation_steps micro-batches and returns
// their mean loss. Malformed micro-batches are skipped with a warning; a
// non-finite loss is fatal.
func (c *Controller) accumulate(ctx context.Context, state *RunState, batches <-chan dataset.Batch) (float64, error) {
	var lossSum float64
	done := 0

	for done < c.cfg.GradientAccumulationSteps {
		var batch dataset.Batch
		var ok bool
		select {
		case batch, ok = <-batches:
			if !ok {
				if err := ctx.Err(); err != nil {
					return 0, err
				}
				return 0, fmt.Errorf("batch stream closed before step %d completed", state.Step+1)
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}

		loss, err := c.backend.Accumulate(ctx, batch.Examples)
		if err != nil {
			var numErr *NumericalError
			if errors.As(err, &numErr) {
				return 0, numErr
			}
			var dataErr *dataset.DataError
			if errors.As(err, &dataErr) {
				state.SkippedBatches++
				if DebugLog != nil {
					DebugLog("skipping micro-batch %d: %v", batch.Index, err)
				}
				continue
			}
			return 0, fmt.Errorf("micro-batch %d failed: %w", batch.Index, err)
		}

		lossSum += loss
		done++
	}

	return lossSum / float64(done), nil
}

// evaluate runs the held-out set through the backend and applies the early
// stopping policy. Returns true when the run transitioned to STOPPED.
func (c *Controller) evaluate(ctx context.Context, state *RunState) (bool, error) {
	state.Phase = PhaseEvaluating

	var lossSum float64
	evalBatches := dataset.Batches(c.evalSet, c.cfg.EvalBatchSize)
	for _, batch := range evalBatches {
		loss, err := c.backend.Evaluate(ctx, batch)
		if err != nil {
			return false, fmt.Errorf("evaluation at step %d failed: %w", state.Step, err)
		}
		lossSum += loss * float64(len(batch))
	}
	evalLoss := lossSum / float64(len(c.evalSet))

	metrics := map[string]float64{"eval_loss": evalLoss}
	if c.cfg.RL == "grpo" {
		metrics["eval_reward"] = -evalLoss
	}
	monitored, ok := metrics[c.cfg.MetricForBestModel]
	if !ok {
		monitored = evalLoss
	}

	improved := !state.HasBest
	if state.HasBest {
		if c.cfg.MetricDirection() == "maximize" {
			improved = monitored > state.BestMetric
		} else {
			improved = monitored < state.BestMetric
		}
	}

	if improved {
		state.BestMetric = monitored
		state.BestStep = state.Step
		state.HasBest = true
		state.EvalsSinceImprovement = 0
	} else {
		state.EvalsSinceImprovement++
	}
	state.LastMetrics = metrics

	c.recorder.RecordEval(state, metrics, improved)

	if c.cfg.EarlyStopping && state.EvalsSinceImprovement >= c.cfg.EarlyStoppingPatience {
		c.stop(state, "early_stopping")
		return true, nil
	}

	return false, nil
}

func (c *Controller) save(state *RunState) error {
	meta := checkpoint.Meta{
		TaskID:                c.cfg.TaskID,
		Step:                  state.Step,
		Phase:                 state.Phase.String(),
		Metrics:               state.LastMetrics,
		BestMetric:            state.BestMetric,
		BestStep:              state.BestStep,
		EvalsSinceImprovement: state.EvalsSinceImprovement,
	}
	if _, err := c.store.Save(meta, c.backend.Snapshot()); err != nil {
		return fmt.Errorf("failed to save checkpoint at step %d: %w", state.Step, err)
	}
	state.SavedCheckpoints = c.store.Count()
	return nil
}

func (c *Controller) stop(state *RunState, reason string) {
	state.Phase = PhaseStopped
	state.StopReason = reason
}
