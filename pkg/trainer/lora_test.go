package trainer

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/dataset"
)

func loraBatch() []dataset.Example {
	return []dataset.Example{
		{Input: "what is the capital of france", Output: "paris"},
		{Input: "what is two plus two", Output: "four"},
		{Input: "name a primary color", Output: "red"},
	}
}

func TestNewLowRankBackend(t *testing.T) {
	b, err := NewLowRankBackend(LowRankConfig{Rank: 8, Alpha: 16, Seed: 1})
	require.NoError(t, err)

	snap := b.Snapshot()
	require.Len(t, snap["lora_a"], 8*featureDim)
	require.Len(t, snap["lora_b"], 8)

	// B starts at zero so the adapter delta is zero before the first update
	for _, v := range snap["lora_b"] {
		assert.Zero(t, v)
	}
}

func TestNewLowRankBackendDefaultsAndBounds(t *testing.T) {
	b, err := NewLowRankBackend(LowRankConfig{})
	require.NoError(t, err)
	assert.Len(t, b.Snapshot()["lora_b"], 8)

	_, err = NewLowRankBackend(LowRankConfig{Dropout: 1.0})
	require.Error(t, err)

	b, err = NewLowRankBackend(LowRankConfig{Rank: 100000})
	require.NoError(t, err)
	assert.Len(t, b.Snapshot()["lora_b"], featureDim)
}

func TestAccumulateAndStep(t *testing.T) {
	b, err := NewLowRankBackend(LowRankConfig{Rank: 4, Seed: 7})
	require.NoError(t, err)

	ctx := context.Background()
	before := b.Snapshot()

	loss, err := b.Accumulate(ctx, loraBatch())
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	assert.GreaterOrEqual(t, loss, 0.0)

	require.NoError(t, b.Step(1e-3))

	// B receives gradient from the first batch; A only once B is nonzero
	after := b.Snapshot()
	assert.NotEqual(t, before["lora_b"], after["lora_b"], "optimizer step must move the adapter")

	loss2, err := b.Accumulate(ctx, loraBatch())
	require.NoError(t, err)
	assert.False(t, math.IsNaN(loss2))
	require.NoError(t, b.Step(1e-3))
	assert.NotEqual(t, after["lora_a"], b.Snapshot()["lora_a"])
}

func TestAccumulateEmptyBatch(t *testing.T) {
	b, err := NewLowRankBackend(LowRankConfig{Seed: 7})
	require.NoError(t, err)

	_, err = b.Accumulate(context.Background(), nil)
	require.Error(t, err)

	var dataErr *dataset.DataError
	assert.ErrorAs(t, err, &dataErr)
}

func TestStepWithoutAccumulate(t *testing.T) {
	b, err := NewLowRankBackend(LowRankConfig{Seed: 7})
	require.NoError(t, err)
	require.Error(t, b.Step(1e-3))
}

func TestAccumulateCancelledContext(t *testing.T) {
	b, err := NewLowRankBackend(LowRankConfig{Seed: 7})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = b.Accumulate(ctx, loraBatch())
	require.ErrorIs(t, err, context.Canceled)
}

func TestBackendDeterminism(t *testing.T) {
	run := func() (float64, float64) {
		b, err := NewLowRankBackend(LowRankConfig{Rank: 4, Dropout: 0.1, UseNeftune: true, Seed: 99})
		require.NoError(t, err)

		ctx := context.Background()
		var lastLoss float64
		for i := 0; i < 5; i++ {
			loss, err := b.Accumulate(ctx, loraBatch())
			require.NoError(t, err)
			require.NoError(t, b.Step(1e-3))
			lastLoss = loss
		}
		eval, err := b.Evaluate(ctx, loraBatch())
		require.NoError(t, err)
		return lastLoss, eval
	}

	loss1, eval1 := run()
	loss2, eval2 := run()
	assert.Equal(t, loss1, loss2)
	assert.Equal(t, eval1, eval2)
}

func TestEvaluateIsSideEffectFree(t *testing.T) {
	b, err := NewLowRankBackend(LowRankConfig{Rank: 4, Seed: 3})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := b.Evaluate(ctx, loraBatch())
	require.NoError(t, err)
	second, err := b.Evaluate(ctx, loraBatch())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPreferenceTermRaisesLoss(t *testing.T) {
	batch := []dataset.Example{
		{Input: "pick the better answer", Output: "good answer", Rejected: "bad answer"},
	}

	plain, err := NewLowRankBackend(LowRankConfig{Rank: 4, Seed: 11})
	require.NoError(t, err)
	weighted, err := NewLowRankBackend(LowRankConfig{Rank: 4, Seed: 11, Beta: 0.5})
	require.NoError(t, err)

	ctx := context.Background()
	lossPlain, err := plain.Accumulate(ctx, batch)
	require.NoError(t, err)
	lossWeighted, err := weighted.Accumulate(ctx, batch)
	require.NoError(t, err)

	// softplus of the preference margin is strictly positive
	assert.Greater(t, lossWeighted, lossPlain)
}

func TestTrainingReducesEvalLoss(t *testing.T) {
	b, err := NewLowRankBackend(LowRankConfig{Rank: 8, Seed: 5})
	require.NoError(t, err)

	ctx := context.Background()
	batch := loraBatch()

	before, err := b.Evaluate(ctx, batch)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		_, err := b.Accumulate(ctx, batch)
		require.NoError(t, err)
		require.NoError(t, b.Step(1e-2))
	}

	after, err := b.Evaluate(ctx, batch)
	require.NoError(t, err)
	assert.Less(t, after, before, "fitting the same batch repeatedly must reduce its loss")
}

func TestScheduleWarmupRamp(t *testing.T) {
	s := Schedule{Peak: 2e-4, WarmupSteps: 100}

	assert.InDelta(t, 2e-6, s.At(1), 1e-12)
	assert.InDelta(t, 1e-4, s.At(50), 1e-12)
	assert.InDelta(t, 2e-4, s.At(100), 1e-12)
	assert.InDelta(t, 2e-4, s.At(5000), 1e-12)

	// no warmup window holds the peak from the first update
	flat := Schedule{Peak: 1e-3}
	assert.Equal(t, 1e-3, flat.At(1))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "warmup", PhaseWarmup.String())
	assert.Equal(t, "training", PhaseTraining.String())
	assert.Equal(t, "evaluating", PhaseEvaluating.String())
	assert.Equal(t, "stopped", PhaseStopped.String())
	assert.Equal(t, "unknown", Phase(99).String())
}
