package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRetention(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 3)
	require.NoError(t, err)

	weights := Snapshot{"lora_a": {0.1, 0.2}}
	for _, step := range []int{100, 200, 300, 400, 500} {
		_, err := store.Save(Meta{TaskID: "task-1", Step: step, Phase: "training"}, weights)
		require.NoError(t, err)
		assert.LessOrEqual(t, store.Count(), 3)
	}

	// smallest steps were evicted first
	assert.Equal(t, []int{300, 400, 500}, store.Steps())

	_, err = os.Stat(filepath.Join(dir, "checkpoint-100"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "checkpoint-200"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "checkpoint-500", "adapter.json"))
	assert.NoError(t, err)
}

func TestStoreLoad(t *testing.T) {
	store, err := NewStore(t.TempDir(), 2)
	require.NoError(t, err)

	meta := Meta{
		TaskID:     "task-1",
		Step:       250,
		Phase:      "training",
		Metrics:    map[string]float64{"eval_loss": 0.42},
		BestMetric: 0.42,
		BestStep:   250,
	}
	weights := Snapshot{"lora_a": {1, 2, 3}, "lora_b": {4, 5}}

	_, err = store.Save(meta, weights)
	require.NoError(t, err)

	got, gotWeights, err := store.Load(250)
	require.NoError(t, err)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, 250, got.Step)
	assert.Equal(t, 0.42, got.Metrics["eval_loss"])
	assert.False(t, got.SavedAt.IsZero())
	assert.Equal(t, weights, gotWeights)
}

func TestStoreLoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir(), 1)
	require.NoError(t, err)

	_, _, err = store.Load(999)
	require.Error(t, err)
}

func TestNewStoreRejectsBadLimit(t *testing.T) {
	_, err := NewStore(t.TempDir(), 0)
	require.Error(t, err)
}
