package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

var DebugLog func(string, ...interface{})

// Meta is the training-state record persisted next to the adapter weights.
type Meta struct {
	TaskID                string             `yaml:"task_id"`
	Step                  int                `yaml:"step"`
	Phase                 string             `yaml:"phase"`
	Metrics               map[string]float64 `yaml:"metrics,omitempty"`
	BestMetric            float64            `yaml:"best_metric"`
	BestStep              int                `yaml:"best_step"`
	EvalsSinceImprovement int                `yaml:"evals_since_improvement"`
	SavedAt               time.Time          `yaml:"saved_at"`
}

// Snapshot holds the adapter weight tensors, flattened.
type Snapshot map[string][]float32

type Checkpoint struct {
	Step int
	Dir  string
}

// Store is a bounded ordered collection of checkpoints keyed by step number.
// When the retention limit is exceeded the checkpoint with the smallest step
// is evicted first.
type Store struct {
	dir   string
	limit int
	saved []Checkpoint
}

func NewStore(outputDir string, limit int) (*Store, error) {
	if limit < 1 {
		return nil, fmt.Errorf("checkpoint retention limit must be >= 1, got %d", limit)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Store{
		dir:   outputDir,
		limit: limit,
	}, nil
}

// Save writes an immutable snapshot for the given step and prunes to the
// retention limit.
func (s *Store) Save(meta Meta, weights Snapshot) (Checkpoint, error) {
	dir := filepath.Join(s.dir, fmt.Sprintf("checkpoint-%d", meta.Step))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	weightsData, err := json.Marshal(weights)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to marshal adapter weights: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "adapter.json"), weightsData, 0644); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to write adapter weights: %w", err)
	}

	meta.SavedAt = time.Now().UTC()
	metaData, err := yaml.Marshal(meta)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to marshal trainer state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "trainer_state.yaml"), metaData, 0644); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to write trainer state: %w", err)
	}

	ckpt := Checkpoint{Step: meta.Step, Dir: dir}
	s.saved = append(s.saved, ckpt)
	sort.Slice(s.saved, func(i, j int) bool { return s.saved[i].Step < s.saved[j].Step })

	if DebugLog != nil {
		DebugLog("saved checkpoint at step %d to %s", meta.Step, dir)
	}

	if err := s.prune(); err != nil {
		return ckpt, err
	}
	return ckpt, nil
}

func (s *Store) prune() error {
	for len(s.saved) > s.limit {
		oldest := s.saved[0]
		if err := os.RemoveAll(oldest.Dir); err != nil {
			return fmt.Errorf("failed to evict checkpoint at step %d: %w", oldest.Step, err)
		}
		if DebugLog != nil {
			DebugLog("evicted checkpoint at step %d", oldest.Step)
		}
		s.saved = s.saved[1:]
	}
	return nil
}

func (s *Store) Count() int {
	return len(s.saved)
}

// Steps returns the retained checkpoint steps in ascending order.
func (s *Store) Steps() []int {
	steps := make([]int, len(s.saved))
	for i, c := range s.saved {
		steps[i] = c.Step
	}
	return steps
}

// Load reads back the trainer state for a retained step.
func (s *Store) Load(step int) (Meta, Snapshot, error) {
	dir := filepath.Join(s.dir, fmt.Sprintf("checkpoint-%d", step))

	metaData, err := os.ReadFile(filepath.Join(dir, "trainer_state.yaml"))
	if err != nil {
		return Meta{}, nil, fmt.Errorf("failed to read trainer state: %w", err)
	}
	var meta Meta
	if err := yaml.Unmarshal(metaData, &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("failed to parse trainer state: %w", err)
	}

	weightsData, err := os.ReadFile(filepath.Join(dir, "adapter.json"))
	if err != nil {
		return Meta{}, nil, fmt.Errorf("failed to read adapter weights: %w", err)
	}
	var weights Snapshot
	if err := json.Unmarshal(weightsData, &weights); err != nil {
		return Meta{}, nil, fmt.Errorf("failed to parse adapter weights: %w", err)
	}

	return meta, weights, nil
}
