package filter

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/config"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/dataset"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/embedding"
)

var DebugLog func(string, ...interface{})

// Filter prunes the least trustworthy fraction of a dataset using sentence
// embeddings. It runs once before training and never mutates its input.
type Filter struct {
	embedder   embedding.Embedder
	scorer     Scorer
	keepFrac   float64
	embedBatch int
}

func New(embedder embedding.Embedder, scorer Scorer, keepFrac float64, embedBatch int) (*Filter, error) {
	if keepFrac <= 0 || keepFrac > 1 {
		return nil, &config.ConfigError{Key: "cleanlab_keep_frac", Msg: fmt.Sprintf("must be in (0,1], got %g", keepFrac)}
	}
	if embedBatch < 1 {
		return nil, &config.ConfigError{Key: "embed_batch", Msg: fmt.Sprintf("must be >= 1, got %d", embedBatch)}
	}
	return &Filter{
		embedder:   embedder,
		scorer:     scorer,
		keepFrac:   keepFrac,
		embedBatch: embedBatch,
	}, nil
}

// Run embeds, scores, and selects the kept examples. keepFrac == 1.0 is an
// identity pass-through and must not touch the embedding service.
func (f *Filter) Run(ctx context.Context, examples []dataset.Example) ([]dataset.Example, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("cannot filter an empty dataset")
	}

	if f.keepFrac == 1.0 {
		if DebugLog != nil {
			DebugLog("keep fraction is 1.0, skipping embedding and scoring")
		}
		return examples, nil
	}

	vectors, err := f.embedAll(ctx, examples)
	if err != nil {
		return nil, err
	}

	scorer := f.scorer
	if scorer == nil {
		scorer = ScorerFor(examples)
	}
	if DebugLog != nil {
		DebugLog("scoring %d examples with %s", len(examples), scorer.Name())
	}

	scores, err := scorer.Score(examples, vectors)
	if err != nil {
		return nil, fmt.Errorf("scoring failed: %w", err)
	}

	kept := Select(examples, scores, f.keepFrac)
	if len(kept) == 0 {
		return nil, fmt.Errorf("keep fraction %g keeps zero of %d examples", f.keepFrac, len(examples))
	}
	if DebugLog != nil {
		DebugLog("kept %d of %d examples", len(kept), len(examples))
	}
	return kept, nil
}

func (f *Filter) embedAll(ctx context.Context, examples []dataset.Example) ([][]float32, error) {
	vectors := make([][]float32, 0, len(examples))

	for start := 0; start < len(examples); start += f.embedBatch {
		end := start + f.embedBatch
		if end > len(examples) {
			end = len(examples)
		}

		texts := make([]string, 0, end-start)
		for _, ex := range examples[start:end] {
			texts = append(texts, ex.Text())
		}

		batch, err := f.embedder.EmbedStrings(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch starting at %d: %w", start, err)
		}
		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

// Select keeps exactly round(keepFrac*N) examples with the highest scores.
// Score ties break toward the earlier original position, and the kept set
// preserves original relative order so downstream shuffling stays
// deterministic under a fixed seed.
func Select(examples []dataset.Example, scores []float64, keepFrac float64) []dataset.Example {
	n := len(examples)
	m := int(math.Round(keepFrac * float64(n)))
	if m > n {
		m = n
	}
	if m <= 0 {
		return nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	keep := order[:m]
	sort.Ints(keep)

	out := make([]dataset.Example, 0, m)
	for _, idx := range keep {
		ex := examples[idx]
		ex.Score = scores[idx]
		out = append(out, ex)
	}
	return out
}
