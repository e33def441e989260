package filter

import (
	"fmt"
	"sort"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/dataset"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/embedding"
)

// Scorer assigns one trustworthiness score per example, higher meaning more
// trustworthy. Implementations receive the embedding vectors aligned with the
// examples slice and must not mutate either.
type Scorer interface {
	Name() string
	Score(examples []dataset.Example, vectors [][]float32) ([]float64, error)
}

// ScorerFor picks a scoring backend for the dataset: label-agreement kNN for
// labeled data, centroid consistency otherwise.
func ScorerFor(examples []dataset.Example) Scorer {
	for _, ex := range examples {
		if ex.Label != "" {
			return &KNNLabelScorer{K: 10}
		}
	}
	return &CentroidScorer{}
}

// KNNLabelScorer scores each example by the fraction of its k nearest
// neighbors (cosine similarity) that share its label. Examples whose
// neighborhoods disagree with their own label are likely mislabeled.
type KNNLabelScorer struct {
	K int
}

func (s *KNNLabelScorer) Name() string {
	return "knn_label_agreement"
}

func (s *KNNLabelScorer) Score(examples []dataset.Example, vectors [][]float32) ([]float64, error) {
	if len(examples) != len(vectors) {
		return nil, fmt.Errorf("got %d vectors for %d examples", len(vectors), len(examples))
	}

	n := len(examples)
	k := s.K
	if k < 1 {
		k = 10
	}
	if k > n-1 {
		k = n - 1
	}

	scores := make([]float64, n)
	if k == 0 {
		// a single example has no neighborhood to disagree with
		for i := range scores {
			scores[i] = 1
		}
		return scores, nil
	}

	type neighbor struct {
		idx int
		sim float64
	}

	for i := 0; i < n; i++ {
		neighbors := make([]neighbor, 0, n-1)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			neighbors = append(neighbors, neighbor{idx: j, sim: embedding.Cosine(vectors[i], vectors[j])})
		}
		sort.Slice(neighbors, func(a, b int) bool {
			if neighbors[a].sim != neighbors[b].sim {
				return neighbors[a].sim > neighbors[b].sim
			}
			return neighbors[a].idx < neighbors[b].idx
		})

		agree := 0
		for _, nb := range neighbors[:k] {
			if examples[nb.idx].Label == examples[i].Label {
				agree++
			}
		}
		scores[i] = float64(agree) / float64(k)
	}

	return scores, nil
}

// CentroidScorer scores each example by cosine similarity to the centroid of
// all embeddings. Outliers in embedding space score low.
type CentroidScorer struct{}

func (s *CentroidScorer) Name() string {
	return "centroid_consistency"
}

func (s *CentroidScorer) Score(examples []dataset.Example, vectors [][]float32) ([]float64, error) {
	if len(examples) != len(vectors) {
		return nil, fmt.Errorf("got %d vectors for %d examples", len(vectors), len(examples))
	}

	centroid := embedding.Centroid(vectors)
	scores := make([]float64, len(vectors))
	for i, v := range vectors {
		scores[i] = embedding.Cosine(v, centroid)
	}
	return scores, nil
}
