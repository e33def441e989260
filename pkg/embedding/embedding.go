package embedding

import (
	"context"
	"fmt"
	"math"
)

var DebugLog func(string, ...interface{})

// Embedder turns a batch of texts into fixed-length vectors. Implementations
// own any internal parallelism; callers issue batched requests and block.
type Embedder interface {
	EmbedStrings(ctx context.Context, texts []string) ([][]float32, error)
}

// ResourceError reports an unavailable external resource after retries with
// backoff have been exhausted. It is fatal to the run.
type ResourceError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s unavailable after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// Cosine returns the cosine similarity of two vectors, 0 when either has no
// magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Centroid averages vectors element-wise. Vectors must share a dimension.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		for i := range v {
			sum[i] += float64(v[i])
		}
	}
	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(len(vectors)))
	}
	return out
}
