package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-3, 0}), 1e-9)

	// degenerate inputs score zero rather than dividing by zero
	assert.Zero(t, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{1}))
}

func TestCentroid(t *testing.T) {
	c := Centroid([][]float32{{1, 0}, {3, 2}})
	require.Len(t, c, 2)
	assert.InDelta(t, 2.0, float64(c[0]), 1e-6)
	assert.InDelta(t, 1.0, float64(c[1]), 1e-6)

	assert.Nil(t, Centroid(nil))
}

func newTestClient(t *testing.T, url string, retries int) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{URL: url, Model: "test-model", Timeout: 5 * time.Second})
	require.NoError(t, err)
	c.maxRetries = retries
	return c
}

func TestEmbedStrings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, []string{"alpha", "beta"}, req.Input)

		// vectors deliberately out of order to exercise index sorting
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 1, "embedding": []float32{0, 1}},
				{"index": 0, "embedding": []float32{1, 0}},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	vectors, err := c.EmbedStrings(context.Background(), []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 0}, vectors[0])
	assert.Equal(t, []float32{0, 1}, vectors[1])
}

func TestEmbedStringsEmptyInput(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid", 0)
	vectors, err := c.EmbedStrings(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestEmbedStringsRetriesTransientFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 0, "embedding": []float32{1}},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	vectors, err := c.EmbedStrings(context.Background(), []string{"alpha"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 2, attempts)
}

func TestEmbedStringsExhaustsRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1)
	_, err := c.EmbedStrings(context.Background(), []string{"alpha"})
	require.Error(t, err)

	var resErr *ResourceError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, 2, resErr.Attempts)
	assert.Equal(t, 2, attempts)
}

func TestEmbedStringsClientErrorNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 3)
	_, err := c.EmbedStrings(context.Background(), []string{"alpha"})
	require.Error(t, err)

	var resErr *ResourceError
	assert.False(t, errors.As(err, &resErr))
	assert.Equal(t, 1, attempts)
}

func TestEmbedStringsCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 0, "embedding": []float32{1}},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 0)
	_, err := c.EmbedStrings(context.Background(), []string{"alpha", "beta"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 vectors for 2 inputs")
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(ClientConfig{Model: "m"})
	require.Error(t, err)

	_, err = NewClient(ClientConfig{URL: "http://x"})
	require.Error(t, err)
}
