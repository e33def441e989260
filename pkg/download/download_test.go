package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/session"
)

func testDownloader(t *testing.T) *Downloader {
	t.Helper()
	return &Downloader{
		cacheDir: t.TempDir(),
		session:  session.New(5 * time.Second),
	}
}

func TestFetchDatasetLocalPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"input":"x"}`+"\n"), 0644))

	d := testDownloader(t)
	got, err := d.FetchDataset(context.Background(), "task-1", path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestFetchDatasetLocalPathMissing(t *testing.T) {
	d := testDownloader(t)
	_, err := d.FetchDataset(context.Background(), "task-1", "/no/such/file.jsonl")
	require.Error(t, err)
}

func TestFetchDatasetURL(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"input":"remote"}` + "\n"))
	}))
	defer srv.Close()

	d := testDownloader(t)
	got, err := d.FetchDataset(context.Background(), "task-1", srv.URL+"/data/train.jsonl")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(d.cacheDir, "task-1_train.jsonl"), got)
	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Contains(t, string(data), "remote")

	// no stray partial file left behind
	_, err = os.Stat(got + ".partial")
	assert.True(t, os.IsNotExist(err))

	// second fetch hits the cache, not the server
	again, err := d.FetchDataset(context.Background(), "task-1", srv.URL+"/data/train.jsonl")
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, 1, hits)
}

func TestFetchDatasetRetriesServerFailure(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("data\n"))
	}))
	defer srv.Close()

	d := testDownloader(t)
	got, err := d.FetchDataset(context.Background(), "task-2", srv.URL+"/train.jsonl")
	require.NoError(t, err)
	assert.Equal(t, 2, hits)

	data, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "data\n", string(data))
}

func TestFetchDatasetCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := testDownloader(t)
	_, err := d.FetchDataset(ctx, "task-3", srv.URL+"/train.jsonl")
	require.Error(t, err)
}
