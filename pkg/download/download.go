package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/config"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/session"
)

var DebugLog func(string, ...interface{})

const (
	maxRetries  = 3
	baseBackoff = time.Second
)

type Downloader struct {
	cacheDir string
	session  *session.Session
}

func NewDownloader() *Downloader {
	return &Downloader{
		cacheDir: config.GetDatasetCacheDir(),
		session:  session.New(10 * time.Minute),
	}
}

// FetchDataset resolves a dataset reference to a local file. Local paths are
// returned as-is; http(s) URLs are downloaded into the per-task cache and
// reused on later runs.
func (d *Downloader) FetchDataset(ctx context.Context, taskID, ref string) (string, error) {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		if _, err := os.Stat(ref); err != nil {
			return "", fmt.Errorf("dataset file not found at %s: %w", ref, err)
		}
		return ref, nil
	}

	if err := os.MkdirAll(d.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create dataset cache directory: %w", err)
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid dataset URL %s: %w", ref, err)
	}
	name := filepath.Base(parsed.Path)
	if name == "." || name == "/" {
		name = "train_data.jsonl"
	}
	dest := filepath.Join(d.cacheDir, fmt.Sprintf("%s_%s", taskID, name))

	if fileExists(dest) {
		if DebugLog != nil {
			DebugLog("dataset already cached at %s", dest)
		}
		return dest, nil
	}

	fmt.Printf("[INF] Downloading dataset from %s\n", ref)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<(attempt-1))
			if DebugLog != nil {
				DebugLog("retrying dataset download in %v (attempt %d/%d)", backoff, attempt, maxRetries)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		if err := d.downloadFile(ctx, ref, dest); err != nil {
			lastErr = err
			continue
		}
		return dest, nil
	}

	return "", fmt.Errorf("dataset download failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (d *Downloader) downloadFile(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := d.session.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	tmp := dest + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, dest)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
