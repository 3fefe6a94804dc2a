package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/seantiz/processing/internal/model"
)

// HTTPDownloader fetches external inputs over http(s). Server errors are
// retried a few times; client errors are not.
type HTTPDownloader struct {
	client   *http.Client
	attempts uint64
	backoff  time.Duration
}

// NewHTTPDownloader uses client, or a client with a generous timeout when
// client is nil.
func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &HTTPDownloader{client: client, attempts: 3, backoff: 500 * time.Millisecond}
}

// WithRetry overrides the retry policy.
func (d *HTTPDownloader) WithRetry(attempts uint64, backoff time.Duration) *HTTPDownloader {
	d.attempts = attempts
	d.backoff = backoff
	return d
}

func (d *HTTPDownloader) Download(ctx context.Context, in model.InputFile, dest string) error {
	policy := retry.WithMaxRetries(d.attempts, retry.NewConstant(d.backoff))
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		return d.fetch(ctx, in.URL, dest)
	})
}

func (d *HTTPDownloader) fetch(ctx context.Context, rawURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("get %s: %w", rawURL, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrObjectNotFound, rawURL)
	case resp.StatusCode >= 500:
		return retry.RetryableError(fmt.Errorf("get %s: %s", rawURL, resp.Status))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("get %s: %s", rawURL, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return retry.RetryableError(fmt.Errorf("read %s: %w", rawURL, err))
	}
	return out.Close()
}
