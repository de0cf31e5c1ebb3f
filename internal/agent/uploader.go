package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gregwargamer/ffmppegui/internal/version"
	"github.com/gregwargamer/ffmppegui/pkg/httpclient"
)

// Uploader PUTs finished outputs to the coordinator's transfer proxy.
type Uploader struct {
	client  *httpclient.Client
	timeout time.Duration
}

// NewUploader creates an uploader making up to attempts tries with a fixed
// delay. Any transport error or non-2xx response is retried. A positive
// timeout bounds the whole upload including retries.
func NewUploader(attempts int, delay, timeout time.Duration, logger *slog.Logger) *Uploader {
	cfg := httpclient.UploadConfig(attempts, delay)
	cfg.UserAgent = version.UserAgent(version.AgentName)
	if logger != nil {
		cfg.Logger = logger
	}
	return &Uploader{
		client:  httpclient.New(cfg),
		timeout: timeout,
	}
}

// Upload streams the file at path to url. Each retry reopens the file.
func (u *Uploader) Upload(ctx context.Context, url, path string) (int64, error) {
	if u.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening output: %w", err)
	}
	// The transport normally closes the body; this covers requests never sent.
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat output: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, f)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.GetBody = func() (io.ReadCloser, error) {
		return os.Open(path)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("uploading output: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("uploading output: %w", &httpclient.StatusError{StatusCode: resp.StatusCode})
	}
	return info.Size(), nil
}
