package media

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// HTTPDownloader saves directly linked audio files.
type HTTPDownloader struct {
	httpClient *http.Client
	dir        string
	maxBytes   int64
}

// NewHTTPDownloader creates a downloader writing into dir.
func NewHTTPDownloader(dir string, timeout time.Duration, maxBytes int64) *HTTPDownloader {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	if maxBytes == 0 {
		maxBytes = 200 * 1024 * 1024
	}
	return &HTTPDownloader{
		httpClient: &http.Client{Timeout: timeout},
		dir:        dir,
		maxBytes:   maxBytes,
	}
}

// Acquire implements Acquirer.
func (d *HTTPDownloader) Acquire(ctx context.Context, sourceURL string) (Media, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return Media{}, fmt.Errorf("parse url: %w", err)
	}
	base := path.Base(u.Path)
	ext := strings.ToLower(path.Ext(base))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return Media{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Media{}, fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return Media{}, fmt.Errorf("download audio: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return Media{}, fmt.Errorf("create media dir: %w", err)
	}
	tmp, err := os.CreateTemp(d.dir, ".download-*")
	if err != nil {
		return Media{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, d.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Media{}, fmt.Errorf("read audio: %w", err)
	}
	if n > d.maxBytes {
		return Media{}, fmt.Errorf("audio too large (>%d bytes)", d.maxBytes)
	}

	sum := sha1.Sum([]byte(sourceURL))
	final := filepath.Join(d.dir, hex.EncodeToString(sum[:8])+ext)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return Media{}, fmt.Errorf("store audio: %w", err)
	}
	abs, err := filepath.Abs(final)
	if err != nil {
		abs = final
	}

	return Media{
		FilePath:  abs,
		Title:     strings.TrimSuffix(base, path.Ext(base)),
		SourceURL: sourceURL,
	}, nil
}
