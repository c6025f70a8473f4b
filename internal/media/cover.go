package media

import (
	"bytes"
	"context"
	"fmt"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// CoverSize bounds both dimensions of stored cover thumbnails.
const CoverSize = 512

// CoverFetcher downloads artwork and stores a JPEG thumbnail.
type CoverFetcher struct {
	httpClient *http.Client
	maxBytes   int64
	local      Uploader
	archive    Uploader
}

// Cover locates a stored thumbnail.
type Cover struct {
	Path       string
	ArchiveURI string
}

// NewCoverFetcher writes thumbnails through local and, if non-nil, mirrors
// them through archive.
func NewCoverFetcher(local, archive Uploader) *CoverFetcher {
	return &CoverFetcher{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxBytes:   25 * 1024 * 1024,
		local:      local,
		archive:    archive,
	}
}

// Fetch downloads imageURL and stores it as <name>.jpg.
func (c *CoverFetcher) Fetch(ctx context.Context, imageURL, name string) (Cover, error) {
	data, err := c.download(ctx, imageURL)
	if err != nil {
		return Cover{}, err
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Cover{}, fmt.Errorf("decode image: %w", err)
	}
	img = imaging.Fit(img, CoverSize, CoverSize, imaging.Lanczos)

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return Cover{}, fmt.Errorf("encode image: %w", err)
	}

	key := sanitizeKey(name + ".jpg")
	path, err := c.local.Upload(ctx, key, buf.Bytes(), "image/jpeg")
	if err != nil {
		return Cover{}, fmt.Errorf("store cover: %w", err)
	}
	cover := Cover{Path: path}
	if c.archive != nil {
		uri, err := c.archive.Upload(ctx, "covers/"+key, buf.Bytes(), "image/jpeg")
		if err != nil {
			return cover, fmt.Errorf("archive cover: %w", err)
		}
		cover.ArchiveURI = uri
	}
	return cover, nil
}

func (c *CoverFetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("image too large (>%d bytes)", c.maxBytes)
	}
	return body, nil
}
