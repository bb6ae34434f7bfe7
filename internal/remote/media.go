package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/pavelanni/bandexam/internal/recording"
	"github.com/pavelanni/bandexam/internal/storage"
)

// MediaClient uploads clips to the remote media endpoint.
type MediaClient struct {
	base string
	http *http.Client
}

// NewMediaClient creates a client for the media endpoint at cfg.BaseURL.
func NewMediaClient(cfg Config) *MediaClient {
	return &MediaClient{base: cfg.BaseURL, http: NewHTTPClient(cfg)}
}

// Upload posts one clip and returns the locator and measured duration.
func (c *MediaClient) Upload(ctx context.Context, key string, clip recording.Clip) (recording.Uploaded, error) {
	const op = "upload clip"
	u := joinURL(c.base, "media") + "?key=" + url.QueryEscape(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(clip.Data))
	if err != nil {
		return recording.Uploaded{}, encodingError(op, err)
	}
	if clip.ContentType != "" {
		req.Header.Set("Content-Type", clip.ContentType)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return recording.Uploaded{}, transportError(op, err)
	}
	defer res.Body.Close()
	if err := statusError(op, res); err != nil {
		return recording.Uploaded{}, err
	}

	var body struct {
		Locator    string  `json:"locator"`
		DurationMS float64 `json:"duration_ms"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return recording.Uploaded{}, encodingError(op, err)
	}
	if body.Locator == "" {
		return recording.Uploaded{}, encodingError(op, errors.New("response has no locator"))
	}
	return recording.Uploaded{
		Locator:  body.Locator,
		Duration: time.Duration(body.DurationMS * float64(time.Millisecond)),
	}, nil
}

// BlobUploader stores clips in a local BlobStore. Used when no media
// endpoint is configured.
type BlobUploader struct {
	store storage.BlobStore
}

// NewBlobUploader creates a BlobUploader over store.
func NewBlobUploader(store storage.BlobStore) *BlobUploader {
	return &BlobUploader{store: store}
}

// Upload writes the clip and returns its URL.
func (b *BlobUploader) Upload(ctx context.Context, key string, clip recording.Clip) (recording.Uploaded, error) {
	const op = "store clip"
	if err := ctx.Err(); err != nil {
		return recording.Uploaded{}, transportError(op, err)
	}
	k, err := b.store.Put(key, bytes.NewReader(clip.Data))
	if err != nil {
		return recording.Uploaded{}, &Error{Op: op, Kind: KindServer, Err: err}
	}
	loc, err := b.store.URL(k)
	if err != nil {
		return recording.Uploaded{}, &Error{Op: op, Kind: KindServer, Err: err}
	}
	return recording.Uploaded{Locator: loc, Duration: clip.Duration}, nil
}
