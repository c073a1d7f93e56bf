// Package downloader performs cache-first fetches of image URLs on behalf
// of the delivery state machine, tolerating partial failure across a batch.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"pixivbot/internal/cache"
	"pixivbot/internal/errkind"
)

// Getter performs the authenticated GET used to fill a cache miss. It is
// satisfied by *source.Client.
type Getter interface {
	DownloadImage(ctx context.Context, url string) (*http.Response, error)
}

// Downloader resolves image URLs to local paths, filling cache misses via
// Getter and serving hits directly from Cache. It does not retry; retries
// are the caller's prerogative.
type Downloader struct {
	cache  *cache.Cache
	getter Getter
}

// New returns a Downloader backed by c for storage and g for cache-miss GETs.
func New(c *cache.Cache, g Getter) *Downloader {
	return &Downloader{cache: c, getter: g}
}

// Result is the outcome of downloading one URL, preserving its input
// position when used with DownloadAll.
type Result struct {
	Path string
	Err  error
}

// Download returns the cached path for url if present; otherwise it GETs
// the url, verifies 2xx, stores it, and returns the new path.
func (d *Downloader) Download(ctx context.Context, url string) (string, error) {
	if path, ok := d.cache.Get(url); ok {
		return path, nil
	}

	resp, err := d.getter.DownloadImage(ctx, url)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: %s", errkind.ErrNotFound, url)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: %s", errkind.ErrRateLimited, url)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: unexpected status %d for %s", errkind.ErrTransport, resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read image body: %v", errkind.ErrTransport, err)
	}

	return d.cache.Put(url, data)
}

// DownloadAll runs Download for each url, preserving input order in the
// result slice. A failure for one URL does not stop the others.
func (d *Downloader) DownloadAll(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))
	for i, url := range urls {
		path, err := d.Download(ctx, url)
		results[i] = Result{Path: path, Err: err}
	}
	return results
}
