// Package cache implements a content-addressed on-disk store for
// downloaded images, bucketed to bound directory fan-out and reclaimed by a
// background sweeper.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"pixivbot/internal/errkind"
)

const gcInterval = 24 * time.Hour

// Cache is a rooted, hash-bucketed directory of downloaded bytes, keyed by
// the source URL.
type Cache struct {
	root string
}

// New returns a Cache rooted at root. The directory is created lazily on
// first write.
func New(root string) *Cache {
	return &Cache{root: root}
}

// bucketAndSlug derives the two-char bucket and filename slug for url.
func bucketAndSlug(url string) (bucket, slug, ext string) {
	sum := sha256.Sum256([]byte(url))
	digest := hex.EncodeToString(sum[:])
	bucket = digest[:2]
	slug = digest

	ext = path.Ext(strings.TrimRight(path.Base(url), "/"))
	if len(ext) > 8 || strings.ContainsAny(ext, "?&=") {
		ext = ""
	}
	return bucket, slug, ext
}

func (c *Cache) pathFor(url string) string {
	bucket, slug, ext := bucketAndSlug(url)
	return filepath.Join(c.root, bucket, slug+ext)
}

// Get returns the cache path for url if it exists, updating its mtime to
// mark it recently used.
func (c *Cache) Get(url string) (string, bool) {
	p := c.pathFor(url)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	now := time.Now()
	_ = os.Chtimes(p, now, now)
	return p, true
}

// Put writes data for url atomically via a temp file and rename, returning
// the final path. Concurrent Puts for the same URL never observe a
// partially-written file.
func (c *Cache) Put(url string, data []byte) (string, error) {
	final := c.pathFor(url)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create cache bucket: %v", errkind.ErrDB, err)
	}

	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("%w: create temp cache file: %v", errkind.ErrDB, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: write temp cache file: %v", errkind.ErrDB, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: close temp cache file: %v", errkind.ErrDB, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: rename into place: %v", errkind.ErrDB, err)
	}
	return final, nil
}

// RunGCForever sweeps the cache every 24 hours until ctx is cancelled,
// unlinking files whose mtime predates retention. It never blocks Get/Put.
func (c *Cache) RunGCForever(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(retention)
		}
	}
}

func (c *Cache) sweep(retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	buckets, err := os.ReadDir(c.root)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cache gc: cannot list root", "error", err)
		}
		return
	}

	var removed int
	var freed int64
	var errs error

	for _, bucket := range buckets {
		if !bucket.IsDir() {
			continue
		}
		bucketPath := filepath.Join(c.root, bucket.Name())
		entries, err := os.ReadDir(bucketPath)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("read bucket %s: %w", bucket.Name(), err))
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("stat %s: %w", entry.Name(), err))
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			size := info.Size()
			if err := os.Remove(filepath.Join(bucketPath, entry.Name())); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("remove %s: %w", entry.Name(), err))
				continue
			}
			removed++
			freed += size
		}
	}

	if errs != nil {
		for _, e := range multierr.Errors(errs) {
			slog.Warn("cache gc: per-file error", "error", e)
		}
	}
	if removed > 0 {
		slog.Info("cache gc swept", "files_removed", removed, "bytes_freed", humanize.Bytes(uint64(freed)))
	}
}
