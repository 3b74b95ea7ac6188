package blobcache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// maxDownload bounds a source image download.
const maxDownload = 20 << 20

// Thumbnailer downloads remote images and writes resized JPEG copies to a
// local directory.
type Thumbnailer struct {
	dir    string
	width  int
	client *http.Client
}

// NewThumbnailer creates a thumbnailer writing into dir. client may be nil.
func NewThumbnailer(dir string, width int, client *http.Client) *Thumbnailer {
	if width <= 0 {
		width = 320
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Thumbnailer{dir: dir, width: width, client: client}
}

func (t *Thumbnailer) path(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(t.dir, hex.EncodeToString(sum[:])+".jpg")
}

// Make fetches uri and writes its thumbnail, returning the local path.
func (t *Thumbnailer) Make(ctx context.Context, key, uri string) (string, error) {
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		return "", fmt.Errorf("not a remote image: %q", uri)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", uri, resp.StatusCode)
	}

	img, err := imaging.Decode(io.LimitReader(resp.Body, maxDownload), imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", uri, err)
	}
	thumb := imaging.Resize(img, t.width, 0, imaging.Lanczos)

	if err := os.MkdirAll(t.dir, 0700); err != nil {
		return "", err
	}
	dst := t.path(key)
	tmp := dst + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", err
	}
	encErr := imaging.Encode(f, thumb, imaging.JPEG, imaging.JPEGQuality(80))
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		_ = os.Remove(tmp)
		return "", encErr
	}
	if err := os.Rename(tmp, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Remove deletes a thumbnail previously returned by Make. Paths outside the
// thumbnail directory are ignored.
func (t *Thumbnailer) Remove(ref string) {
	if filepath.Dir(ref) != filepath.Clean(t.dir) {
		return
	}
	_ = os.Remove(ref)
}
