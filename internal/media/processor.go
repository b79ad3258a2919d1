// Package media downloads source media files, optimises images and stores
// them in object storage.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/timmy/contentport/internal/domain"
	"github.com/timmy/contentport/internal/logger"
	"github.com/timmy/contentport/internal/storage"
)

// Config holds download and optimisation limits.
type Config struct {
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	// MaxImageSize bounds the longest image edge in pixels. Zero disables scaling.
	MaxImageSize int
	// MaxBytes rejects larger downloads. Zero means unlimited.
	MaxBytes int64
}

// Options are the per-job media settings.
type Options struct {
	Convert bool
	Quality int
}

// Result describes a stored media file.
type Result struct {
	Key         string
	URL         string
	ContentType string
	Size        int64
	Width       int
	Height      int
	Converted   bool
}

// Processor fetches and stores media.
type Processor struct {
	client  *resty.Client
	storage storage.ObjectStorage
	cfg     Config
}

// NewProcessor creates a processor.
// Parameters:
//   - store: destination for processed files.
//   - cfg: download timeout, retry and size limits.
//
// Returns:
//   - *Processor: processor safe for concurrent use.
func NewProcessor(store storage.ObjectStorage, cfg Config) *Processor {
	client := resty.New()
	client.SetRetryCount(cfg.RetryCount)
	if cfg.RetryWait > 0 {
		client.SetRetryWaitTime(cfg.RetryWait)
	}
	if cfg.RetryMaxWait > 0 {
		client.SetRetryMaxWaitTime(cfg.RetryMaxWait)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
	})
	return &Processor{client: client, storage: store, cfg: cfg}
}

// Storage returns the destination store.
func (p *Processor) Storage() storage.ObjectStorage {
	return p.storage
}

// Import downloads sourceURL, optionally re-encodes it and uploads it under key.
func (p *Processor) Import(ctx context.Context, sourceURL, key string, opts Options) (*Result, error) {
	data, contentType, err := p.download(ctx, sourceURL)
	if err != nil {
		return nil, err
	}

	res := &Result{Key: key, ContentType: contentType}
	if opts.Convert && isConvertible(contentType) {
		converted, ct, w, h, err := optimise(data, contentType, p.cfg.MaxImageSize, opts.Quality)
		if err != nil {
			logger.With(logger.Fields{"url": sourceURL}).Warn(ctx, "Image optimisation skipped: %v", err)
		} else {
			data = converted
			res.ContentType = ct
			res.Width, res.Height = w, h
			res.Converted = true
			res.Key = withExtension(key, ct)
		}
	}
	if res.Width == 0 {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			res.Width, res.Height = cfg.Width, cfg.Height
		}
	}

	res.Size = int64(len(data))
	if err := p.storage.Upload(ctx, res.Key, bytes.NewReader(data), res.Size, res.ContentType); err != nil {
		return nil, fmt.Errorf("store media: %w", err)
	}
	res.URL = p.storage.GetURL(res.Key)
	return res, nil
}

// Delete removes a stored file.
func (p *Processor) Delete(ctx context.Context, key string) error {
	return p.storage.Delete(ctx, key)
}

func (p *Processor) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	u, err := url.Parse(sourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("%w: unsupported media url %q", domain.ErrValidation, sourceURL)
	}

	resp, err := p.client.R().SetContext(ctx).Get(sourceURL)
	if err != nil {
		return nil, "", fmt.Errorf("%w: download %s: %v", domain.ErrNetwork, sourceURL, err)
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return nil, "", fmt.Errorf("%w: download %s: status %d", domain.ErrNetwork, sourceURL, code)
	default:
		return nil, "", fmt.Errorf("%w: download %s: status %d", domain.ErrValidation, sourceURL, code)
	}

	data := resp.Body()
	if p.cfg.MaxBytes > 0 && int64(len(data)) > p.cfg.MaxBytes {
		return nil, "", fmt.Errorf("%w: %s exceeds %d bytes", domain.ErrValidation, sourceURL, p.cfg.MaxBytes)
	}
	contentType := strings.TrimSpace(strings.Split(resp.Header().Get("Content-Type"), ";")[0])
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

func isConvertible(contentType string) bool {
	switch contentType {
	case "image/jpeg", "image/png", "image/webp", "image/bmp", "image/tiff":
		return true
	}
	// GIFs may be animated and are stored as-is.
	return false
}

// optimise scales an image to fit maxEdge and re-encodes it. Opaque images
// become JPEG at quality; images with transparency stay PNG.
func optimise(data []byte, contentType string, maxEdge, quality int) ([]byte, string, int, int, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("decode %s: %w", contentType, err)
	}

	img := src
	b := src.Bounds()
	if w, h := scaledSize(b.Dx(), b.Dy(), maxEdge); w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	ct := "image/jpeg"
	if hasAlpha(src) {
		ct = "image/png"
		err = png.Encode(&buf, img)
	} else {
		if quality < 1 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	}
	if err != nil {
		return nil, "", 0, 0, fmt.Errorf("encode %s: %w", ct, err)
	}
	out := img.Bounds()
	return buf.Bytes(), ct, out.Dx(), out.Dy(), nil
}

// scaledSize fits w×h into a maxEdge square, keeping the aspect ratio.
func scaledSize(w, h, maxEdge int) (int, int) {
	if maxEdge <= 0 || (w <= maxEdge && h <= maxEdge) {
		return w, h
	}
	if w >= h {
		return maxEdge, max(1, h*maxEdge/w)
	}
	return max(1, w*maxEdge/h), maxEdge
}

func hasAlpha(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}

func withExtension(key, contentType string) string {
	ext := ".jpg"
	if contentType == "image/png" {
		ext = ".png"
	}
	return strings.TrimSuffix(key, path.Ext(key)) + ext
}
