// Copyright 2025-2026 MirrorWire Contributors

package imagetx

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// Mode selects between the two watermark renderings.
type Mode string

const (
	ModeText   Mode = "TEXT"
	ModeVisual Mode = "VISUAL"
)

// Options describes one watermark invocation.
type Options struct {
	Mode     Mode
	Text     string
	LogoURL  string
	Position string  // gravity keyword or "x,y"
	Opacity  float64 // 0 means the default
	Color    string  // hex text color, e.g. "#ffcc00"
}

const (
	defaultOpacity      = 0.85
	defaultLogoCacheLen = 64
	defaultLogoCacheTTL = 30 * time.Minute
	defaultMaxLogoBytes = 2 << 20
	defaultFetchTimeout = 10 * time.Second

	// A logo is scaled down so it never covers more than a quarter of the
	// base image's width.
	logoWidthDivisor = 4
)

// WatermarkerConfig bounds the logo cache and fetch path.
type WatermarkerConfig struct {
	CacheLen     int
	CacheTTL     time.Duration
	MaxLogoBytes int64
	FetchTimeout time.Duration
}

func (c *WatermarkerConfig) applyDefaults() {
	if c.CacheLen <= 0 {
		c.CacheLen = defaultLogoCacheLen
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultLogoCacheTTL
	}
	if c.MaxLogoBytes <= 0 {
		c.MaxLogoBytes = defaultMaxLogoBytes
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
}

type cachedLogo struct {
	img *image.NRGBA
}

// Watermarker applies branding watermarks. It owns a TTL'd, entry-capped
// logo cache; the entry cap is a second line of defense independent of TTL
// expiry.
type Watermarker struct {
	client       *http.Client
	cache        *expirable.LRU[string, cachedLogo]
	maxLogoBytes int64
	fetchTimeout time.Duration
	log          zerolog.Logger
}

// NewWatermarker constructs a watermarker with bounded cache and fetch
// limits.
func NewWatermarker(log zerolog.Logger, cfg WatermarkerConfig) *Watermarker {
	cfg.applyDefaults()
	return &Watermarker{
		client:       &http.Client{Timeout: cfg.FetchTimeout},
		cache:        expirable.NewLRU[string, cachedLogo](cfg.CacheLen, nil, cfg.CacheTTL),
		maxLogoBytes: cfg.MaxLogoBytes,
		fetchTimeout: cfg.FetchTimeout,
		log:          log.With().Str("component", "watermarker").Logger(),
	}
}

// Apply composites the configured watermark onto an image buffer. Any
// failure (fetch overflow, decode error, degenerate geometry) falls back to
// the original buffer; the attachment is never dropped.
func (w *Watermarker) Apply(ctx context.Context, buf []byte, opts Options) Result {
	base, format, err := decode(buf)
	if err != nil {
		return fallback(buf, "image decode failed: %v", err)
	}
	canvas := imaging.Clone(base)

	var overlay *image.NRGBA
	switch opts.Mode {
	case ModeVisual:
		overlay, err = w.logoOverlay(ctx, opts.LogoURL, canvas.Bounds())
	case ModeText:
		overlay, err = renderTextOverlay(opts.Text, opts.Color)
	default:
		return fallback(buf, "unknown watermark mode %q", opts.Mode)
	}
	if err != nil {
		w.log.Debug().Err(err).Str("mode", string(opts.Mode)).Msg("Watermark fell back to original")
		return fallback(buf, "watermark overlay unavailable: %v", err)
	}

	if canvas.Bounds().Dx() < overlay.Bounds().Dx() || canvas.Bounds().Dy() < overlay.Bounds().Dy() {
		return fallback(buf, "image smaller than watermark")
	}

	opacity := opts.Opacity
	if opacity <= 0 || opacity > 1 {
		opacity = defaultOpacity
	}
	pos := resolvePlacement(canvas.Bounds(), overlay.Bounds(), opts.Position)
	out, err := encode(imaging.Overlay(canvas, overlay, pos, opacity), format)
	if err != nil {
		return fallback(buf, "image encode failed: %v", err)
	}
	return Result{Data: out, Applied: true}
}

// logoOverlay fetches (or reuses) the logo and scales it to fit the base.
func (w *Watermarker) logoOverlay(ctx context.Context, url string, base image.Rectangle) (*image.NRGBA, error) {
	if url == "" {
		return nil, fmt.Errorf("no logo URL configured")
	}
	logo, err := w.fetchLogo(ctx, url)
	if err != nil {
		return nil, err
	}
	maxWidth := base.Dx() / logoWidthDivisor
	if maxWidth > 0 && logo.Bounds().Dx() > maxWidth {
		logo = imaging.Resize(logo, maxWidth, 0, imaging.Lanczos)
	}
	return logo, nil
}

// fetchLogo downloads and decodes a logo with a hard streaming byte ceiling,
// caching the normalized result by URL.
func (w *Watermarker) fetchLogo(ctx context.Context, url string) (*image.NRGBA, error) {
	if entry, ok := w.cache.Get(url); ok {
		return entry.img, nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build logo request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("logo fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("logo fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, w.maxLogoBytes+1))
	if err != nil {
		return nil, fmt.Errorf("logo read failed: %w", err)
	}
	if int64(len(data)) > w.maxLogoBytes {
		return nil, fmt.Errorf("logo exceeds %d byte ceiling", w.maxLogoBytes)
	}

	img, _, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("logo decode failed: %w", err)
	}
	normalized := imaging.Clone(img)
	w.cache.Add(url, cachedLogo{img: normalized})
	w.log.Debug().Str("url", url).
		Int("width", normalized.Bounds().Dx()).
		Int("height", normalized.Bounds().Dy()).
		Msg("Cached watermark logo")
	return normalized, nil
}
