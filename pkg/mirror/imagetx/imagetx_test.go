// Copyright 2025-2026 MirrorWire Contributors

package imagetx

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
)

// testPNG renders a w x h checkerboard so blurring visibly changes pixels.
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/8+y/8)%2 == 0 {
				img.Set(x, y, color.RGBA{R: 255, A: 255})
			} else {
				img.Set(x, y, color.RGBA{B: 255, A: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeDims(t *testing.T, data []byte) (int, int) {
	t.Helper()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	return cfg.Width, cfg.Height
}

func TestBlurNoRegionsIsNoOp(t *testing.T) {
	t.Parallel()
	src := testPNG(t, 64, 64)
	res := Blur(src, nil)
	if res.Applied {
		t.Error("Blur with no regions reported Applied")
	}
	if !bytes.Equal(res.Data, src) {
		t.Error("Blur with no regions modified the buffer")
	}
}

func TestBlurDegenerateRegionsAreSkipped(t *testing.T) {
	t.Parallel()
	src := testPNG(t, 100, 100)
	res := Blur(src, []Region{
		{X: 10, Y: 10, Width: 0.5, Height: 0.5}, // sub-2px
		{X: 99.9, Y: 99.9, Width: 50, Height: 50}, // clamps to nothing
	})
	if res.Applied {
		t.Errorf("degenerate regions reported Applied, reason=%q", res.Reason)
	}
	if !bytes.Equal(res.Data, src) {
		t.Error("degenerate regions modified the buffer")
	}
}

func TestBlurAppliesInPlace(t *testing.T) {
	t.Parallel()
	src := testPNG(t, 128, 128)
	res := Blur(src, []Region{{X: 25, Y: 25, Width: 50, Height: 50}})
	if !res.Applied {
		t.Fatalf("Blur not applied: %s", res.Reason)
	}
	w, h := decodeDims(t, res.Data)
	if w != 128 || h != 128 {
		t.Errorf("blurred image resized to %dx%d", w, h)
	}
	if bytes.Equal(res.Data, src) {
		t.Error("blurred output is byte-identical to input")
	}
}

func TestBlurBadInputFallsBack(t *testing.T) {
	t.Parallel()
	src := []byte("not an image")
	res := Blur(src, []Region{{X: 0, Y: 0, Width: 50, Height: 50}})
	if res.Applied {
		t.Error("Blur of garbage input reported Applied")
	}
	if !bytes.Equal(res.Data, src) {
		t.Error("fallback did not return the original buffer")
	}
	if res.Reason == "" {
		t.Error("fallback carries no reason")
	}
}

func TestResolvePlacement(t *testing.T) {
	t.Parallel()
	base := image.Rect(0, 0, 200, 100)
	overlay := image.Rect(0, 0, 40, 20)
	for _, tt := range []struct {
		position string
		want     image.Point
	}{
		{"northwest", image.Pt(16, 16)},
		{"north", image.Pt(80, 16)},
		{"northeast", image.Pt(144, 16)},
		{"west", image.Pt(16, 40)},
		{"center", image.Pt(80, 40)},
		{"east", image.Pt(144, 40)},
		{"southwest", image.Pt(16, 64)},
		{"south", image.Pt(80, 64)},
		{"southeast", image.Pt(144, 64)},
		{"", image.Pt(144, 64)},          // default gravity
		{"30,12", image.Pt(30, 12)},      // explicit coordinates
		{"9999,9999", image.Pt(160, 80)}, // explicit clamps to bounds
	} {
		if got := resolvePlacement(base, overlay, tt.position); got != tt.want {
			t.Errorf("resolvePlacement(%q) = %v, want %v", tt.position, got, tt.want)
		}
	}
}

func newTestWatermarker(t *testing.T, cfg WatermarkerConfig) *Watermarker {
	t.Helper()
	return NewWatermarker(zerolog.Nop(), cfg)
}

func TestWatermarkVisual(t *testing.T) {
	t.Parallel()
	logo := testPNG(t, 32, 16)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(logo)
	}))
	defer srv.Close()

	wm := newTestWatermarker(t, WatermarkerConfig{})
	src := testPNG(t, 256, 128)
	opts := Options{Mode: ModeVisual, LogoURL: srv.URL, Position: "southeast", Opacity: 0.5}

	res := wm.Apply(context.Background(), src, opts)
	if !res.Applied {
		t.Fatalf("visual watermark not applied: %s", res.Reason)
	}
	if w, h := decodeDims(t, res.Data); w != 256 || h != 128 {
		t.Errorf("watermarked image resized to %dx%d", w, h)
	}

	// Second application hits the logo cache, not the server.
	res = wm.Apply(context.Background(), src, opts)
	if !res.Applied {
		t.Fatalf("second watermark not applied: %s", res.Reason)
	}
	if hits.Load() != 1 {
		t.Errorf("logo fetched %d times, want 1 (cached)", hits.Load())
	}
}

func TestWatermarkLogoOverSizeCeilingFallsBack(t *testing.T) {
	t.Parallel()
	logo := testPNG(t, 64, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(logo)
	}))
	defer srv.Close()

	wm := newTestWatermarker(t, WatermarkerConfig{MaxLogoBytes: 16})
	src := testPNG(t, 256, 256)
	res := wm.Apply(context.Background(), src, Options{Mode: ModeVisual, LogoURL: srv.URL})
	if res.Applied {
		t.Error("watermark applied despite logo exceeding the byte ceiling")
	}
	if !bytes.Equal(res.Data, src) {
		t.Error("fallback did not return the original buffer")
	}
}

func TestWatermarkSkipsWhenBaseSmallerThanLogo(t *testing.T) {
	t.Parallel()
	// A tall logo still exceeds the base's height after being scaled down to
	// a quarter of the base width.
	logo := testPNG(t, 8, 400)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(logo)
	}))
	defer srv.Close()

	wm := newTestWatermarker(t, WatermarkerConfig{})
	src := testPNG(t, 40, 40)
	res := wm.Apply(context.Background(), src, Options{Mode: ModeVisual, LogoURL: srv.URL})
	if res.Applied {
		t.Error("watermark applied onto an image smaller than the logo")
	}
	if !bytes.Equal(res.Data, src) {
		t.Error("fallback did not return the original buffer")
	}
}

func TestWatermarkText(t *testing.T) {
	t.Parallel()
	wm := newTestWatermarker(t, WatermarkerConfig{})
	src := testPNG(t, 400, 200)
	res := wm.Apply(context.Background(), src, Options{Mode: ModeText, Text: "mirrored by acme", Color: "#ffcc00"})
	if !res.Applied {
		t.Fatalf("text watermark not applied: %s", res.Reason)
	}
	if w, h := decodeDims(t, res.Data); w != 400 || h != 200 {
		t.Errorf("watermarked image resized to %dx%d", w, h)
	}
}

func TestWatermarkTextEmptyFallsBack(t *testing.T) {
	t.Parallel()
	wm := newTestWatermarker(t, WatermarkerConfig{})
	src := testPNG(t, 100, 100)
	res := wm.Apply(context.Background(), src, Options{Mode: ModeText, Text: "   "})
	if res.Applied {
		t.Error("empty watermark text reported Applied")
	}
}

func TestParseHexColor(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		in   string
		want color.NRGBA
	}{
		{"#ffcc00", color.NRGBA{R: 0xff, G: 0xcc, B: 0x00, A: 0xff}},
		{"0f0f0f", color.NRGBA{R: 0x0f, G: 0x0f, B: 0x0f, A: 0xff}},
		{"#f0c", color.NRGBA{R: 0xff, G: 0x00, B: 0xcc, A: 0xff}},
		{"", color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}},
		{"nonsense", color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}},
	} {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
