// Copyright 2025-2026 MirrorWire Contributors

// Package imagetx implements the in-memory image transform pipeline: privacy
// blur over percentage regions and branding watermarks (logo overlay or
// rendered text). Transforms never fail a delivery: every entry point falls
// back to the untransformed input and reports why.
package imagetx

import (
	"bytes"
	"fmt"
	"image"
	"strconv"
	"strings"

	// Register decoders for every format the pipeline may receive.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
)

// edgePadding is the fixed distance from image edges for gravity placement.
const edgePadding = 16

// Result is the outcome of one transform stage. Data always holds usable
// bytes: the transformed buffer when Applied, the original otherwise.
type Result struct {
	Data    []byte
	Applied bool
	// Reason explains a fallback or no-op. Empty when Applied.
	Reason string
}

func fallback(original []byte, format string, args ...any) Result {
	return Result{Data: original, Applied: false, Reason: fmt.Sprintf(format, args...)}
}

// decode parses an image buffer and remembers its source format so the
// transformed result can be re-encoded to match.
func decode(buf []byte) (image.Image, imaging.Format, error) {
	img, formatName, err := image.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, imaging.PNG, err
	}
	return img, encodeFormat(formatName), nil
}

// encodeFormat maps a stdlib decoder name to the format the result is
// written in. Formats without an encoder (webp) are re-encoded as PNG to
// preserve alpha.
func encodeFormat(decoded string) imaging.Format {
	switch decoded {
	case "jpeg":
		return imaging.JPEG
	case "gif":
		return imaging.GIF
	case "bmp":
		return imaging.BMP
	case "tiff":
		return imaging.TIFF
	default:
		return imaging.PNG
	}
}

func encode(img image.Image, format imaging.Format) ([]byte, error) {
	var out bytes.Buffer
	if err := imaging.Encode(&out, img, format); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// resolvePlacement computes the top-left point for an overlay of the given
// size. position is a 9-way compass gravity keyword, "center", or explicit
// "x,y" pixel coordinates. Unrecognized values place southeast.
func resolvePlacement(base, overlay image.Rectangle, position string) image.Point {
	bw, bh := base.Dx(), base.Dy()
	ow, oh := overlay.Dx(), overlay.Dy()

	if x, y, ok := parseExplicit(position); ok {
		return image.Pt(clamp(x, 0, bw-ow), clamp(y, 0, bh-oh))
	}

	left := edgePadding
	centerX := (bw - ow) / 2
	right := bw - ow - edgePadding
	top := edgePadding
	centerY := (bh - oh) / 2
	bottom := bh - oh - edgePadding

	switch strings.ToLower(strings.TrimSpace(position)) {
	case "northwest":
		return image.Pt(left, top)
	case "north":
		return image.Pt(centerX, top)
	case "northeast":
		return image.Pt(right, top)
	case "west":
		return image.Pt(left, centerY)
	case "center", "centre":
		return image.Pt(centerX, centerY)
	case "east":
		return image.Pt(right, centerY)
	case "southwest":
		return image.Pt(left, bottom)
	case "south":
		return image.Pt(centerX, bottom)
	default: // southeast, the branding default
		return image.Pt(right, bottom)
	}
}

func parseExplicit(position string) (x, y int, ok bool) {
	parts := strings.SplitN(position, ",", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	x, errX := strconv.Atoi(strings.TrimSpace(parts[0]))
	y, errY := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errX != nil || errY != nil {
		return 0, 0, false
	}
	return x, y, true
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
