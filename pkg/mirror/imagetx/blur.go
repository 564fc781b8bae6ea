// Copyright 2025-2026 MirrorWire Contributors

package imagetx

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// minRegionPx is the smallest blur region edge worth processing. Anything
// smaller is degenerate and skipped.
const minRegionPx = 2

// Region is a privacy blur rectangle in 0-100 percentages of the image.
type Region struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// pixelRect converts a percentage region to a pixel rectangle against the
// actual decoded bounds, clamped to the image.
func (r Region) pixelRect(bounds image.Rectangle) image.Rectangle {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	x0 := clamp(int(math.Round(r.X/100*w)), 0, bounds.Dx())
	y0 := clamp(int(math.Round(r.Y/100*h)), 0, bounds.Dy())
	x1 := clamp(x0+int(math.Round(r.Width/100*w)), 0, bounds.Dx())
	y1 := clamp(y0+int(math.Round(r.Height/100*h)), 0, bounds.Dy())
	return image.Rect(x0, y0, x1, y1).Add(bounds.Min)
}

// Blur extracts each region, blurs it and composites it back in place.
// Zero regions or all-degenerate regions are a no-op returning the original
// buffer with Applied=false; decode failures fall back to the original.
func Blur(buf []byte, regions []Region) Result {
	if len(regions) == 0 {
		return Result{Data: buf, Applied: false, Reason: "no blur regions"}
	}

	img, format, err := decode(buf)
	if err != nil {
		return fallback(buf, "image decode failed: %v", err)
	}

	canvas := imaging.Clone(img)
	blurred := 0
	for _, region := range regions {
		rect := region.pixelRect(canvas.Bounds())
		if rect.Dx() < minRegionPx || rect.Dy() < minRegionPx {
			continue
		}
		patch := imaging.Crop(canvas, rect)
		sigma := blurSigma(rect)
		patch = imaging.Blur(patch, sigma)
		canvas = imaging.Paste(canvas, patch, rect.Min)
		blurred++
	}
	if blurred == 0 {
		return Result{Data: buf, Applied: false, Reason: "all blur regions degenerate"}
	}

	out, err := encode(canvas, format)
	if err != nil {
		return fallback(buf, "image encode failed: %v", err)
	}
	return Result{Data: out, Applied: true}
}

// blurSigma scales blur strength with region size so small regions still
// become unreadable without over-blurring large ones.
func blurSigma(rect image.Rectangle) float64 {
	shorter := rect.Dx()
	if rect.Dy() < shorter {
		shorter = rect.Dy()
	}
	return math.Max(6, float64(shorter)/8)
}
