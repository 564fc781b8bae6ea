// Copyright 2025-2026 MirrorWire Contributors

package imagetx

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	textFontSize    = 24
	textPadX        = 12
	textPadY        = 8
	backdropRadius  = 6
	backdropAlpha   = 140
	maxOverlayChars = 64
)

var (
	faceOnce sync.Once
	faceErr  error
	textFace font.Face
)

func overlayFace() (font.Face, error) {
	faceOnce.Do(func() {
		parsed, err := opentype.Parse(goregular.TTF)
		if err != nil {
			faceErr = err
			return
		}
		textFace, faceErr = opentype.NewFace(parsed, &opentype.FaceOptions{
			Size:    textFontSize,
			DPI:     72,
			Hinting: font.HintingFull,
		})
	})
	return textFace, faceErr
}

// renderTextOverlay rasterizes the branding string onto a semi-opaque
// rounded backdrop. Text is drawn directly rather than through any markup,
// so user-controlled branding strings cannot inject structure.
func renderTextOverlay(text, hexColor string) (*image.NRGBA, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty watermark text")
	}
	if len(text) > maxOverlayChars {
		text = text[:maxOverlayChars]
	}

	face, err := overlayFace()
	if err != nil {
		return nil, fmt.Errorf("failed to load overlay font: %w", err)
	}

	metrics := face.Metrics()
	textWidth := font.MeasureString(face, text).Ceil()
	textHeight := (metrics.Ascent + metrics.Descent).Ceil()

	w := textWidth + 2*textPadX
	h := textHeight + 2*textPadY
	overlay := image.NewNRGBA(image.Rect(0, 0, w, h))

	drawRoundedBackdrop(overlay, backdropRadius, color.NRGBA{A: backdropAlpha})

	drawer := &font.Drawer{
		Dst:  overlay,
		Src:  image.NewUniform(parseHexColor(hexColor)),
		Face: face,
		Dot:  fixed.P(textPadX, textPadY+metrics.Ascent.Ceil()),
	}
	drawer.DrawString(text)
	return overlay, nil
}

// drawRoundedBackdrop fills dst with c, leaving the corners outside the
// corner radius transparent.
func drawRoundedBackdrop(dst *image.NRGBA, radius int, c color.NRGBA) {
	bounds := dst.Bounds()
	draw.Draw(dst, bounds, image.NewUniform(c), image.Point{}, draw.Src)
	w, h := bounds.Dx(), bounds.Dy()
	clear := color.NRGBA{}
	for y := 0; y < radius; y++ {
		for x := 0; x < radius; x++ {
			dx, dy := radius-x, radius-y
			if dx*dx+dy*dy <= radius*radius {
				continue
			}
			dst.SetNRGBA(x, y, clear)
			dst.SetNRGBA(w-1-x, y, clear)
			dst.SetNRGBA(x, h-1-y, clear)
			dst.SetNRGBA(w-1-x, h-1-y, clear)
		}
	}
}

// parseHexColor parses "#rgb" or "#rrggbb"; anything else yields white.
func parseHexColor(s string) color.NRGBA {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(s) {
	case 3:
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	case 6:
	default:
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}
