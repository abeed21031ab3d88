package pipeline

import (
	"context"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"video-transformer/internal/frame"
)

var (
	ColorMasked = color.RGBA{G: 0xff, A: 0xff}
	ColorAlert  = color.RGBA{R: 0xff, A: 0xff}
)

const (
	overlayThickness = 2
	labelOffset      = 10
)

// Label returns the overlay text and colour for a detection. Detections with
// no classification are not drawn.
func Label(d Detection) (string, color.RGBA, bool) {
	switch d.Kind() {
	case KindAgeGender:
		text := d.AgeGender.String()
		if d.Mask == Unmasked {
			text = "No Mask " + text
		}
		return text, ColorAlert, true
	case KindMask:
		if d.Mask == Masked {
			return "MASK", ColorMasked, true
		}
		return "No Mask", ColorAlert, true
	default:
		return "", color.RGBA{}, false
	}
}

// OverlayRenderStage draws a box and a label for every classified detection
// onto a copy of the frame.
type OverlayRenderStage struct {
	face font.Face
}

func NewOverlayRenderStage() *OverlayRenderStage {
	return &OverlayRenderStage{face: basicfont.Face7x13}
}

func (s *OverlayRenderStage) Name() string { return "overlay-render" }

func (s *OverlayRenderStage) Apply(_ context.Context, f *frame.Frame, acc Results) (*frame.Frame, Results, error) {
	if acc.Len() == 0 {
		return f, acc, nil
	}

	out := f.Clone()
	img := out.Image()
	for _, d := range acc.Detections {
		text, c, ok := Label(d)
		if !ok {
			continue
		}
		strokeRect(img, d.Box, c, overlayThickness)
		s.drawLabel(img, text, d.Box.Min, c)
	}

	return out, acc, nil
}

func (s *OverlayRenderStage) drawLabel(dst draw.Image, text string, at image.Point, c color.RGBA) {
	ascent := s.face.Metrics().Ascent.Ceil()
	y := at.Y - labelOffset
	if y < ascent {
		y = ascent
	}

	d := &font.Drawer{Dst: dst, Src: image.NewUniform(c), Face: s.face}
	// basicfont has no bold face; two passes one pixel apart stand in for it
	for dx := 0; dx < overlayThickness; dx++ {
		d.Dot = fixed.P(at.X+dx, y)
		d.DrawString(text)
	}
}

func strokeRect(dst draw.Image, r image.Rectangle, c color.Color, thickness int) {
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}
