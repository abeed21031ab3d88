package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	xdraw "golang.org/x/image/draw"
)

var ErrRegionOutOfBounds = errors.New("frame: region out of bounds")

// BGR is a draw.Image over packed BGR24 pixels.
type BGR struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

func (b *BGR) ColorModel() color.Model { return color.RGBAModel }

func (b *BGR) Bounds() image.Rectangle { return b.Rect }

func (b *BGR) PixOffset(x, y int) int {
	return (y-b.Rect.Min.Y)*b.Stride + (x-b.Rect.Min.X)*3
}

func (b *BGR) At(x, y int) color.Color {
	return b.RGBAAt(x, y)
}

func (b *BGR) RGBAAt(x, y int) color.RGBA {
	if !(image.Point{X: x, Y: y}.In(b.Rect)) {
		return color.RGBA{}
	}
	i := b.PixOffset(x, y)
	return color.RGBA{R: b.Pix[i+2], G: b.Pix[i+1], B: b.Pix[i], A: 0xff}
}

func (b *BGR) Set(x, y int, c color.Color) {
	if !(image.Point{X: x, Y: y}.In(b.Rect)) {
		return
	}
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	i := b.PixOffset(x, y)
	b.Pix[i] = rgba.B
	b.Pix[i+1] = rgba.G
	b.Pix[i+2] = rgba.R
}

// SubImage shares pixels with b.
func (b *BGR) SubImage(r image.Rectangle) image.Image {
	r = r.Intersect(b.Rect)
	if r.Empty() {
		return &BGR{}
	}
	i := b.PixOffset(r.Min.X, r.Min.Y)
	return &BGR{Pix: b.Pix[i:], Stride: b.Stride, Rect: r}
}

// Patch crops r out of f and resizes it to size×size with bilinear
// interpolation. The frame is not modified.
func Patch(f *Frame, r image.Rectangle, size int) (*image.RGBA, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: patch size %d", ErrInvalidGeometry, size)
	}
	if r.Empty() || !r.In(f.Bounds()) {
		return nil, fmt.Errorf("%w: %v not in %v", ErrRegionOutOfBounds, r, f.Bounds())
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), f.Image(), r, xdraw.Src, nil)
	return dst, nil
}
