// Package frame holds decoded video frames together with the timing metadata
// that has to survive every transformation unchanged.
package frame

import (
	"errors"
	"fmt"
	"image"
	"time"
)

type PixelFormat string

const (
	// BGR24 is packed 8-bit blue, green, red; the layout ffmpeg emits for -pix_fmt bgr24.
	BGR24 PixelFormat = "bgr24"
)

// BytesPerPixel returns the packed pixel size, or 0 for unknown formats.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case BGR24:
		return 3
	default:
		return 0
	}
}

var (
	ErrUnsupportedFormat = errors.New("frame: unsupported pixel format")
	ErrInvalidGeometry   = errors.New("frame: invalid geometry")
	ErrInvalidTimeBase   = errors.New("frame: invalid time base")
)

// TimeBase is the rational duration of one timestamp tick, Num/Den seconds.
type TimeBase struct {
	Num int64
	Den int64
}

// RTPVideoTimeBase is the 90 kHz clock every RTP video payload uses.
var RTPVideoTimeBase = TimeBase{Num: 1, Den: 90000}

func (tb TimeBase) Valid() bool {
	return tb.Num > 0 && tb.Den > 0
}

// Duration converts a tick count into wall time.
func (tb TimeBase) Duration(ticks int64) time.Duration {
	if !tb.Valid() {
		return 0
	}
	n := ticks * tb.Num
	secs, rem := n/tb.Den, n%tb.Den
	return time.Duration(secs)*time.Second + time.Duration(rem*int64(time.Second)/tb.Den)
}

func (tb TimeBase) String() string {
	return fmt.Sprintf("%d/%d", tb.Num, tb.Den)
}

// Frame is an immutable decoded picture. Stages that change pixels build a
// new Frame with WithData or Clone; the timestamp and time base always come
// along from the frame they were derived from.
type Frame struct {
	data     []byte
	width    int
	height   int
	format   PixelFormat
	pts      int64
	timeBase TimeBase
}

func New(data []byte, width, height int, format PixelFormat, pts int64, timeBase TimeBase) (*Frame, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if width <= 0 || height <= 0 || len(data) != width*height*bpp {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", ErrInvalidGeometry, width, height, len(data))
	}
	if !timeBase.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTimeBase, timeBase)
	}

	return &Frame{
		data:     data,
		width:    width,
		height:   height,
		format:   format,
		pts:      pts,
		timeBase: timeBase,
	}, nil
}

// Data returns the pixel buffer. Callers must treat it as read-only.
func (f *Frame) Data() []byte { return f.data }
func (f *Frame) Width() int { return f.width }
func (f *Frame) Height() int { return f.height }
func (f *Frame) Format() PixelFormat { return f.format }
func (f *Frame) PTS() int64 { return f.pts }
func (f *Frame) TimeBase() TimeBase { return f.timeBase }
func (f *Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.width, f.height) }

// Timestamp is the presentation time relative to the start of the stream.
func (f *Frame) Timestamp() time.Duration {
	return f.timeBase.Duration(f.pts)
}

// SameTiming reports whether two frames carry identical timing metadata.
func (f *Frame) SameTiming(other *Frame) bool {
	return other != nil && f.pts == other.pts && f.timeBase == other.timeBase
}

// Clone returns a deep copy whose pixels may be modified freely.
func (f *Frame) Clone() *Frame {
	data := make([]byte, len(f.data))
	copy(data, f.data)
	return f.WithData(data)
}

// WithData returns a frame with the same geometry and timing but different
// pixels. data must have the same length as the original buffer.
func (f *Frame) WithData(data []byte) *Frame {
	if len(data) != len(f.data) {
		panic(fmt.Sprintf("frame: WithData length %d, want %d", len(data), len(f.data)))
	}
	out := *f
	out.data = data
	return &out
}

// Image returns a draw.Image view over the frame pixels. Drawing on the view
// writes through to the buffer, so only use it on a Clone.
func (f *Frame) Image() *BGR {
	return &BGR{Pix: f.data, Stride: f.width * 3, Rect: f.Bounds()}
}
