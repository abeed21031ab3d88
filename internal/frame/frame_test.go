package frame

import (
	"errors"
	"image"
	"image/color"
	"testing"
	"time"
)

func solid(t *testing.T, w, h int, c color.RGBA) *Frame {
	t.Helper()

	data := make([]byte, w*h*3)
	for i := 0; i < len(data); i += 3 {
		data[i], data[i+1], data[i+2] = c.B, c.G, c.R
	}
	f, err := New(data, w, h, BGR24, 3000, RTPVideoTimeBase)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		w, h    int
		format  PixelFormat
		tb      TimeBase
		wantErr error
	}{
		{"valid", make([]byte, 4*2*3), 4, 2, BGR24, RTPVideoTimeBase, nil},
		{"short buffer", make([]byte, 5), 4, 2, BGR24, RTPVideoTimeBase, ErrInvalidGeometry},
		{"zero width", nil, 0, 2, BGR24, RTPVideoTimeBase, ErrInvalidGeometry},
		{"unknown format", make([]byte, 8), 4, 2, PixelFormat("yuv420p"), RTPVideoTimeBase, ErrUnsupportedFormat},
		{"zero time base", make([]byte, 4*2*3), 4, 2, BGR24, TimeBase{}, ErrInvalidTimeBase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.data, tt.w, tt.h, tt.format, 0, tt.tb)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTimeBaseDuration(t *testing.T) {
	tests := []struct {
		tb    TimeBase
		ticks int64
		want  time.Duration
	}{
		{RTPVideoTimeBase, 90000, time.Second},
		{RTPVideoTimeBase, 3000, 33333333 * time.Nanosecond},
		{TimeBase{Num: 1, Den: 30}, 45, 1500 * time.Millisecond},
		{TimeBase{}, 10, 0},
	}

	for _, tt := range tests {
		if got := tt.tb.Duration(tt.ticks); got != tt.want {
			t.Errorf("%s.Duration(%d) = %v, want %v", tt.tb, tt.ticks, got, tt.want)
		}
	}
}

func TestCloneKeepsTimingAndIsolatesPixels(t *testing.T) {
	f := solid(t, 4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 0xff})

	c := f.Clone()
	if !c.SameTiming(f) {
		t.Fatalf("Clone() timing = %d@%s, want %d@%s", c.PTS(), c.TimeBase(), f.PTS(), f.TimeBase())
	}

	c.Image().Set(0, 0, color.RGBA{R: 255, A: 0xff})
	if got := f.Image().RGBAAt(0, 0); got.R != 10 {
		t.Errorf("original pixel changed to %v after drawing on clone", got)
	}
	if got := c.Image().RGBAAt(0, 0); got.R != 255 || got.G != 0 || got.B != 0 {
		t.Errorf("clone pixel = %v, want pure red", got)
	}
}

func TestBGRChannelOrder(t *testing.T) {
	f := solid(t, 2, 2, color.RGBA{R: 1, G: 2, B: 3, A: 0xff})

	if got := f.Data()[:3]; got[0] != 3 || got[1] != 2 || got[2] != 1 {
		t.Errorf("raw bytes = %v, want [3 2 1]", got)
	}
	if got := f.Image().RGBAAt(1, 1); got != (color.RGBA{R: 1, G: 2, B: 3, A: 0xff}) {
		t.Errorf("RGBAAt() = %v", got)
	}
	if got := f.Image().RGBAAt(5, 5); got != (color.RGBA{}) {
		t.Errorf("RGBAAt() outside bounds = %v, want zero", got)
	}
}

func TestPatch(t *testing.T) {
	f := solid(t, 32, 16, color.RGBA{R: 200, G: 100, B: 50, A: 0xff})

	t.Run("resizes crop", func(t *testing.T) {
		p, err := Patch(f, image.Rect(4, 4, 12, 12), 64)
		if err != nil {
			t.Fatalf("Patch() error = %v", err)
		}
		if p.Bounds() != image.Rect(0, 0, 64, 64) {
			t.Errorf("Patch() bounds = %v", p.Bounds())
		}
		if got := p.RGBAAt(30, 30); got != (color.RGBA{R: 200, G: 100, B: 50, A: 0xff}) {
			t.Errorf("Patch() pixel = %v", got)
		}
	})

	t.Run("rejects region outside frame", func(t *testing.T) {
		_, err := Patch(f, image.Rect(20, 10, 40, 20), 64)
		if !errors.Is(err, ErrRegionOutOfBounds) {
			t.Errorf("Patch() error = %v, want %v", err, ErrRegionOutOfBounds)
		}
	})

	t.Run("rejects empty region", func(t *testing.T) {
		_, err := Patch(f, image.Rect(3, 3, 3, 8), 64)
		if !errors.Is(err, ErrRegionOutOfBounds) {
			t.Errorf("Patch() error = %v, want %v", err, ErrRegionOutOfBounds)
		}
	})
}
