package pipeline

import (
	"context"
	"image"
	"image/color"
	"testing"

	"video-transformer/internal/frame"
)

func TestLabel(t *testing.T) {
	tests := []struct {
		name      string
		d         Detection
		wantText  string
		wantColor color.RGBA
		wantOK    bool
	}{
		{"masked", Detection{Mask: Masked}, "MASK", ColorMasked, true},
		{"unmasked", Detection{Mask: Unmasked}, "No Mask", ColorAlert, true},
		{"age gender", Detection{AgeGender: &AgeGender{Male, 42}}, "Male 42", ColorAlert, true},
		{"unmasked with age gender", Detection{Mask: Unmasked, AgeGender: &AgeGender{Female, 31}}, "No Mask Female 31", ColorAlert, true},
		{"unclassified", Detection{}, "", color.RGBA{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, c, ok := Label(tt.d)
			if text != tt.wantText || c != tt.wantColor || ok != tt.wantOK {
				t.Errorf("Label() = (%q, %v, %v), want (%q, %v, %v)", text, c, ok, tt.wantText, tt.wantColor, tt.wantOK)
			}
		})
	}
}

func TestOverlayDrawsOnCopy(t *testing.T) {
	in, err := frame.New(make([]byte, 64*48*3), 64, 48, frame.BGR24, 1234, frame.RTPVideoTimeBase)
	if err != nil {
		t.Fatalf("frame.New() error = %v", err)
	}
	acc := Results{Detections: []Detection{{Box: image.Rect(10, 20, 40, 44), Mask: Masked}}}

	out, res, err := NewOverlayRenderStage().Apply(context.Background(), in, acc)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Len() != 1 {
		t.Errorf("Apply() results = %d, want 1", res.Len())
	}
	if !out.SameTiming(in) {
		t.Errorf("Apply() changed timing")
	}

	black := color.RGBA{A: 0xff}
	if got := out.Image().RGBAAt(10, 30); got != ColorMasked {
		t.Errorf("box edge = %v, want %v", got, ColorMasked)
	}
	if got := out.Image().RGBAAt(25, 32); got != black {
		t.Errorf("box interior = %v, want %v", got, black)
	}
	if got := in.Image().RGBAAt(10, 30); got != black {
		t.Errorf("input frame was modified: %v", got)
	}
}

func TestOverlayWithoutDetections(t *testing.T) {
	in := newFrame(t, 8, 8)
	out, _, err := NewOverlayRenderStage().Apply(context.Background(), in, Results{})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if out != in {
		t.Errorf("Apply() copied a frame with nothing to draw")
	}
}
