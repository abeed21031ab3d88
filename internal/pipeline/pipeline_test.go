package pipeline

import (
	"context"
	"errors"
	"image"
	"reflect"
	"sync"
	"testing"
	"time"

	"video-transformer/internal/frame"
)

// newFrame builds a BGR24 frame whose left half is black and right half white.
func newFrame(t *testing.T, w, h int) *frame.Frame {
	t.Helper()

	data := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := w / 2; x < w; x++ {
			i := (y*w + x) * 3
			data[i], data[i+1], data[i+2] = 0xff, 0xff, 0xff
		}
	}
	f, err := frame.New(data, w, h, frame.BGR24, 9000, frame.RTPVideoTimeBase)
	if err != nil {
		t.Fatalf("frame.New() error = %v", err)
	}
	return f
}

type fakeDetector struct {
	boxes []image.Rectangle
	err   error
}

func (d *fakeDetector) DetectFaces(*frame.Frame, DetectParams) ([]image.Rectangle, error) {
	return d.boxes, d.err
}

type fakeModel struct {
	mu      sync.Mutex
	calls   int
	predict func(Tensor) ([][]float32, error)
}

func (m *fakeModel) Predict(t Tensor) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.predict(t)
}

func (m *fakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func mean(data []float32) float32 {
	var sum float32
	for _, v := range data {
		sum += v
	}
	return sum / float32(len(data))
}

// brightnessMask reports dark patches as masked and bright ones as unmasked.
func brightnessMask() *fakeModel {
	return &fakeModel{predict: func(t Tensor) ([][]float32, error) {
		return [][]float32{{mean(t.Data) - 128}}, nil
	}}
}

func fixedAgeGender(female float32, age int) *fakeModel {
	return &fakeModel{predict: func(Tensor) ([][]float32, error) {
		ages := make([]float32, AgeBins)
		ages[age] = 1
		return [][]float32{{female}, ages}, nil
	}}
}

type stageFunc struct {
	name  string
	apply func(context.Context, *frame.Frame, Results) (*frame.Frame, Results, error)
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Apply(ctx context.Context, f *frame.Frame, acc Results) (*frame.Frame, Results, error) {
	return s.apply(ctx, f, acc)
}

type recordingObserver struct {
	mu        sync.Mutex
	stages    []string
	fallbacks int
	passes    int
}

func (o *recordingObserver) ObserveStage(_ Mode, stage string, _ time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

func (o *recordingObserver) ObservePass(_ Mode, fallback bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.passes++
	if fallback {
		o.fallbacks++
	}
}

func testModels() (Models, *fakeModel, *fakeModel) {
	mask := brightnessMask()
	ag := fixedAgeGender(0.9, 31)
	return Models{
		Detector: &fakeDetector{boxes: []image.Rectangle{
			image.Rect(2, 2, 14, 14),
			image.Rect(40, 2, 52, 14),
		}},
		Mask:      mask,
		AgeGender: ag,
	}, mask, ag
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"none", ModeNone, false},
		{"mask-detection", ModeMaskDetection, false},
		{"Mask-Detection", ModeMaskDetection, false},
		{" age-gender-detect ", ModeAgeGender, false},
		{"DETECT-ALL", ModeDetectAll, false},
		{"bogus", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !IsConfigError(err) {
				t.Errorf("ParseMode(%q) error = %T, want *ConfigError", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCatalogStageOrder(t *testing.T) {
	models, _, _ := testModels()
	cat := NewCatalog(models)

	tests := []struct {
		mode string
		want []string
	}{
		{"none", []string{"passthrough"}},
		{"mask-detection", []string{"face-detect", "mask-classify", "overlay-render"}},
		{"age-gender-detect", []string{"face-detect", "age-gender-classify", "overlay-render"}},
		{"detect-all", []string{"face-detect", "mask-classify", "conditional-age-gender", "overlay-render"}},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			p, err := cat.Pipeline(tt.mode)
			if err != nil {
				t.Fatalf("Pipeline(%q) error = %v", tt.mode, err)
			}
			if got := p.StageNames(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("StageNames() = %v, want %v", got, tt.want)
			}
			if string(p.Mode()) != tt.mode {
				t.Errorf("Mode() = %q, want %q", p.Mode(), tt.mode)
			}
		})
	}

	if _, err := cat.Pipeline("bogus"); !IsConfigError(err) {
		t.Errorf("Pipeline(bogus) error = %v, want *ConfigError", err)
	}
}

func TestCatalogMissingModels(t *testing.T) {
	cat := NewCatalog(Models{Detector: &fakeDetector{}, Mask: brightnessMask()})

	if got, want := cat.Available(), []Mode{ModeNone, ModeMaskDetection}; !reflect.DeepEqual(got, want) {
		t.Errorf("Available() = %v, want %v", got, want)
	}
	for _, name := range []string{"age-gender-detect", "detect-all"} {
		if _, err := cat.Pipeline(name); !IsConfigError(err) {
			t.Errorf("Pipeline(%q) error = %v, want *ConfigError", name, err)
		}
	}

	empty := NewCatalog(Models{})
	if got, want := empty.Available(), []Mode{ModeNone}; !reflect.DeepEqual(got, want) {
		t.Errorf("Available() = %v, want %v", got, want)
	}
}

func TestRunPreservesTiming(t *testing.T) {
	models, _, _ := testModels()
	cat := NewCatalog(models)
	in := newFrame(t, 64, 32)

	for _, mode := range Modes() {
		t.Run(string(mode), func(t *testing.T) {
			p, err := cat.Pipeline(string(mode))
			if err != nil {
				t.Fatalf("Pipeline() error = %v", err)
			}
			out, _ := p.Run(context.Background(), in)
			if !out.SameTiming(in) {
				t.Errorf("Run() timing = (%d, %s), want (%d, %s)", out.PTS(), out.TimeBase(), in.PTS(), in.TimeBase())
			}
			if out.Width() != in.Width() || out.Height() != in.Height() {
				t.Errorf("Run() size = %dx%d, want %dx%d", out.Width(), out.Height(), in.Width(), in.Height())
			}
		})
	}
}

func TestNoneIsIdentity(t *testing.T) {
	p, err := NewCatalog(Models{}).Pipeline("none")
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	in := newFrame(t, 8, 8)
	out, res := p.Run(context.Background(), in)
	if out != in {
		t.Errorf("Run() returned a different frame")
	}
	if res.Len() != 0 {
		t.Errorf("Run() results = %d, want 0", res.Len())
	}
}

func TestDetectAll(t *testing.T) {
	models, _, ag := testModels()
	p, err := NewCatalog(models).Pipeline("detect-all")
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}

	in := newFrame(t, 64, 32)
	out, res := p.Run(context.Background(), in)

	if res.Len() != 2 {
		t.Fatalf("Run() results = %d, want 2", res.Len())
	}
	masked, unmasked := res.Detections[0], res.Detections[1]
	if masked.Mask != Masked || masked.AgeGender != nil {
		t.Errorf("dark face = %+v, want masked without age/gender", masked)
	}
	if unmasked.Mask != Unmasked {
		t.Errorf("bright face mask = %v, want %v", unmasked.Mask, Unmasked)
	}
	if unmasked.AgeGender == nil || *unmasked.AgeGender != (AgeGender{Gender: Female, Age: 31}) {
		t.Errorf("bright face age/gender = %v, want Female 31", unmasked.AgeGender)
	}
	if got := ag.Calls(); got != 1 {
		t.Errorf("age/gender model calls = %d, want 1", got)
	}
	if out == in {
		t.Errorf("Run() did not draw an overlay")
	}
}

func TestRunFailOpen(t *testing.T) {
	in := newFrame(t, 16, 16)
	other, err := frame.New(make([]byte, 16*16*3), 16, 16, frame.BGR24, in.PTS()+1, in.TimeBase())
	if err != nil {
		t.Fatalf("frame.New() error = %v", err)
	}

	annotate := stageFunc{name: "annotate", apply: func(_ context.Context, f *frame.Frame, acc Results) (*frame.Frame, Results, error) {
		return f, Results{Detections: []Detection{{Box: image.Rect(0, 0, 4, 4), Mask: Masked}}}, nil
	}}

	tests := []struct {
		name  string
		stage Stage
	}{
		{"error", stageFunc{name: "broken", apply: func(context.Context, *frame.Frame, Results) (*frame.Frame, Results, error) {
			return nil, Results{}, errors.New("inference failed")
		}}},
		{"panic", stageFunc{name: "panicky", apply: func(context.Context, *frame.Frame, Results) (*frame.Frame, Results, error) {
			panic("index out of range")
		}}},
		{"nil frame", stageFunc{name: "empty", apply: func(context.Context, *frame.Frame, Results) (*frame.Frame, Results, error) {
			return nil, Results{}, nil
		}}},
		{"timing changed", stageFunc{name: "retimer", apply: func(context.Context, *frame.Frame, Results) (*frame.Frame, Results, error) {
			return other, Results{}, nil
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := &recordingObserver{}
			p := Compose(ModeMaskDetection, []Stage{annotate, tt.stage, NewOverlayRenderStage()}, WithObserver(obs))

			out, res := p.Run(context.Background(), in)
			if out != in {
				t.Errorf("Run() frame is not the input frame")
			}
			if res.Len() != 0 {
				t.Errorf("Run() results = %d, want 0", res.Len())
			}
			if obs.fallbacks != 1 || obs.passes != 1 {
				t.Errorf("observer passes = %d fallbacks = %d, want 1 and 1", obs.passes, obs.fallbacks)
			}
			if want := []string{"annotate", tt.stage.Name()}; !reflect.DeepEqual(obs.stages, want) {
				t.Errorf("observed stages = %v, want %v", obs.stages, want)
			}
		})
	}
}

func TestRunRecoversAfterFailure(t *testing.T) {
	models, _, _ := testModels()
	det := &fakeDetector{err: errors.New("cascade busy")}
	models.Detector = det
	p, err := NewCatalog(models).Pipeline("mask-detection")
	if err != nil {
		t.Fatalf("Pipeline() error = %v", err)
	}
	in := newFrame(t, 64, 32)

	if out, _ := p.Run(context.Background(), in); out != in {
		t.Fatalf("Run() with failing detector did not pass the frame through")
	}

	det.err = nil
	det.boxes = []image.Rectangle{image.Rect(40, 2, 52, 14)}
	out, res := p.Run(context.Background(), in)
	if res.Len() != 1 || res.Detections[0].Mask != Unmasked {
		t.Errorf("Run() results = %+v, want one unmasked detection", res)
	}
	if out == in {
		t.Errorf("Run() did not draw an overlay after recovering")
	}
}

func TestFaceDetectClipsBoxes(t *testing.T) {
	det := &fakeDetector{boxes: []image.Rectangle{
		image.Rect(-5, -5, 10, 10),
		image.Rect(100, 100, 120, 120),
		image.Rect(60, 20, 80, 40),
	}}
	s := NewFaceDetectStage(det, DetectParams{})
	if got := s.Params(); got != DefaultDetectParams() {
		t.Errorf("Params() = %+v, want defaults", got)
	}

	in := newFrame(t, 64, 32)
	out, res, err := s.Apply(context.Background(), in, Results{})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if out != in {
		t.Errorf("Apply() returned a different frame")
	}

	want := []image.Rectangle{image.Rect(0, 0, 10, 10), image.Rect(60, 20, 64, 32)}
	if res.Len() != len(want) {
		t.Fatalf("Apply() detections = %d, want %d", res.Len(), len(want))
	}
	for i, d := range res.Detections {
		if d.Box != want[i] {
			t.Errorf("box[%d] = %v, want %v", i, d.Box, want[i])
		}
		if !d.Box.In(in.Bounds()) {
			t.Errorf("box[%d] = %v outside %v", i, d.Box, in.Bounds())
		}
	}
}

func TestConditionalSkipsWithoutUnmasked(t *testing.T) {
	ag := fixedAgeGender(0.1, 40)
	s := NewConditionalAgeGenderStage(ag)
	in := newFrame(t, 64, 32)
	acc := Results{Detections: []Detection{
		{Box: image.Rect(2, 2, 14, 14), Mask: Masked},
		{Box: image.Rect(20, 2, 30, 14)},
	}}

	_, res, err := s.Apply(context.Background(), in, acc)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if ag.Calls() != 0 {
		t.Errorf("model calls = %d, want 0", ag.Calls())
	}
	if !reflect.DeepEqual(res, acc) {
		t.Errorf("Apply() = %+v, want %+v", res, acc)
	}
}

func TestClassifyStopsOnCancel(t *testing.T) {
	mask := brightnessMask()
	s := NewMaskClassifyStage(mask)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	acc := Results{Detections: []Detection{{Box: image.Rect(2, 2, 14, 14)}}}
	if _, _, err := s.Apply(ctx, newFrame(t, 64, 32), acc); !errors.Is(err, context.Canceled) {
		t.Errorf("Apply() error = %v, want %v", err, context.Canceled)
	}
	if mask.Calls() != 0 {
		t.Errorf("model calls = %d, want 0", mask.Calls())
	}
}
