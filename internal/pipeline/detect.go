package pipeline

import (
	"context"
	"errors"

	"video-transformer/internal/frame"
)

var errNilDetector = errors.New("pipeline: nil detector")

// FaceDetectStage appends one Detection per face found by the detector.
// Boxes are clipped to the frame so later crops never leave the picture.
type FaceDetectStage struct {
	detector Detector
	params   DetectParams
}

func NewFaceDetectStage(detector Detector, params DetectParams) *FaceDetectStage {
	def := DefaultDetectParams()
	if params.ScaleFactor <= 1 {
		params.ScaleFactor = def.ScaleFactor
	}
	if params.MinNeighbors <= 0 {
		params.MinNeighbors = def.MinNeighbors
	}

	return &FaceDetectStage{
		detector: detector,
		params:   params,
	}
}

func (s *FaceDetectStage) Name() string { return "face-detect" }

func (s *FaceDetectStage) Params() DetectParams { return s.params }

func (s *FaceDetectStage) Apply(ctx context.Context, f *frame.Frame, acc Results) (*frame.Frame, Results, error) {
	if s.detector == nil {
		return nil, Results{}, errNilDetector
	}

	boxes, err := s.detector.DetectFaces(f, s.params)
	if err != nil {
		return nil, Results{}, err
	}

	out := acc.clone()
	bounds := f.Bounds()
	for _, box := range boxes {
		box = box.Canon().Intersect(bounds)
		if box.Empty() {
			continue
		}
		out.Detections = append(out.Detections, Detection{Box: box})
	}

	return f, out, nil
}
