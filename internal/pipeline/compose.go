package pipeline

import (
	"context"
	"fmt"

	"video-transformer/internal/frame"
)

// Predicate selects detections for a filtered stage.
type Predicate func(Detection) bool

func IsUnmasked(d Detection) bool {
	return d.Mask == Unmasked
}

type filterStage struct {
	name  string
	pred  Predicate
	inner Stage
}

// When runs inner on the detections matching pred and merges its annotations
// back in place. inner must return one detection per detection it was given,
// in the same order.
func When(name string, pred Predicate, inner Stage) Stage {
	return &filterStage{name: name, pred: pred, inner: inner}
}

func (s *filterStage) Name() string { return s.name }

func (s *filterStage) Apply(ctx context.Context, f *frame.Frame, acc Results) (*frame.Frame, Results, error) {
	var (
		index  []int
		subset []Detection
	)
	for i, d := range acc.Detections {
		if s.pred(d) {
			index = append(index, i)
			subset = append(subset, d)
		}
	}
	if len(subset) == 0 {
		return f, acc, nil
	}

	next, res, err := s.inner.Apply(ctx, f, Results{Detections: subset})
	if err != nil {
		return nil, Results{}, err
	}
	if res.Len() != len(subset) {
		return nil, Results{}, fmt.Errorf("%s returned %d detections for %d inputs", s.inner.Name(), res.Len(), len(subset))
	}

	out := acc.clone()
	for j, i := range index {
		out.Detections[i] = res.Detections[j]
	}
	return next, out, nil
}

// PassthroughStage hands the frame on untouched.
type PassthroughStage struct{}

func (PassthroughStage) Name() string { return "passthrough" }

func (PassthroughStage) Apply(_ context.Context, f *frame.Frame, acc Results) (*frame.Frame, Results, error) {
	return f, acc, nil
}
