package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"video-transformer/internal/frame"
)

var (
	errNilFrame      = errors.New("stage returned no frame")
	errTimingChanged = errors.New("stage changed frame timing")
)

// Observer receives per-stage and per-pass outcomes, typically for metrics.
type Observer interface {
	ObserveStage(mode Mode, stage string, took time.Duration, err error)
	ObservePass(mode Mode, fallback bool)
}

type nopObserver struct{}

func (nopObserver) ObserveStage(Mode, string, time.Duration, error) {}
func (nopObserver) ObservePass(Mode, bool)                          {}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// Pipeline is an immutable, ordered list of stages.
type Pipeline struct {
	mode     Mode
	stages   []Stage
	logger   *slog.Logger
	observer Observer
}

// Compose builds a pipeline from an explicit stage list. Most callers want
// Catalog.Pipeline instead.
func Compose(mode Mode, stages []Stage, opts ...Option) *Pipeline {
	p := &Pipeline{
		mode:     mode,
		stages:   append([]Stage(nil), stages...),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Mode() Mode { return p.mode }

func (p *Pipeline) StageNames() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run folds in through every stage. If any stage fails the pass is abandoned
// and in is returned unchanged with empty results: a frame without overlay is
// better than a hole in the video.
func (p *Pipeline) Run(ctx context.Context, in *frame.Frame) (*frame.Frame, Results) {
	cur, acc := in, Results{}

	for _, stage := range p.stages {
		began := time.Now()
		next, res, err := p.apply(ctx, stage, cur, acc)
		p.observer.ObserveStage(p.mode, stage.Name(), time.Since(began), err)

		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("pipeline stage failed, passing frame through",
					"mode", p.mode,
					"stage", stage.Name(),
					"pts", in.PTS(),
					"err", err,
				)
			}
			p.observer.ObservePass(p.mode, true)
			return in, Results{}
		}
		cur, acc = next, res
	}

	p.observer.ObservePass(p.mode, false)
	return cur, acc
}

func (p *Pipeline) apply(ctx context.Context, stage Stage, f *frame.Frame, acc Results) (next *frame.Frame, res Results, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, res = nil, Results{}
			err = &StageError{Stage: stage.Name(), Err: fmt.Errorf("panic: %v", r), Panic: true}
		}
	}()

	next, res, err = stage.Apply(ctx, f, acc)
	switch {
	case err != nil:
		return nil, Results{}, &StageError{Stage: stage.Name(), Err: err}
	case next == nil:
		return nil, Results{}, &StageError{Stage: stage.Name(), Err: errNilFrame}
	case !next.SameTiming(f):
		return nil, Results{}, &StageError{Stage: stage.Name(), Err: errTimingChanged}
	}
	return next, res, nil
}
