// Package track runs the per-track frame loop: pull a decoded frame, run it
// through a pipeline, publish the result.
package track

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"video-transformer/internal/frame"
	"video-transformer/internal/pipeline"
)

// Source yields decoded frames in presentation order. ReadFrame returns
// io.EOF once the stream has ended and must return promptly when ctx is done.
type Source interface {
	ReadFrame(ctx context.Context) (*frame.Frame, error)
	Close() error
}

// Sink publishes transformed frames to the outbound media path.
type Sink interface {
	WriteFrame(f *frame.Frame) error
}

// Processor transforms one frame. *pipeline.Pipeline implements it.
type Processor interface {
	Run(ctx context.Context, f *frame.Frame) (*frame.Frame, pipeline.Results)
}

// ResultFunc is told about every published frame and the detections that
// produced it. It runs on the track goroutine and must not block.
type ResultFunc func(trackID string, f *frame.Frame, res pipeline.Results)

type Option func(*Track)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Track) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithResultFunc(fn ResultFunc) Option {
	return func(t *Track) {
		t.onResult = fn
	}
}

type Track struct {
	id     string
	source Source
	proc   Processor
	sink   Sink

	logger   *slog.Logger
	onResult ResultFunc

	latest    atomic.Pointer[frame.Frame]
	frames    atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

func New(id string, source Source, proc Processor, sink Sink, opts ...Option) *Track {
	t := &Track{
		id:     id,
		source: source,
		proc:   proc,
		sink:   sink,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("track_id", id)
	return t
}

func (t *Track) ID() string { return t.id }

// Frames is the number of frames published so far.
func (t *Track) Frames() uint64 { return t.frames.Load() }

// Latest returns the most recently published frame, or nil.
func (t *Track) Latest() *frame.Frame { return t.latest.Load() }

// Run drives the loop until the source is exhausted, ctx is cancelled or the
// sink fails. The first two are clean exits and return nil. The source is
// closed before Run returns.
func (t *Track) Run(ctx context.Context) error {
	defer t.Close()

	t.logger.Debug("track started")
	for {
		in, err := t.source.ReadFrame(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				t.logger.Info("track source exhausted", "frames", t.Frames())
				return nil
			case ctx.Err() != nil:
				t.logger.Debug("track cancelled", "frames", t.Frames())
				return nil
			default:
				return fmt.Errorf("track %s: read frame: %w", t.id, err)
			}
		}

		out, res := t.proc.Run(ctx, in)
		if ctx.Err() != nil {
			return nil
		}
		if out == nil || !out.SameTiming(in) {
			t.logger.Warn("processor broke frame timing, publishing input", "pts", in.PTS())
			out, res = in, pipeline.Results{}
		}

		if err := t.sink.WriteFrame(out); err != nil {
			return fmt.Errorf("track %s: write frame: %w", t.id, err)
		}
		t.latest.Store(out)
		t.frames.Add(1)

		if t.onResult != nil {
			t.onResult(t.id, out, res)
		}
	}
}

// Close closes the source, which also unblocks a pending ReadFrame. It is
// safe to call more than once; the source sees a single Close.
func (t *Track) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.source.Close()
	})
	return t.closeErr
}
