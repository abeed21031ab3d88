package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"

	"video-transformer/internal/ffmpeg"
	"video-transformer/internal/frame"
)

var ErrSinkClosed = errors.New("transport: sink closed")

// SampleWriter accepts encoded media. *webrtc.TrackLocalStaticSample
// implements it.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// durations turns frame timestamps into per-sample durations. A sample lasts
// until the timestamp of the frame after it is known, so each duration is the
// gap to the previous frame.
type durations struct {
	fallback time.Duration
	prev     time.Duration
	started  bool
}

func (d *durations) next(ts time.Duration) time.Duration {
	if !d.started {
		d.started = true
		d.prev = ts
		return d.fallback
	}
	gap := ts - d.prev
	d.prev = ts
	if gap <= 0 {
		return d.fallback
	}
	return gap
}

// VP8Sink encodes BGR24 frames to VP8 with ffmpeg and writes them as media
// samples. It implements track.Sink.
type VP8Sink struct {
	enc      *ffmpeg.Encoder
	out      SampleWriter
	geometry ffmpeg.Geometry
	logger   *slog.Logger

	queue ptsQueue
	dur   durations

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func NewVP8Sink(ctx context.Context, cfg ffmpeg.Config, out SampleWriter, logger *slog.Logger) (*VP8Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	enc, err := ffmpeg.NewEncoder(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &VP8Sink{
		enc:      enc,
		out:      out,
		geometry: cfg.Geometry,
		logger:   logger,
		dur:      durations{fallback: time.Second / time.Duration(cfg.Geometry.FrameRate)},
		done:     make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *VP8Sink) WriteFrame(f *frame.Frame) error {
	select {
	case <-s.done:
		if s.err != nil {
			return s.err
		}
		return ErrSinkClosed
	default:
	}

	if f.Width() != s.geometry.Width || f.Height() != s.geometry.Height {
		return fmt.Errorf("transport: frame is %dx%d, encoder expects %dx%d", f.Width(), f.Height(), s.geometry.Width, s.geometry.Height)
	}

	s.queue.push(int64(f.Timestamp()))
	if err := s.enc.WriteRaw(f.Data()); err != nil {
		return err
	}
	return nil
}

func (s *VP8Sink) pump() {
	defer close(s.done)

	reader, _, err := ivfreader.NewWith(s.enc.Output())
	if err != nil {
		if !isClosedRead(err) {
			s.err = fmt.Errorf("transport: ivf header: %w", err)
		}
		return
	}

	for {
		payload, _, err := reader.ParseNextFrame()
		if err != nil {
			if !isClosedRead(err) {
				s.err = fmt.Errorf("transport: ivf frame: %w", err)
			}
			return
		}

		ts, ok := s.queue.pop()
		var d time.Duration
		if ok {
			d = s.dur.next(time.Duration(ts))
		} else {
			d = s.dur.fallback
		}

		if err := s.out.WriteSample(media.Sample{Data: payload, Duration: d}); err != nil {
			s.logger.Debug("write sample", "err", err)
		}
	}
}

func isClosedRead(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed)
}

// Close stops the encoder and waits for the output pump to finish.
func (s *VP8Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.enc.Close()
		<-s.done
	})
	return err
}
