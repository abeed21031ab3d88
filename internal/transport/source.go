package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"

	"video-transformer/internal/ffmpeg"
	"video-transformer/internal/frame"
)

var ErrUnsupportedCodec = errors.New("transport: unsupported codec")

// containerFor picks the elementary stream container ffmpeg reads for an
// RTP payload type.
func containerFor(mimeType string) (canonical, format string, err error) {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return webrtc.MimeTypeVP8, ffmpeg.FormatIVF, nil
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		return webrtc.MimeTypeVP9, ffmpeg.FormatIVF, nil
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return webrtc.MimeTypeH264, ffmpeg.FormatH264, nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, mimeType)
	}
}

// rtpClock unwraps 32-bit RTP timestamps into a monotonic tick count
// starting at zero.
type rtpClock struct {
	started bool
	last    uint32
	ticks   int64
}

func (c *rtpClock) unwrap(ts uint32) int64 {
	if !c.started {
		c.started = true
		c.last = ts
		return 0
	}
	c.ticks += int64(int32(ts - c.last))
	c.last = ts
	return c.ticks
}

// ptsQueue pairs timestamps of frames entering a codec with frames leaving
// it, in order.
type ptsQueue struct {
	mu sync.Mutex
	q  []int64
}

func (q *ptsQueue) push(pts int64) {
	q.mu.Lock()
	q.q = append(q.q, pts)
	q.mu.Unlock()
}

func (q *ptsQueue) pop() (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.q) == 0 {
		return 0, false
	}
	pts := q.q[0]
	q.q = q.q[1:]
	return pts, true
}

func (q *ptsQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.q)
}

// mailbox holds at most one frame. A new frame replaces one that was not
// picked up in time.
type mailbox struct {
	ch      chan *frame.Frame
	dropped atomic.Uint64
	onDrop  func()
}

func newMailbox(onDrop func()) *mailbox {
	return &mailbox{ch: make(chan *frame.Frame, 1), onDrop: onDrop}
}

// put must only be called from a single producer goroutine.
func (m *mailbox) put(f *frame.Frame) {
	select {
	case m.ch <- f:
		return
	default:
	}

	select {
	case <-m.ch:
		m.dropped.Add(1)
		if m.onDrop != nil {
			m.onDrop()
		}
	default:
	}
	m.ch <- f
}

// stampingWriter sits between a container writer and the decoder. The first
// byte of every frame carries that frame's timestamp into the queue before
// ffmpeg can see it.
type stampingWriter struct {
	w       io.Writer
	queue   *ptsQueue
	armed   bool
	pending int64
}

func (s *stampingWriter) stamp(pts int64) {
	s.pending = pts
	s.armed = true
}

func (s *stampingWriter) Write(b []byte) (int, error) {
	if s.armed {
		s.queue.push(s.pending)
		s.armed = false
	}
	return s.w.Write(b)
}

type SourceOption func(*RTPSource)

func WithDropFunc(fn func()) SourceOption {
	return func(s *RTPSource) {
		s.onDrop = fn
	}
}

// RTPSource depacketizes RTP video, decodes it with ffmpeg and yields BGR24
// frames stamped with the RTP timestamp in a 1/90000 time base. It
// implements track.Source.
type RTPSource struct {
	geometry ffmpeg.Geometry
	logger   *slog.Logger
	onDrop   func()

	dec    *ffmpeg.Decoder
	writer media.Writer
	stamp  *stampingWriter
	clock  rtpClock
	queue  ptsQueue
	box    *mailbox

	// mu serialises WriteRTP; the container writers are not concurrency safe.
	mu      sync.Mutex
	lastKey uint32
	seen    bool

	done      chan struct{}
	err       error
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewRTPSource(ctx context.Context, cfg ffmpeg.Config, mimeType string, logger *slog.Logger, opts ...SourceOption) (*RTPSource, error) {
	canonical, format, err := containerFor(mimeType)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &RTPSource{
		geometry: cfg.Geometry,
		logger:   logger,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.box = newMailbox(s.onDrop)

	dec, err := ffmpeg.NewDecoder(ctx, cfg, format, logger)
	if err != nil {
		return nil, err
	}
	s.dec = dec
	s.stamp = &stampingWriter{w: dec, queue: &s.queue}

	if format == ffmpeg.FormatH264 {
		s.writer = h264writer.NewWith(s.stamp)
	} else {
		s.writer, err = ivfwriter.NewWith(s.stamp, ivfwriter.WithCodec(canonical))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("transport: ivf writer: %w", err)
		}
	}

	go s.decodeLoop()
	return s, nil
}

// WriteRTP feeds one inbound packet.
func (s *RTPSource) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return io.ErrClosedPipe
	}
	if !s.seen || pkt.Timestamp != s.lastKey {
		s.seen = true
		s.lastKey = pkt.Timestamp
		s.stamp.stamp(s.clock.unwrap(pkt.Timestamp))
	}
	return s.writer.WriteRTP(pkt)
}

// CloseInput ends the inbound stream. Frames already decoded can still be
// read, after which ReadFrame returns io.EOF.
func (s *RTPSource) CloseInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec.CloseInput()
}

func (s *RTPSource) decodeLoop() {
	defer close(s.done)

	var last int64 = -1
	for {
		raw, err := s.dec.ReadRaw()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				s.err = fmt.Errorf("transport: decode: %w", err)
			}
			return
		}

		pts, ok := s.queue.pop()
		if !ok || pts <= last {
			pts = last + 1
		}
		last = pts

		f, err := frame.New(raw, s.geometry.Width, s.geometry.Height, frame.BGR24, pts, frame.RTPVideoTimeBase)
		if err != nil {
			s.err = err
			return
		}
		s.box.put(f)
	}
}

// ReadFrame returns the newest decoded frame, waiting for one if needed.
func (s *RTPSource) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	select {
	case f := <-s.box.ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
	}

	select {
	case f := <-s.box.ch:
		return f, nil
	default:
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

// Dropped is the number of decoded frames replaced before they were read.
func (s *RTPSource) Dropped() uint64 {
	return s.box.dropped.Load()
}

func (s *RTPSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		derr := s.dec.Close()

		s.mu.Lock()
		werr := s.writer.Close()
		s.mu.Unlock()

		<-s.done
		err = errors.Join(derr, werr)
	})
	return err
}
