package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
)

// Geometry is the raw frame layout on the BGR24 side of a conversion.
type Geometry struct {
	Width     int
	Height    int
	FrameRate int
}

// FrameSize is the byte length of one BGR24 frame.
func (g Geometry) FrameSize() int {
	return g.Width * g.Height * 3
}

func (g Geometry) Valid() bool {
	return g.Width > 0 && g.Height > 0 && g.FrameRate > 0
}

func (g Geometry) size() string {
	return strconv.Itoa(g.Width) + "x" + strconv.Itoa(g.Height)
}

// Container formats for the compressed side.
const (
	FormatIVF   = "ivf"
	FormatH264  = "h264"
	FormatWebM  = "webm"
	FormatProbe = ""
)

const (
	pipeIn       = "pipe:0"
	pipeOut      = "pipe:1"
	defaultLevel = "warning"
)

// DecoderArgs builds arguments that read compressed video in format from
// input and write scaled BGR24 frames to stdout. FormatProbe lets ffmpeg
// detect the container, which only works for seekable inputs such as files.
func DecoderArgs(g Geometry, format, input string) []string {
	args := []string{"-hide_banner", "-loglevel", defaultLevel}
	if format != FormatProbe {
		args = append(args, "-f", format)
	}
	args = append(args,
		"-i", input,
		"-an",
		"-vsync", "passthrough",
		"-vf", fmt.Sprintf("scale=%d:%d", g.Width, g.Height),
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		pipeOut,
	)
	return args
}

// EncoderArgs builds arguments that read BGR24 frames from stdin and write
// VP8 in the given container to output.
func EncoderArgs(g Geometry, bitrate int, keyframeEvery int, format, output string) []string {
	if keyframeEvery <= 0 {
		keyframeEvery = g.FrameRate
	}
	args := []string{
		"-hide_banner", "-loglevel", defaultLevel,
		"-f", "rawvideo",
		"-pix_fmt", "bgr24",
		"-s", g.size(),
		"-r", strconv.Itoa(g.FrameRate),
		"-i", pipeIn,
		"-c:v", "libvpx",
		"-deadline", "realtime",
		"-cpu-used", "8",
		"-lag-in-frames", "0",
		"-error-resilient", "1",
		"-auto-alt-ref", "0",
		"-g", strconv.Itoa(keyframeEvery),
	}
	if bitrate > 0 {
		args = append(args, "-b:v", strconv.Itoa(bitrate))
	}
	args = append(args, "-f", format, "-y", output)
	return args
}

// Config selects the binary and the raw geometry shared by decoders and
// encoders of one process.
type Config struct {
	Path          string
	Geometry      Geometry
	Bitrate       int
	KeyframeEvery int
}

func (c Config) path() string {
	if c.Path == "" {
		return "ffmpeg"
	}
	return c.Path
}

// FrameReader splits a raw BGR24 stream into frames.
type FrameReader struct {
	r    io.Reader
	size int
}

func NewFrameReader(r io.Reader, g Geometry) *FrameReader {
	return &FrameReader{r: r, size: g.FrameSize()}
}

// Next returns the next full frame in a fresh buffer. A stream that ends on
// a frame boundary yields io.EOF; a truncated frame yields
// io.ErrUnexpectedEOF.
func (fr *FrameReader) Next() ([]byte, error) {
	buf := make([]byte, fr.size)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decoder turns a compressed elementary stream written to it into raw
// frames.
type Decoder struct {
	*Process
	frames *FrameReader
}

// NewDecoder starts a decoder for input read from stdin in format.
func NewDecoder(ctx context.Context, cfg Config, format string, logger *slog.Logger) (*Decoder, error) {
	return startDecoder(ctx, cfg, DecoderArgs(cfg.Geometry, format, pipeIn), logger)
}

// NewFileDecoder starts a decoder that reads path directly.
func NewFileDecoder(ctx context.Context, cfg Config, path string, logger *slog.Logger) (*Decoder, error) {
	return startDecoder(ctx, cfg, DecoderArgs(cfg.Geometry, FormatProbe, path), logger)
}

func startDecoder(ctx context.Context, cfg Config, args []string, logger *slog.Logger) (*Decoder, error) {
	if !cfg.Geometry.Valid() {
		return nil, fmt.Errorf("ffmpeg: invalid geometry %+v", cfg.Geometry)
	}
	p, err := Start(ctx, cfg.path(), args, logger)
	if err != nil {
		return nil, err
	}
	return &Decoder{Process: p, frames: NewFrameReader(p.Stdout(), cfg.Geometry)}, nil
}

// Write feeds compressed input. It makes the decoder usable as the
// io.Writer behind a container writer.
func (d *Decoder) Write(b []byte) (int, error) {
	n, err := d.Stdin().Write(b)
	if err != nil {
		return n, d.exitError(err)
	}
	return n, nil
}

// ReadRaw blocks until the next decoded frame is available.
func (d *Decoder) ReadRaw() ([]byte, error) {
	return d.frames.Next()
}

// Encoder turns raw frames into a compressed stream readable from Output.
type Encoder struct {
	*Process
	size int
}

// NewEncoder starts a VP8 encoder writing IVF to stdout.
func NewEncoder(ctx context.Context, cfg Config, logger *slog.Logger) (*Encoder, error) {
	return startEncoder(ctx, cfg, EncoderArgs(cfg.Geometry, cfg.Bitrate, cfg.KeyframeEvery, FormatIVF, pipeOut), logger)
}

// NewFileEncoder starts a VP8 encoder writing a WebM file.
func NewFileEncoder(ctx context.Context, cfg Config, path string, logger *slog.Logger) (*Encoder, error) {
	return startEncoder(ctx, cfg, EncoderArgs(cfg.Geometry, cfg.Bitrate, cfg.KeyframeEvery, FormatWebM, path), logger)
}

func startEncoder(ctx context.Context, cfg Config, args []string, logger *slog.Logger) (*Encoder, error) {
	if !cfg.Geometry.Valid() {
		return nil, fmt.Errorf("ffmpeg: invalid geometry %+v", cfg.Geometry)
	}
	p, err := Start(ctx, cfg.path(), args, logger)
	if err != nil {
		return nil, err
	}
	return &Encoder{Process: p, size: cfg.Geometry.FrameSize()}, nil
}

// WriteRaw writes one BGR24 frame.
func (e *Encoder) WriteRaw(data []byte) error {
	if len(data) != e.size {
		return fmt.Errorf("ffmpeg: frame is %d bytes, want %d", len(data), e.size)
	}
	if _, err := e.Stdin().Write(data); err != nil {
		return e.exitError(err)
	}
	return nil
}

// Output is the compressed stream.
func (e *Encoder) Output() io.Reader {
	return e.Stdout()
}

// exitError reports ErrNotRunning for writes that failed because ffmpeg is
// gone.
func (p *Process) exitError(err error) error {
	select {
	case <-p.Done():
		if exit := p.Err(); exit != nil {
			return fmt.Errorf("%w: %v", ErrNotRunning, exit)
		}
		return ErrNotRunning
	default:
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrNotRunning
		}
		return fmt.Errorf("ffmpeg: write: %w", err)
	}
}
