// Package rtsp pulls video from an RTSP camera into the decoding pipeline.
package rtsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"video-transformer/internal/ffmpeg"
	"video-transformer/internal/transport"
)

var ErrNoVideo = errors.New("rtsp: stream has no supported video")

// Camera is a playing RTSP session whose packets feed an RTPSource.
type Camera struct {
	client *gortsplib.Client
	source *transport.RTPSource
	logger *slog.Logger

	closing   atomic.Bool
	waitDone  chan struct{}
	closeOnce sync.Once
}

// pickVideo chooses the first video format the decoder understands,
// preferring H264 which most cameras send.
func pickVideo(desc *description.Session) (*description.Media, format.Format, string, error) {
	var h264 *format.H264
	if medi := desc.FindFormat(&h264); medi != nil {
		return medi, h264, webrtc.MimeTypeH264, nil
	}
	var vp8 *format.VP8
	if medi := desc.FindFormat(&vp8); medi != nil {
		return medi, vp8, webrtc.MimeTypeVP8, nil
	}
	var vp9 *format.VP9
	if medi := desc.FindFormat(&vp9); medi != nil {
		return medi, vp9, webrtc.MimeTypeVP9, nil
	}
	return nil, nil, "", ErrNoVideo
}

// Dial connects to rawURL, sets up its video media and starts playing. ctx
// bounds the decoder process the packets are fed to.
func Dial(ctx context.Context, rawURL string, cfg ffmpeg.Config, logger *slog.Logger, opts ...transport.SourceOption) (*Camera, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("rtsp_url", rawURL)

	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("rtsp: parse url: %w", err)
	}

	c := &gortsplib.Client{}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("rtsp: connect: %w", err)
	}

	src, err := setup(ctx, c, u, cfg, logger, opts)
	if err != nil {
		c.Close()
		return nil, err
	}

	cam := &Camera{
		client:   c,
		source:   src,
		logger:   logger,
		waitDone: make(chan struct{}),
	}
	go cam.wait()
	return cam, nil
}

func setup(ctx context.Context, c *gortsplib.Client, u *base.URL, cfg ffmpeg.Config, logger *slog.Logger, opts []transport.SourceOption) (*transport.RTPSource, error) {
	desc, _, err := c.Describe(u)
	if err != nil {
		return nil, fmt.Errorf("rtsp: describe: %w", err)
	}

	medi, forma, mimeType, err := pickVideo(desc)
	if err != nil {
		return nil, err
	}

	src, err := transport.NewRTPSource(ctx, cfg, mimeType, logger, opts...)
	if err != nil {
		return nil, err
	}

	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		src.Close()
		return nil, fmt.Errorf("rtsp: setup: %w", err)
	}

	c.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		if err := src.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Debug("drop camera packet", "seq", pkt.SequenceNumber, "err", err)
		}
	})

	if _, err := c.Play(nil); err != nil {
		src.Close()
		return nil, fmt.Errorf("rtsp: play: %w", err)
	}
	logger.Info("rtsp stream playing", "codec", mimeType)
	return src, nil
}

// wait ends the inbound stream when the camera session dies so the track
// drains and exits.
func (cam *Camera) wait() {
	defer close(cam.waitDone)

	err := cam.client.Wait()
	if !cam.closing.Load() {
		cam.logger.Warn("rtsp stream ended", "err", err)
	}
	cam.source.CloseInput()
}

func (cam *Camera) Source() *transport.RTPSource {
	return cam.source
}

// Close stops the RTSP session. The RTPSource is closed by its owner.
func (cam *Camera) Close() error {
	cam.closeOnce.Do(func() {
		cam.closing.Store(true)
		cam.client.Close()
		<-cam.waitDone
	})
	return nil
}
