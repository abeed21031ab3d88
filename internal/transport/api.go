// Package transport is the WebRTC side of a session: negotiation with pion,
// the RTP to raw frame bridge and back, and keyframe signalling.
package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"video-transformer/internal/ffmpeg"
)

type Config struct {
	ICEServers       []string
	FFmpeg           ffmpeg.Config
	KeyframeInterval time.Duration
}

// API builds peers that share one media engine and interceptor setup.
type API struct {
	api    *webrtc.API
	cfg    Config
	logger *slog.Logger
}

func NewAPI(cfg Config, logger *slog.Logger) (*API, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("transport: register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("transport: register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{}
	s.LoggerFactory = NewLoggerFactory(logger)

	return &API{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(s)),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (a *API) configuration() webrtc.Configuration {
	var c webrtc.Configuration
	if len(a.cfg.ICEServers) > 0 {
		c.ICEServers = []webrtc.ICEServer{{URLs: a.cfg.ICEServers}}
	}
	return c
}
