package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"video-transformer/internal/events"
	"video-transformer/internal/pipeline"
	"video-transformer/internal/session"
	"video-transformer/internal/track"
	"video-transformer/internal/transport"
)

var ErrNoDialer = errors.New("signaling: external sources are not enabled")

const cameraTrackID = "camera"

// Camera is an external video feed decoded into an RTPSource.
type Camera interface {
	Source() *transport.RTPSource
	Close() error
}

// Dialer connects to an external video source such as an RTSP camera.
type Dialer func(ctx context.Context, rawURL string, opts ...transport.SourceOption) (Camera, error)

type NegotiatorOption func(*PeerNegotiator)

func WithDialer(d Dialer) NegotiatorOption {
	return func(n *PeerNegotiator) {
		n.dial = d
	}
}

func WithEmitter(e events.Emitter) NegotiatorOption {
	return func(n *PeerNegotiator) {
		n.emitter = e
	}
}

func WithDropFunc(fn func()) NegotiatorOption {
	return func(n *PeerNegotiator) {
		n.onDrop = fn
	}
}

// PeerNegotiator negotiates sessions over pion peer connections and starts a
// track for every inbound video stream.
type PeerNegotiator struct {
	api     *transport.API
	dial    Dialer
	emitter events.Emitter
	onDrop  func()
	logger  *slog.Logger
}

func NewPeerNegotiator(api *transport.API, logger *slog.Logger, opts ...NegotiatorOption) *PeerNegotiator {
	if logger == nil {
		logger = slog.Default()
	}
	n := &PeerNegotiator{api: api, logger: logger}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *PeerNegotiator) Negotiate(ctx context.Context, sess *session.Session, p *pipeline.Pipeline, offer webrtc.SessionDescription, sourceURL string) (webrtc.SessionDescription, error) {
	if sourceURL != "" && n.dial == nil {
		return webrtc.SessionDescription{}, ErrNoDialer
	}

	logger := n.logger.With("session_id", sess.ID())
	trackOpts := []track.Option{track.WithLogger(logger)}
	if n.emitter != nil {
		trackOpts = append(trackOpts, track.WithResultFunc(events.ResultFunc(n.emitter, sess.ID())))
	}

	h := transport.Handler{
		OnEvent: func(ev session.Event) { sess.Fire(ev) },
		OnDrop:  n.onDrop,
	}
	if sourceURL == "" {
		h.OnVideo = func(path *transport.VideoPath) {
			t := track.New(path.ID(), path, p, path, trackOpts...)
			if err := sess.AddTrack(t); err != nil {
				logger.Debug("video arrived after session end", "track_id", path.ID())
			}
		}
	}

	peer, err := n.api.NewPeer(sess.ID(), h)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	sess.SetTransport(peer)

	answer, err := peer.Answer(ctx, offer)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	if sourceURL != "" {
		if err := n.attachCamera(sess, p, peer, sourceURL, trackOpts); err != nil {
			return webrtc.SessionDescription{}, err
		}
	}
	return answer, nil
}

// attachCamera feeds the first outbound video track from an external source
// instead of the browser's own video.
func (n *PeerNegotiator) attachCamera(sess *session.Session, p *pipeline.Pipeline, peer *transport.Peer, sourceURL string, trackOpts []track.Option) error {
	var opts []transport.SourceOption
	if n.onDrop != nil {
		opts = append(opts, transport.WithDropFunc(n.onDrop))
	}

	// The camera outlives the request; session teardown stops it.
	cam, err := n.dial(context.Background(), sourceURL, opts...)
	if err != nil {
		return fmt.Errorf("signaling: open source: %w", err)
	}
	sink, err := peer.OpenSink(0)
	if err != nil {
		cam.Close()
		return err
	}

	path := transport.NewVideoPath(cameraTrackID, cam.Source(), sink, func() { cam.Close() })
	return sess.AddTrack(track.New(path.ID(), path, p, path, trackOpts...))
}
