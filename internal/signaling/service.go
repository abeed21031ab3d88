// Package signaling turns HTTP offers into sessions and exposes the live
// sessions over HTTP.
package signaling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"video-transformer/internal/frame"
	"video-transformer/internal/pipeline"
	"video-transformer/internal/session"
)

var (
	ErrBadOffer = errors.New("signaling: malformed offer")
	ErrNotFound = errors.New("signaling: session not found")
	ErrNoFrame  = errors.New("signaling: no frame published yet")
	ErrNoStore  = errors.New("signaling: snapshot storage not configured")
)

const snapshotQuality = 85

// Negotiator answers the offer of a freshly registered session. It owns
// wiring the session's transport and tracks; on error the caller fails the
// session.
type Negotiator interface {
	Negotiate(ctx context.Context, s *session.Session, p *pipeline.Pipeline, offer webrtc.SessionDescription, sourceURL string) (webrtc.SessionDescription, error)
}

// SnapshotStore persists encoded snapshots.
type SnapshotStore interface {
	PutSnapshot(ctx context.Context, key string, r io.Reader, size int64) (SnapshotResponse, error)
}

type Option func(*Service)

func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(s *Service) {
		s.pipelineOpts = append(s.pipelineOpts, opts...)
	}
}

func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Service) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

func WithSnapshotStore(store SnapshotStore) Option {
	return func(s *Service) {
		s.store = store
	}
}

type Service struct {
	catalog    *pipeline.Catalog
	registry   *session.Registry
	negotiator Negotiator
	store      SnapshotStore
	logger     *slog.Logger

	pipelineOpts []pipeline.Option
	sessionOpts  []session.Option
}

func NewService(catalog *pipeline.Catalog, registry *session.Registry, negotiator Negotiator, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		catalog:    catalog,
		registry:   registry,
		negotiator: negotiator,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Offer validates req, resolves its transform mode and negotiates a new
// session. An unknown or unavailable mode is a *pipeline.ConfigError and no
// session is created.
func (s *Service) Offer(ctx context.Context, req OfferRequest) (OfferResponse, error) {
	if req.SDP == "" {
		return OfferResponse{}, fmt.Errorf("%w: empty sdp", ErrBadOffer)
	}
	if !strings.EqualFold(req.Type, webrtc.SDPTypeOffer.String()) {
		return OfferResponse{}, fmt.Errorf("%w: type %q", ErrBadOffer, req.Type)
	}
	if req.SourceURL != "" {
		if err := validateSourceURL(req.SourceURL); err != nil {
			return OfferResponse{}, err
		}
	}

	p, err := s.catalog.Pipeline(req.VideoTransform, s.pipelineOpts...)
	if err != nil {
		return OfferResponse{}, err
	}

	opts := append([]session.Option{session.WithLogger(s.logger)}, s.sessionOpts...)
	sess := session.New(uuid.NewString(), p.Mode(), opts...)
	if err := s.registry.Add(sess); err != nil {
		return OfferResponse{}, err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: req.SDP}
	answer, err := s.negotiator.Negotiate(ctx, sess, p, offer, req.SourceURL)
	if err != nil {
		sess.Fire(session.EventFailed)
		return OfferResponse{}, fmt.Errorf("signaling: negotiate session %s: %w", sess.ID(), err)
	}

	s.logger.Info("session created", "session_id", sess.ID(), "mode", p.Mode(), "stages", p.StageNames())
	return OfferResponse{
		SDP:       answer.SDP,
		Type:      answer.Type.String(),
		SessionID: sess.ID(),
	}, nil
}

func validateSourceURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: source url: %v", ErrBadOffer, err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return fmt.Errorf("%w: source url scheme %q", ErrBadOffer, u.Scheme)
	}
	return nil
}

func (s *Service) Modes() []pipeline.Mode {
	return s.catalog.Available()
}

func (s *Service) Sessions() []session.Info {
	snapshot := s.registry.Snapshot()
	out := make([]session.Info, 0, len(snapshot))
	for _, sess := range snapshot {
		out = append(out, sess.Info())
	}
	return out
}

func (s *Service) Session(id string) (*session.Session, error) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// CloseSession closes a live session and waits for its teardown.
func (s *Service) CloseSession(ctx context.Context, id string) error {
	sess, err := s.Session(id)
	if err != nil {
		return err
	}
	return sess.Shutdown(ctx)
}

// Snapshot returns the newest frame any track of the session published.
func (s *Service) Snapshot(id string) (*frame.Frame, error) {
	sess, err := s.Session(id)
	if err != nil {
		return nil, err
	}

	var latest *frame.Frame
	for _, t := range sess.Tracks() {
		f := t.Latest()
		if f == nil {
			continue
		}
		if latest == nil || f.Timestamp() > latest.Timestamp() {
			latest = f
		}
	}
	if latest == nil {
		return nil, ErrNoFrame
	}
	return latest, nil
}

func (s *Service) SnapshotJPEG(id string) ([]byte, *frame.Frame, error) {
	f, err := s.Snapshot(id)
	if err != nil {
		return nil, nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image(), &jpeg.Options{Quality: snapshotQuality}); err != nil {
		return nil, nil, fmt.Errorf("signaling: encode snapshot: %w", err)
	}
	return buf.Bytes(), f, nil
}

// StoreSnapshot uploads the session's latest frame as
// <session id>/<pts>.jpg.
func (s *Service) StoreSnapshot(ctx context.Context, id string) (SnapshotResponse, error) {
	if s.store == nil {
		return SnapshotResponse{}, ErrNoStore
	}
	data, f, err := s.SnapshotJPEG(id)
	if err != nil {
		return SnapshotResponse{}, err
	}

	key := fmt.Sprintf("%s/%d.jpg", id, f.PTS())
	info, err := s.store.PutSnapshot(ctx, key, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return SnapshotResponse{}, fmt.Errorf("signaling: store snapshot: %w", err)
	}
	s.logger.Info("snapshot stored", "session_id", id, "key", info.Key, "size", info.Size)
	return info, nil
}

// Shutdown closes every registered session.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.registry.CloseAll(ctx)
}
