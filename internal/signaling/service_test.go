package signaling

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"video-transformer/internal/frame"
	"video-transformer/internal/pipeline"
	"video-transformer/internal/session"
	"video-transformer/internal/track"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeNegotiator struct {
	mu    sync.Mutex
	calls int
	err   error
	// attach, when set, runs against the new session before answering.
	attach func(s *session.Session, p *pipeline.Pipeline)
}

func (f *fakeNegotiator) Negotiate(_ context.Context, s *session.Session, p *pipeline.Pipeline, offer webrtc.SessionDescription, _ string) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.err != nil {
		return webrtc.SessionDescription{}, f.err
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("not an offer")
	}
	if f.attach != nil {
		f.attach(s, p)
	}
	s.Fire(session.EventRemoteDescription)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\nanswer"}, nil
}

func (f *fakeNegotiator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// frameSource yields its frames once, then blocks until cancelled.
type frameSource struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

func (s *frameSource) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	s.mu.Lock()
	if len(s.frames) > 0 {
		f := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *frameSource) Close() error { return nil }

type nopSink struct{}

func (nopSink) WriteFrame(*frame.Frame) error { return nil }

type memoryStore struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (m *memoryStore) PutSnapshot(_ context.Context, key string, r io.Reader, size int64) (SnapshotResponse, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return SnapshotResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objs == nil {
		m.objs = make(map[string][]byte)
	}
	m.objs[key] = data
	return SnapshotResponse{Bucket: "snapshots", Key: key, Size: size}, nil
}

func testFrame(t *testing.T, pts int64) *frame.Frame {
	t.Helper()
	f, err := frame.New(make([]byte, 16*12*3), 16, 12, frame.BGR24, pts, frame.RTPVideoTimeBase)
	if err != nil {
		t.Fatalf("frame.New() error = %v", err)
	}
	return f
}

func newService(neg Negotiator, opts ...Option) (*Service, *session.Registry) {
	reg := session.NewRegistry(discard)
	catalog := pipeline.NewCatalog(pipeline.Models{})
	return NewService(catalog, reg, neg, discard, opts...), reg
}

func waitLen(t *testing.T, reg *session.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("registry Len() = %d, want %d", reg.Len(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOfferRejectsUnknownMode(t *testing.T) {
	neg := &fakeNegotiator{}
	svc, reg := newService(neg)

	for _, mode := range []string{"bogus", "mask-detection", ""} {
		_, err := svc.Offer(context.Background(), OfferRequest{SDP: "v=0", Type: "offer", VideoTransform: mode})
		if !pipeline.IsConfigError(err) {
			t.Errorf("Offer(%q) error = %v, want a config error", mode, err)
		}
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}
	if neg.Calls() != 0 {
		t.Errorf("negotiator called %d times, want 0", neg.Calls())
	}
}

func TestOfferRejectsMalformedRequest(t *testing.T) {
	svc, reg := newService(&fakeNegotiator{})

	tests := []struct {
		name string
		req  OfferRequest
	}{
		{"empty sdp", OfferRequest{Type: "offer", VideoTransform: "none"}},
		{"answer", OfferRequest{SDP: "v=0", Type: "answer", VideoTransform: "none"}},
		{"http source", OfferRequest{SDP: "v=0", Type: "offer", VideoTransform: "none", SourceURL: "http://camera/stream"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Offer(context.Background(), tt.req); !errors.Is(err, ErrBadOffer) {
				t.Errorf("Offer() error = %v, want %v", err, ErrBadOffer)
			}
		})
	}
	if reg.Len() != 0 {
		t.Errorf("registry Len() = %d, want 0", reg.Len())
	}
}

func TestOfferCreatesSession(t *testing.T) {
	svc, reg := newService(&fakeNegotiator{})
	defer svc.Shutdown(context.Background())

	resp, err := svc.Offer(context.Background(), OfferRequest{SDP: "v=0", Type: "offer", VideoTransform: "None"})
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if resp.Type != "answer" || resp.SDP == "" || resp.SessionID == "" {
		t.Errorf("Offer() = %+v", resp)
	}

	sess, ok := reg.Get(resp.SessionID)
	if !ok {
		t.Fatalf("session %s not registered", resp.SessionID)
	}
	if sess.Mode() != pipeline.ModeNone {
		t.Errorf("session mode = %s, want %s", sess.Mode(), pipeline.ModeNone)
	}
	if sess.State() != session.StateNegotiating {
		t.Errorf("session state = %s, want %s", sess.State(), session.StateNegotiating)
	}
}

func TestOfferNegotiationFailure(t *testing.T) {
	neg := &fakeNegotiator{err: errors.New("ice failed")}
	svc, reg := newService(neg)

	if _, err := svc.Offer(context.Background(), OfferRequest{SDP: "v=0", Type: "offer", VideoTransform: "none"}); err == nil {
		t.Fatalf("Offer() error = nil")
	}
	waitLen(t, reg, 0)
}

func TestCloseSession(t *testing.T) {
	svc, reg := newService(&fakeNegotiator{})

	resp, err := svc.Offer(context.Background(), OfferRequest{SDP: "v=0", Type: "offer", VideoTransform: "none"})
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	if err := svc.CloseSession(context.Background(), resp.SessionID); err != nil {
		t.Fatalf("CloseSession() error = %v", err)
	}
	waitLen(t, reg, 0)

	if err := svc.CloseSession(context.Background(), resp.SessionID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second CloseSession() error = %v, want %v", err, ErrNotFound)
	}
}

func TestSnapshot(t *testing.T) {
	src := &frameSource{}
	neg := &fakeNegotiator{attach: func(s *session.Session, p *pipeline.Pipeline) {
		s.AddTrack(track.New("video0", src, p, nopSink{}))
	}}
	store := &memoryStore{}
	svc, _ := newService(neg, WithSnapshotStore(store))
	defer svc.Shutdown(context.Background())

	resp, err := svc.Offer(context.Background(), OfferRequest{SDP: "v=0", Type: "offer", VideoTransform: "none"})
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}

	if _, err := svc.Snapshot(resp.SessionID); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Snapshot() before any frame error = %v, want %v", err, ErrNoFrame)
	}

	src.mu.Lock()
	src.frames = append(src.frames, testFrame(t, 3000))
	src.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	var data []byte
	for {
		data, _, err = svc.SnapshotJPEG(resp.SessionID)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("SnapshotJPEG() error = %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("jpeg.Decode() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 16 || b.Dy() != 12 {
		t.Errorf("snapshot bounds = %v, want 16x12", b)
	}

	stored, err := svc.StoreSnapshot(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("StoreSnapshot() error = %v", err)
	}
	if want := resp.SessionID + "/3000.jpg"; stored.Key != want {
		t.Errorf("stored key = %q, want %q", stored.Key, want)
	}
	if _, ok := store.objs[stored.Key]; !ok {
		t.Errorf("object %q not in store", stored.Key)
	}
}

func TestStoreSnapshotWithoutStore(t *testing.T) {
	svc, _ := newService(&fakeNegotiator{})
	if _, err := svc.StoreSnapshot(context.Background(), "missing"); !errors.Is(err, ErrNoStore) {
		t.Errorf("StoreSnapshot() error = %v, want %v", err, ErrNoStore)
	}
}
