// Package session owns the lifecycle of one peer: its state machine, the
// tracks it runs and the transport they read from and write to.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"video-transformer/internal/pipeline"
	"video-transformer/internal/track"
)

var ErrClosed = errors.New("session: closed")

// StateFunc observes a transition. It is called without the session lock
// held, in transition order.
type StateFunc func(s *Session, from, to State)

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func OnStateChange(fn StateFunc) Option {
	return func(s *Session) {
		s.listeners = append(s.listeners, fn)
	}
}

type Session struct {
	id        string
	mode      pipeline.Mode
	createdAt time.Time
	logger    *slog.Logger
	listeners []StateFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	// notify serialises listener calls so they observe transitions in order.
	notify sync.Mutex

	mu        sync.Mutex
	state     State
	tracks    []*track.Track
	live      int
	transport io.Closer
}

func New(id string, mode pipeline.Mode, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		mode:      mode,
		createdAt: time.Now(),
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateNew,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", id)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Mode() pipeline.Mode { return s.mode }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Done is closed once the session is terminal and fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Tracks() []*track.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*track.Track(nil), s.tracks...)
}

// Info is a point in time summary of a session.
type Info struct {
	ID        string        `json:"id"`
	State     State         `json:"state"`
	Mode      pipeline.Mode `json:"mode"`
	CreatedAt time.Time     `json:"created_at"`
	Tracks    int           `json:"tracks"`
	Frames    uint64        `json:"frames"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:        s.id,
		State:     s.state,
		Mode:      s.mode,
		CreatedAt: s.createdAt,
		Tracks:    len(s.tracks),
	}
	for _, t := range s.tracks {
		info.Frames += t.Frames()
	}
	return info
}

// SetTransport hands the session the transport it must close on teardown.
// If the session is already terminal the transport is closed right away.
func (s *Session) SetTransport(c io.Closer) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.transport = c
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := c.Close(); err != nil {
		s.logger.Warn("close transport of terminal session", "err", err)
	}
}

// Fire applies ev to the session. Reaching a terminal state starts teardown
// in the background; wait on Done to observe its completion.
func (s *Session) Fire(ev Event) (State, bool) {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	from := s.state
	to, changed := Next(from, ev)
	s.state = to
	s.mu.Unlock()

	if !changed {
		return to, false
	}

	s.logger.Info("session state changed", "from", from, "to", to, "event", ev)
	for _, fn := range s.listeners {
		fn(s, from, to)
	}
	if to.Terminal() {
		go s.teardown()
	}
	return to, true
}

// AddTrack starts t on its own goroutine. The track is stopped when the
// session becomes terminal. When the last running track stops with an error
// the session fails.
func (s *Session) AddTrack(t *track.Track) error {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		t.Close()
		return ErrClosed
	}
	s.tracks = append(s.tracks, t)
	s.live++
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := t.Run(s.ctx)

		s.mu.Lock()
		s.live--
		last := s.live == 0
		s.mu.Unlock()

		if err == nil {
			return
		}
		s.logger.Error("track stopped", "track_id", t.ID(), "err", err)
		if last && s.ctx.Err() == nil {
			s.Fire(EventFailed)
		}
	}()
	return nil
}

// Close moves the session to Closed and waits for teardown. Calling it on a
// terminal session only waits.
func (s *Session) Close() error {
	return s.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx.
func (s *Session) Shutdown(ctx context.Context) error {
	s.Fire(EventClose)

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown runs once, after the first terminal transition.
func (s *Session) teardown() {
	s.cancel()

	s.mu.Lock()
	tracks := append([]*track.Track(nil), s.tracks...)
	transport := s.transport
	s.mu.Unlock()

	for _, t := range tracks {
		t.Close()
	}
	s.wg.Wait()

	if transport != nil {
		if err := transport.Close(); err != nil {
			s.logger.Warn("close transport", "err", err)
		}
	}

	s.logger.Debug("session torn down", "tracks", len(tracks))
	close(s.done)
}
