package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var ErrDuplicate = errors.New("session: duplicate id")

// Registry is the set of live sessions keyed by id. A session leaves the
// registry by itself once it is torn down.
type Registry struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, s.ID())
	}
	r.sessions[s.ID()] = s
	r.mu.Unlock()

	go func() {
		<-s.Done()
		r.Discard(s)
	}()
	return nil
}

// Discard removes s if it is the session registered under its id.
func (r *Registry) Discard(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.ID()]; !ok || cur != s {
		return false
	}
	delete(r.sessions, s.ID())
	return true
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns the current members, oldest first.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// CloseAll closes every session registered at the time of the call,
// concurrently, and removes the ones whose teardown finished. Sessions added
// while CloseAll runs are not touched. It returns early with ctx's error if
// teardown takes too long; the remaining sessions keep tearing down in the
// background and leave the registry once they are done.
func (r *Registry) CloseAll(ctx context.Context) error {
	members := r.Snapshot()
	r.logger.Info("closing sessions", "count", len(members))

	errs := make([]error, len(members))
	var wg sync.WaitGroup
	for i, s := range members {
		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				errs[i] = fmt.Errorf("session %s: %w", s.ID(), err)
			}
		}(i, s)
	}
	wg.Wait()

	// A session that missed the deadline stays registered until its own
	// teardown finishes and the watcher started by Add discards it.
	for i, s := range members {
		if errs[i] == nil {
			r.Discard(s)
		}
	}
	return errors.Join(errs...)
}
