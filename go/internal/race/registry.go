package race

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/runnermp/runner-mp/go/internal/protocol"
)

// Registry owns every live session, keyed by track id.
type Registry struct {
	cfg      Config
	clock    clockwork.Clock
	verifier FinishVerifier
	sink     EventSink

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry. A nil sink discards events.
func NewRegistry(cfg Config, clock clockwork.Clock, verifier FinishVerifier, sink EventSink) *Registry {
	if sink == nil {
		sink = nopSink{}
	}
	return &Registry{
		cfg:      cfg,
		clock:    clock,
		verifier: verifier,
		sink:     sink,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the live session for trackID, creating it on first
// reference. A reaped session is replaced by a fresh one.
func (r *Registry) GetOrCreate(trackID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[trackID]
	r.mu.RUnlock()
	if ok && !s.isClosed() {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[trackID]; ok && !s.isClosed() {
		return s
	}
	s = newSession(trackID, r.cfg, r.clock, r.verifier, r.sink)
	r.sessions[trackID] = s

	log.Info().
		Str("track_id", trackID).
		Int("sessions", len(r.sessions)).
		Msg("session created")
	return s
}

// Lookup returns the live session for trackID without creating one.
func (r *Registry) Lookup(trackID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[trackID]
	if !ok || s.isClosed() {
		return nil, false
	}
	return s, true
}

// Do runs fn against the session for trackID. If the session was reaped
// between lookup and use, fn is retried once on its replacement.
func (r *Registry) Do(trackID string, fn func(*Session) error) error {
	err := fn(r.GetOrCreate(trackID))
	if errors.Is(err, ErrSessionClosed) {
		return fn(r.GetOrCreate(trackID))
	}
	return err
}

// Presence samples every session independently. Tracks without players are
// absent from the result.
func (r *Registry) Presence() map[string]protocol.PresenceCount {
	out := make(map[string]protocol.PresenceCount)
	for _, s := range r.snapshot() {
		if count, ok := s.Presence(); ok {
			out[s.TrackID()] = count
		}
	}
	return out
}

// SweepAll runs the TTL sweep on every session.
func (r *Registry) SweepAll() {
	for _, s := range r.snapshot() {
		_ = s.Sweep()
	}
}

// Reap removes sessions that have been empty for longer than the idle
// grace period. It returns the number of sessions removed.
func (r *Registry) Reap() int {
	now := r.clock.Now()
	reaped := 0
	for _, s := range r.snapshot() {
		if !s.closeIfIdle(now, r.cfg.SessionIdle) {
			continue
		}
		r.mu.Lock()
		removed := r.sessions[s.TrackID()] == s
		if removed {
			delete(r.sessions, s.TrackID())
			reaped++
		}
		r.mu.Unlock()

		if removed {
			log.Info().Str("track_id", s.TrackID()).Msg("idle session reaped")
		}
	}
	return reaped
}

// Run is the janitor loop: it sweeps and reaps every interval until ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	ticker := r.clock.NewTicker(every)
	defer ticker.Stop()

	log.Info().Dur("interval", every).Msg("session janitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session janitor stopped")
			return
		case <-ticker.Chan():
			r.SweepAll()
			if n := r.Reap(); n > 0 {
				log.Debug().Int("reaped", n).Int("sessions", r.Len()).Msg("janitor pass")
			}
		}
	}
}

// Len is the number of sessions currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// TrackIDs lists the tracks with a live session, sorted.
func (r *Registry) TrackIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close stops every session's broadcaster.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	log.Info().Int("sessions", len(sessions)).Msg("session registry closed")
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
