package lobby

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/telemetry"
)

const minReapInterval = time.Second

// Registry owns the live lobby sessions of the process. Any identifier, the empty one included,
// names a valid lobby which is created on first join.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(c Config) *Registry {
	return &Registry{
		cfg:      c.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Join resolves the lobby, creating it if needed, and adds the participant to it. Both steps happen
// under the registry lock so an empty lobby cannot be evicted in between. See Session.Join for attach.
func (r *Registry) Join(lobbyID, participantID, name string, attach ...func()) (*Session, domain.Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[lobbyID]
	if !ok {
		s = newSession(lobbyID, r.cfg)
		r.sessions[lobbyID] = s
		telemetry.LobbiesActive.Set(float64(len(r.sessions)))

		slog.Info("lobby: lobby created", "lobby", lobbyID)
	}

	return s, s.Join(participantID, name, attach...)
}

func (r *Registry) Get(lobbyID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[lobbyID]
	return s, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// Evict drops every lobby that has been empty since before cutoff and returns how many were dropped.
func (r *Registry) Evict(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, s := range r.sessions {
		since, idle := s.idleSince()
		if !idle || since.After(cutoff) {
			continue
		}

		s.close()
		delete(r.sessions, id)
		n++
	}

	if n > 0 {
		telemetry.LobbiesActive.Set(float64(len(r.sessions)))
		slog.Info("lobby: evicted idle lobbies", "count", n)
	}

	return n
}

// Run evicts idle lobbies until ctx is done. It returns immediately when eviction is disabled.
func (r *Registry) Run(ctx context.Context) error {
	idle := r.cfg.IdleTimeout
	if idle <= 0 {
		return nil
	}

	ticker := r.cfg.Clock.NewTicker(max(idle/2, minReapInterval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.Chan():
			r.Evict(now.Add(-idle))
		}
	}
}

// Close stops the timers of every lobby.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		s.close()
		delete(r.sessions, id)
	}
	telemetry.LobbiesActive.Set(0)
}
