package lobby

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/event"
)

// Phase durations of a game.
const (
	StartingDuration = 5 * time.Second
	IntroDuration    = 3 * time.Second
	OpenDuration     = 10 * time.Second
	ResultDuration   = 5 * time.Second
)

const defaultFetchTimeout = 10 * time.Second

type Durations struct {
	Starting time.Duration
	Intro    time.Duration
	Open     time.Duration
	Result   time.Duration
}

func DefaultDurations() Durations {
	return Durations{
		Starting: StartingDuration,
		Intro:    IntroDuration,
		Open:     OpenDuration,
		Result:   ResultDuration,
	}
}

// Broadcaster delivers lobby events to connected participants.
type Broadcaster interface {
	// Broadcast sends e to every connection of the lobby except the given participants.
	Broadcast(lobbyID string, e Event, except ...string)
	// Send sends e to a single participant of the lobby.
	Send(lobbyID, participantID string, e Event)
}

// PlaylistSource fetches a playlist from the music catalog.
type PlaylistSource interface {
	Fetch(ctx context.Context, playlistID string) (*domain.Playlist, error)
}

type Publisher interface {
	Publish(ctx context.Context, e event.Event)
}

type Config struct {
	Broadcaster Broadcaster
	Playlists   PlaylistSource
	EventBus    Publisher
	Clock       clockwork.Clock

	// Durations of each phase, zero value means DefaultDurations.
	Durations *Durations
	// FetchTimeout bounds a single setPlaylist catalog fetch.
	FetchTimeout time.Duration
	// IdleTimeout is how long an empty lobby stays resident, zero disables eviction.
	IdleTimeout time.Duration
	// HostOnly rejects setPlaylist and startGame from participants other than the host.
	HostOnly bool
	// NewRand returns the random source used to build each trivia set, nil means time seeded.
	NewRand func() *rand.Rand
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Durations == nil {
		d := DefaultDurations()
		c.Durations = &d
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	return c
}
