// Package lobby holds the per-lobby game session engine and the registry of live lobbies.
package lobby

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/errors"
	"github.com/victornm/tunetrivia/internal/ledger"
	"github.com/victornm/tunetrivia/internal/phase"
	"github.com/victornm/tunetrivia/internal/telemetry"
	"github.com/victornm/tunetrivia/internal/trivia"
)

// Session is the state of a single lobby. Joins, leaves, commands and timer firings are serialized
// by its mutex; events are handed to the Broadcaster while it is held so their order is kept.
type Session struct {
	id  string
	cfg Config

	mu       sync.Mutex
	roster   []domain.Participant
	playlist *domain.Playlist
	trivia   []domain.TriviaQuestion
	game     []domain.TriviaQuestion
	ledger   *ledger.Ledger
	ordinal  int
	phase    domain.Phase
	sched    *phase.Scheduler

	playlistSeq uint64
	emptySince  time.Time
}

func newSession(id string, c Config) *Session {
	return &Session{
		id:         id,
		cfg:        c,
		ledger:     ledger.New(),
		ordinal:    1,
		phase:      domain.PhaseLobby,
		sched:      phase.NewScheduler(c.Clock),
		emptySince: c.Clock.Now(),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Roster returns the participants in join order.
func (s *Session) Roster() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.roster)
}

func (s *Session) Phase() domain.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.phase
}

// Join adds a participant and sends it the current state of the lobby. The first participant of an
// empty lobby becomes the host.
//
// attach runs under the lobby lock before anything is sent, so a connection registered there gets
// its snapshot before any other event of the lobby.
func (s *Session) Join(participantID, name string, attach ...func()) domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fn := range attach {
		fn()
	}

	p := domain.Participant{
		ID:          participantID,
		DisplayName: name,
		IsHost:      len(s.roster) == 0,
	}
	s.roster = append(s.roster, p)
	s.emptySince = time.Time{}

	s.send(participantID, Event{Name: EventPlayerList, Data: slices.Clone(s.roster)})
	s.broadcast(Event{Name: EventNewPlayer, Data: p}, participantID)

	if s.playlist != nil {
		s.send(participantID, Event{Name: EventPlaylist, Data: s.playlistPayloadLocked()})
	}
	if s.ledger.Len() > 0 {
		s.send(participantID, Event{Name: EventGuesses, Data: GuessesPayload(s.ledger.Snapshot())})
	}
	s.send(participantID, Event{Name: EventPhase, Data: s.phasePayloadLocked()})

	slog.Info("lobby: participant joined", "lobby", s.id, "participant", participantID, "host", p.IsHost)

	return p
}

// Leave removes a participant. The earliest remaining participant inherits the host role; an empty
// lobby drops its game.
func (s *Session) Leave(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.roster, func(p domain.Participant) bool { return p.ID == participantID })
	if i < 0 {
		return
	}

	wasHost := s.roster[i].IsHost
	s.roster = slices.Delete(s.roster, i, i+1)
	s.ledger.Forget(participantID)

	if len(s.roster) == 0 {
		s.sched.Cancel()
		s.ordinal = 1
		s.ledger.Clear()
		s.game = nil
		s.setPhaseLocked(domain.PhaseLobby)
		s.emptySince = s.cfg.Clock.Now()

		slog.Info("lobby: lobby is empty", "lobby", s.id)
		return
	}

	if wasHost {
		s.roster[0].IsHost = true
	}

	s.broadcast(Event{Name: EventPlayerList, Data: slices.Clone(s.roster)})
}

// Guess records a guess in any phase and relays it to everybody but the submitter.
func (s *Session) Guess(participantID, questionID, optionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger.Record(participantID, questionID, optionID)
	telemetry.GuessesRecorded.Inc()

	s.broadcast(Event{Name: EventGuess, Data: GuessPayload{
		QuestionID:    questionID,
		OptionID:      optionID,
		ParticipantID: participantID,
	}}, participantID)
}

// StartGame (re)starts the game on the current trivia set. A game already running is abandoned.
func (s *Session) StartGame(participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorize(participantID); err != nil {
		s.reportLocked(participantID, CommandStartGame, err)
		return err
	}

	if len(s.trivia) == 0 {
		err := errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no playlist selected"))
		s.reportLocked(participantID, CommandStartGame, err)
		return err
	}

	s.sched.Cancel()
	s.ledger.Clear()
	s.ordinal = 1
	s.game = slices.Clone(s.trivia)

	s.setPhaseLocked(domain.PhaseStarting)
	s.broadcast(Event{Name: EventStartGame})
	s.scheduleLocked(s.cfg.Durations.Starting, s.enterIntroLocked)

	slog.Info("lobby: game started", "lobby", s.id, "questions", len(s.game))

	return nil
}

// SetPlaylist replaces the playlist and trivia of the lobby. The catalog is queried without holding
// the lobby lock; if another SetPlaylist was issued meanwhile the older result is discarded.
// Failures are reported to the requester and leave the current playlist untouched.
func (s *Session) SetPlaylist(ctx context.Context, participantID, playlistID string) error {
	s.mu.Lock()
	if err := s.authorize(participantID); err != nil {
		s.reportLocked(participantID, CommandSetPlaylist, err)
		s.mu.Unlock()
		return err
	}
	if playlistID == "" {
		err := errors.New(errors.CodeInvalidArgument, errors.WithMessagef("playlist id is required"))
		s.reportLocked(participantID, CommandSetPlaylist, err)
		s.mu.Unlock()
		return err
	}
	s.playlistSeq++
	seq := s.playlistSeq
	s.mu.Unlock()

	pl, questions, err := s.fetch(ctx, playlistID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		slog.WarnContext(ctx, "lobby: set playlist failed",
			"lobby", s.id,
			"playlist", playlistID,
			"error", err,
		)
		s.reportLocked(participantID, CommandSetPlaylist, err)
		return err
	}

	if seq != s.playlistSeq {
		slog.DebugContext(ctx, "lobby: playlist superseded", "lobby", s.id, "playlist", playlistID)
		return nil
	}

	s.playlist, s.trivia = pl, questions
	s.broadcast(Event{Name: EventPlaylist, Data: s.playlistPayloadLocked()})

	return nil
}

func (s *Session) fetch(ctx context.Context, playlistID string) (*domain.Playlist, []domain.TriviaQuestion, error) {
	if s.cfg.Playlists == nil {
		return nil, nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("playlist catalog is not configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	pl, err := s.cfg.Playlists.Fetch(ctx, playlistID)
	if err != nil {
		return nil, nil, err
	}

	var rnd *rand.Rand
	if s.cfg.NewRand != nil {
		rnd = s.cfg.NewRand()
	}

	return pl, trivia.Synthesize(pl, rnd), nil
}

// authorize is the single guard for host-only commands.
func (s *Session) authorize(participantID string) error {
	if !s.cfg.HostOnly {
		return nil
	}

	for _, p := range s.roster {
		if p.ID == participantID && p.IsHost {
			return nil
		}
	}

	return errors.New(errors.CodePermissionDenied, errors.WithMessagef("only the host can do this"))
}

func (s *Session) scheduleLocked(d time.Duration, next func()) {
	s.sched.Schedule(d, func(t phase.Ticket) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if !s.sched.Valid(t) {
			return
		}
		next()
	})
}

func (s *Session) enterIntroLocked() {
	s.setPhaseLocked(domain.PhaseQuestionIntro)
	s.broadcast(Event{Name: EventQuestionIntro, Data: s.ordinal})
	s.scheduleLocked(s.cfg.Durations.Intro, s.enterOpenLocked)
}

func (s *Session) enterOpenLocked() {
	s.setPhaseLocked(domain.PhaseQuestionOpen)
	s.broadcast(Event{Name: EventQuestion, Data: s.currentLocked().Client()})
	s.scheduleLocked(s.cfg.Durations.Open, s.enterResultLocked)
}

func (s *Session) enterResultLocked() {
	s.setPhaseLocked(domain.PhaseQuestionResult)
	s.broadcast(Event{Name: EventQuestionResult, Data: s.resultLocked()})
	s.scheduleLocked(s.cfg.Durations.Result, s.afterResultLocked)
}

func (s *Session) afterResultLocked() {
	if s.ordinal < len(s.game) {
		s.ordinal++
		s.enterIntroLocked()
		return
	}

	s.finishLocked()
}

func (s *Session) finishLocked() {
	s.setPhaseLocked(domain.PhaseGameOver)
	s.broadcast(Event{Name: EventGameOver})
	s.sched.Cancel()

	slog.Info("lobby: game over", "lobby", s.id)

	if s.cfg.EventBus == nil {
		return
	}

	s.cfg.EventBus.Publish(context.Background(), domain.EventGameFinished{
		LobbyID: s.id,
		Trivia:  slices.Clone(s.game),
		Guesses: s.ledger.All(),
		Roster:  slices.Clone(s.roster),
	})
}

func (s *Session) setPhaseLocked(p domain.Phase) {
	s.phase = p
	telemetry.PhaseTransitions.WithLabelValues(string(p)).Inc()
}

func (s *Session) currentLocked() domain.TriviaQuestion {
	return s.game[s.ordinal-1]
}

func (s *Session) resultLocked() QuestionResultPayload {
	q := s.currentLocked()
	return QuestionResultPayload{
		Question: q,
		Guesses:  s.ledger.AggregateFor(q.ID),
	}
}

func (s *Session) playlistPayloadLocked() PlaylistPayload {
	return PlaylistPayload{
		Playlist: s.playlist,
		Trivia:   domain.ClientTrivia(s.trivia),
	}
}

func (s *Session) phasePayloadLocked() PhasePayload {
	pp := PhasePayload{
		Phase:   s.phase,
		Ordinal: s.ordinal,
		Total:   len(s.game),
	}

	switch s.phase {
	case domain.PhaseQuestionOpen:
		q := s.currentLocked().Client()
		pp.Question = &q
	case domain.PhaseQuestionResult:
		r := s.resultLocked()
		pp.Result = &r
	}

	return pp
}

func (s *Session) reportLocked(participantID, command string, err error) {
	e := errors.Convert(err)
	s.send(participantID, Event{Name: EventError, Data: ErrorPayload{
		Command: command,
		Code:    e.Code.String(),
		Message: e.Message,
	}})
}

// idleSince reports when the lobby became empty, or false if it has participants.
func (s *Session) idleSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.roster) > 0 {
		return time.Time{}, false
	}
	return s.emptySince, true
}

func (s *Session) close() {
	s.sched.Cancel()
}

func (s *Session) broadcast(e Event, except ...string) {
	s.cfg.Broadcaster.Broadcast(s.id, e, except...)
}

func (s *Session) send(participantID string, e Event) {
	s.cfg.Broadcaster.Send(s.id, participantID, e)
}
