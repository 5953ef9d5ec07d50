package lobby_test

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/errors"
	"github.com/victornm/tunetrivia/internal/event"
	"github.com/victornm/tunetrivia/internal/lobby"
)

func TestSession_GameSequence(t *testing.T) {
	eb := event.NewBus()

	var (
		mu       sync.Mutex
		finished []domain.EventGameFinished
	)
	eb.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		finished = append(finished, e.(domain.EventGameFinished))
		mu.Unlock()
		return nil
	})

	rec := newRecorder()
	r := lobby.NewRegistry(lobby.Config{
		Broadcaster: rec,
		Playlists:   staticSource(makePlaylist("p1", 3)),
		EventBus:    eb,
		Durations:   &lobby.Durations{},
	})
	t.Cleanup(r.Close)

	s, host := r.Join("l1", "c1", "alice")
	require.NoError(t, s.SetPlaylist(context.Background(), host.ID, "p1"))

	rec.reset()
	require.NoError(t, s.StartGame(host.ID))

	require.Eventually(t, func() bool {
		return slices.Contains(rec.broadcastNames(), lobby.EventGameOver)
	}, 2*time.Second, time.Millisecond)

	want := []string{
		lobby.EventStartGame,
		lobby.EventQuestionIntro, lobby.EventQuestion, lobby.EventQuestionResult,
		lobby.EventQuestionIntro, lobby.EventQuestion, lobby.EventQuestionResult,
		lobby.EventQuestionIntro, lobby.EventQuestion, lobby.EventQuestionResult,
		lobby.EventGameOver,
	}
	require.Equal(t, want, rec.broadcastNames())
	require.Equal(t, domain.PhaseGameOver, s.Phase())

	var ordinals []any
	for _, e := range rec.broadcasts() {
		switch e.Name {
		case lobby.EventQuestionIntro:
			ordinals = append(ordinals, e.Data)
		case lobby.EventQuestion:
			b, err := json.Marshal(e.Data)
			require.NoError(t, err)
			assert.NotContains(t, string(b), "rightAnswerId")
		case lobby.EventQuestionResult:
			b, err := json.Marshal(e.Data)
			require.NoError(t, err)
			assert.Contains(t, string(b), "rightAnswerId")
		}
	}
	require.Equal(t, []any{1, 2, 3}, ordinals)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(finished) == 1
	}, time.Second, time.Millisecond)
	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "l1", finished[0].LobbyID)
	require.Len(t, finished[0].Trivia, 3)
}

func TestSession_QuestionResultAggregatesGuesses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	r := lobby.NewRegistry(lobby.Config{
		Broadcaster: rec,
		Playlists:   staticSource(makePlaylist("p1", 1)),
		Clock:       clock,
	})
	t.Cleanup(r.Close)

	s, p1 := r.Join("l1", "c1", "alice")
	_, p2 := r.Join("l1", "c2", "bob")
	require.NoError(t, s.SetPlaylist(context.Background(), p1.ID, "p1"))
	require.NoError(t, s.StartGame(p1.ID))

	advanceTo(t, clock, s, lobby.StartingDuration, domain.PhaseQuestionIntro)
	advanceTo(t, clock, s, lobby.IntroDuration, domain.PhaseQuestionOpen)

	q := rec.last(lobby.EventQuestion).Data.(domain.ClientTriviaQuestion)
	s.Guess(p1.ID, q.ID, q.Options[0].ID)
	s.Guess(p2.ID, q.ID, q.Options[1].ID)
	s.Guess(p1.ID, "other", "c")

	advanceTo(t, clock, s, lobby.OpenDuration, domain.PhaseQuestionResult)

	res := rec.last(lobby.EventQuestionResult).Data.(lobby.QuestionResultPayload)
	require.Equal(t, q.ID, res.Question.ID)
	require.Equal(t, []domain.Guess{
		{ParticipantID: p1.ID, QuestionID: q.ID, OptionID: q.Options[0].ID},
		{ParticipantID: p2.ID, QuestionID: q.ID, OptionID: q.Options[1].ID},
	}, res.Guesses)

	advanceTo(t, clock, s, lobby.ResultDuration, domain.PhaseGameOver)
}

func TestSession_Join(t *testing.T) {
	rec := newRecorder()
	r := lobby.NewRegistry(lobby.Config{
		Broadcaster: rec,
		Playlists:   staticSource(makePlaylist("p1", 4)),
	})
	t.Cleanup(r.Close)

	s, p1 := r.Join("l1", "c1", "alice")
	_, p2 := r.Join("l1", "c2", "bob")
	require.NoError(t, s.SetPlaylist(context.Background(), p1.ID, "p1"))
	s.Guess(p1.ID, "q1", "o1")
	s.Guess(p2.ID, "q1", "o2")
	s.Guess(p1.ID, "q2", "o3")

	played := rec.last(lobby.EventPlaylist).Data.(lobby.PlaylistPayload)

	_, p3 := r.Join("l1", "c3", "carol")
	require.False(t, p3.IsHost)

	got := rec.sentTo("c3")
	require.Equal(t, []string{
		lobby.EventPlayerList,
		lobby.EventPlaylist,
		lobby.EventGuesses,
		lobby.EventPhase,
	}, names(got))

	require.Equal(t, []domain.Participant{p1, p2, p3}, got[0].Data)
	require.Equal(t, played, got[1].Data)

	snapshot := got[2].Data.(lobby.GuessesPayload)
	require.Len(t, snapshot, 2)
	require.Equal(t, p1.ID, snapshot[0].ParticipantID)
	require.Len(t, snapshot[0].Guesses, 2)
	require.Equal(t, p2.ID, snapshot[1].ParticipantID)

	require.Equal(t, lobby.PhasePayload{Phase: domain.PhaseLobby, Ordinal: 1}, got[3].Data)

	newPlayer := rec.last(lobby.EventNewPlayer)
	require.Equal(t, p3, newPlayer.Data)
	require.Equal(t, []string{p3.ID}, newPlayer.except)
}

func TestSession_JoinAttachRunsBeforeSnapshot(t *testing.T) {
	rec := newRecorder()
	r := lobby.NewRegistry(lobby.Config{Broadcaster: rec})
	t.Cleanup(r.Close)

	s, alice := r.Join("l1", "c1", "alice")
	s.Guess(alice.ID, "q1", "o1")
	rec.reset()

	var (
		before int
		done   = make(chan struct{})
	)
	r.Join("l1", "c2", "bob", func() {
		rec.mu.Lock()
		before = len(rec.deliveries)
		rec.mu.Unlock()

		// Blocks on the lobby lock until bob's snapshot is out.
		go func() {
			defer close(done)
			s.Guess(alice.ID, "q2", "o2")
		}()
	})
	<-done

	require.Zero(t, before)
	require.Equal(t, []string{
		lobby.EventPlayerList,
		lobby.EventNewPlayer,
		lobby.EventGuesses,
		lobby.EventPhase,
		lobby.EventGuess,
	}, names(rec.deliveries))
}

func TestSession_Guess(t *testing.T) {
	rec := newRecorder()
	r := lobby.NewRegistry(lobby.Config{Broadcaster: rec})
	t.Cleanup(r.Close)

	s, p1 := r.Join("l1", "c1", "alice")
	s.Guess(p1.ID, "missing-question", "o1")

	g := rec.last(lobby.EventGuess)
	require.Equal(t, lobby.GuessPayload{QuestionID: "missing-question", OptionID: "o1", ParticipantID: p1.ID}, g.Data)
	require.Equal(t, []string{p1.ID}, g.except, "submitter should not receive its own guess")
}

func TestSession_Leave(t *testing.T) {
	rec := newRecorder()
	r := lobby.NewRegistry(lobby.Config{Broadcaster: rec})
	t.Cleanup(r.Close)

	s, host := r.Join("l1", "c1", "alice")
	_, p2 := r.Join("l1", "c2", "bob")
	_, p3 := r.Join("l1", "c3", "carol")

	s.Guess(host.ID, "q1", "o1")
	s.Guess(p2.ID, "q1", "o2")

	s.Leave(host.ID)

	roster := s.Roster()
	require.Len(t, roster, 2)
	require.Equal(t, p2.ID, roster[0].ID)
	require.True(t, roster[0].IsHost, "earliest remaining participant should be promoted")
	require.False(t, roster[1].IsHost)
	require.Equal(t, p3.ID, roster[1].ID)

	require.Equal(t, roster, rec.last(lobby.EventPlayerList).Data)

	_, p4 := r.Join("l1", "c4", "dave")
	var snapshot lobby.GuessesPayload
	for _, e := range rec.sentTo(p4.ID) {
		if e.Name == lobby.EventGuesses {
			snapshot = e.Data.(lobby.GuessesPayload)
		}
	}
	require.Len(t, snapshot, 1, "departed participant's guesses should be forgotten")
	require.Equal(t, p2.ID, snapshot[0].ParticipantID)
}

func TestSession_LeaveLastResetsGame(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	r := lobby.NewRegistry(lobby.Config{
		Broadcaster: rec,
		Playlists:   staticSource(makePlaylist("p1", 2)),
		Clock:       clock,
	})
	t.Cleanup(r.Close)

	s, p1 := r.Join("l1", "c1", "alice")
	require.NoError(t, s.SetPlaylist(context.Background(), p1.ID, "p1"))
	require.NoError(t, s.StartGame(p1.ID))
	s.Guess(p1.ID, "q1", "o1")

	s.Leave(p1.ID)
	require.Equal(t, domain.PhaseLobby, s.Phase())
	require.Empty(t, s.Roster())

	before := len(rec.broadcasts())
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, rec.broadcasts(), before, "no phase should run after the lobby emptied")

	_, p2 := r.Join("l1", "c2", "bob")
	require.True(t, p2.IsHost)
	require.NotContains(t, names(rec.sentTo(p2.ID)), lobby.EventGuesses)
	require.Contains(t, names(rec.sentTo(p2.ID)), lobby.EventPlaylist, "playlist survives an empty lobby")
}

func TestSession_StartGameRestartsChain(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	r := lobby.NewRegistry(lobby.Config{
		Broadcaster: rec,
		Playlists:   staticSource(makePlaylist("p1", 2)),
		Clock:       clock,
	})
	t.Cleanup(r.Close)

	s, p1 := r.Join("l1", "c1", "alice")
	require.NoError(t, s.SetPlaylist(context.Background(), p1.ID, "p1"))
	require.NoError(t, s.StartGame(p1.ID))

	advanceTo(t, clock, s, lobby.StartingDuration, domain.PhaseQuestionIntro)
	s.Guess(p1.ID, "q1", "o1")

	require.NoError(t, s.StartGame(p1.ID))
	require.Equal(t, domain.PhaseStarting, s.Phase())

	clock.Advance(lobby.IntroDuration)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, domain.PhaseStarting, s.Phase(), "the abandoned chain must not advance")
	require.NotContains(t, rec.broadcastNames(), lobby.EventQuestion)

	advanceTo(t, clock, s, lobby.StartingDuration-lobby.IntroDuration, domain.PhaseQuestionIntro)

	count := 0
	for _, n := range rec.broadcastNames() {
		if n == lobby.EventStartGame {
			count++
		}
	}
	require.Equal(t, 2, count)
}

func TestSession_StartGame_Errors(t *testing.T) {
	tests := map[string]struct {
		hostOnly bool
		playlist bool
		asHost   bool
		wantCode errors.Code
	}{
		"should reject starting without trivia": {
			asHost:   true,
			wantCode: errors.CodeFailedPrecondition,
		},

		"should reject non host when host only": {
			hostOnly: true,
			playlist: true,
			wantCode: errors.CodePermissionDenied,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			rec := newRecorder()
			r := lobby.NewRegistry(lobby.Config{
				Broadcaster: rec,
				Playlists:   staticSource(makePlaylist("p1", 2)),
				HostOnly:    tt.hostOnly,
			})
			t.Cleanup(r.Close)

			s, host := r.Join("l1", "c1", "alice")
			_, guest := r.Join("l1", "c2", "bob")
			if tt.playlist {
				require.NoError(t, s.SetPlaylist(context.Background(), host.ID, "p1"))
			}

			caller := guest
			if tt.asHost {
				caller = host
			}

			err := s.StartGame(caller.ID)
			require.Error(t, err)
			require.Equal(t, tt.wantCode, errors.Convert(err).Code)
			require.Equal(t, domain.PhaseLobby, s.Phase())

			e := rec.last(lobby.EventError)
			require.Equal(t, caller.ID, e.to)
			payload := e.Data.(lobby.ErrorPayload)
			require.Equal(t, lobby.CommandStartGame, payload.Command)
			require.Equal(t, tt.wantCode.String(), payload.Code)
		})
	}
}

func TestSession_SetPlaylist_Failures(t *testing.T) {
	tests := map[string]struct {
		source   lobby.PlaylistSource
		id       string
		wantCode errors.Code
	}{
		"should report catalog errors": {
			source: sourceFunc(func(ctx context.Context, id string) (*domain.Playlist, error) {
				return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("playlist %s not found", id))
			}),
			id:       "missing",
			wantCode: errors.CodeNotFound,
		},

		"should report a timeout when the catalog stalls": {
			source: sourceFunc(func(ctx context.Context, id string) (*domain.Playlist, error) {
				<-ctx.Done()
				return nil, fmt.Errorf("fetch playlist: %w", ctx.Err())
			}),
			id:       "slow",
			wantCode: errors.CodeDeadlineExceeded,
		},

		"should reject an empty playlist id": {
			source:   staticSource(makePlaylist("p1", 2)),
			wantCode: errors.CodeInvalidArgument,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			good := makePlaylist("good", 3)
			rec := newRecorder()
			r := lobby.NewRegistry(lobby.Config{
				Broadcaster: rec,
				Playlists: sourceFunc(func(ctx context.Context, id string) (*domain.Playlist, error) {
					if id == good.ID {
						return good, nil
					}
					return tt.source.Fetch(ctx, id)
				}),
				FetchTimeout: 20 * time.Millisecond,
			})
			t.Cleanup(r.Close)

			s, p1 := r.Join("l1", "c1", "alice")
			require.NoError(t, s.SetPlaylist(context.Background(), p1.ID, good.ID))
			before := rec.last(lobby.EventPlaylist).Data

			err := s.SetPlaylist(context.Background(), p1.ID, tt.id)
			require.Error(t, err)
			require.Equal(t, tt.wantCode, errors.Convert(err).Code)

			e := rec.last(lobby.EventError)
			require.Equal(t, p1.ID, e.to)
			require.Equal(t, lobby.CommandSetPlaylist, e.Data.(lobby.ErrorPayload).Command)

			_, p2 := r.Join("l1", "c2", "bob")
			var after any
			for _, e := range rec.sentTo(p2.ID) {
				if e.Name == lobby.EventPlaylist {
					after = e.Data
				}
			}
			require.Equal(t, before, after, "a failed fetch must not change the playlist")
		})
	}
}

func TestSession_SetPlaylist_Superseded(t *testing.T) {
	started, release := make(chan struct{}), make(chan struct{})
	rec := newRecorder()
	r := lobby.NewRegistry(lobby.Config{
		Broadcaster: rec,
		Playlists: sourceFunc(func(ctx context.Context, id string) (*domain.Playlist, error) {
			if id == "slow" {
				close(started)
				<-release
			}
			return makePlaylist(id, 2), nil
		}),
	})
	t.Cleanup(r.Close)

	s, p1 := r.Join("l1", "c1", "alice")

	done := make(chan error, 1)
	go func() { done <- s.SetPlaylist(context.Background(), p1.ID, "slow") }()
	<-started

	s.Guess(p1.ID, "q", "o")
	require.NoError(t, s.SetPlaylist(context.Background(), p1.ID, "fast"))

	close(release)
	require.NoError(t, <-done)

	var ids []string
	for _, e := range rec.broadcasts() {
		if e.Name == lobby.EventPlaylist {
			ids = append(ids, e.Data.(lobby.PlaylistPayload).Playlist.ID)
		}
	}
	require.Equal(t, []string{"fast"}, ids)
}

type delivery struct {
	lobby.Event
	to     string
	except []string
}

type recorder struct {
	mu         sync.Mutex
	deliveries []delivery
}

func newRecorder() *recorder {
	return &recorder{}
}

func (r *recorder) Broadcast(_ string, e lobby.Event, except ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deliveries = append(r.deliveries, delivery{Event: e, except: except})
}

func (r *recorder) Send(_, participantID string, e lobby.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deliveries = append(r.deliveries, delivery{Event: e, to: participantID})
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.deliveries = nil
}

func (r *recorder) broadcasts() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []delivery
	for _, d := range r.deliveries {
		if d.to == "" {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) broadcastNames() []string {
	return names(r.broadcasts())
}

func (r *recorder) sentTo(participantID string) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []delivery
	for _, d := range r.deliveries {
		if d.to == participantID {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) last(name string) delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.deliveries) - 1; i >= 0; i-- {
		if r.deliveries[i].Name == name {
			return r.deliveries[i]
		}
	}
	panic("no " + name + " event recorded")
}

func names(ds []delivery) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Name)
	}
	return out
}

type sourceFunc func(ctx context.Context, id string) (*domain.Playlist, error)

func (f sourceFunc) Fetch(ctx context.Context, id string) (*domain.Playlist, error) {
	return f(ctx, id)
}

func staticSource(pl *domain.Playlist) lobby.PlaylistSource {
	return sourceFunc(func(context.Context, string) (*domain.Playlist, error) {
		return pl, nil
	})
}

func makePlaylist(id string, tracks int) *domain.Playlist {
	pl := &domain.Playlist{ID: id, Name: "Playlist " + id}
	for i := range tracks {
		pl.Tracks = append(pl.Tracks, domain.Track{
			ID:            fmt.Sprintf("%s-track-%d", id, i),
			Name:          fmt.Sprintf("Song %d", i),
			PrimaryArtist: domain.Artist{ID: fmt.Sprintf("artist-%d", i), Name: fmt.Sprintf("Artist %d", i)},
			PreviewURL:    fmt.Sprintf("https://previews/%s/%d.mp3", id, i),
		})
	}
	return pl
}

// advanceTo waits for the pending phase timer, moves the clock by d and waits for the session to
// reach want.
func advanceTo(t *testing.T, clock *clockwork.FakeClock, s *lobby.Session, d time.Duration, want domain.Phase) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(d)
	require.Eventually(t, func() bool { return s.Phase() == want }, time.Second, time.Millisecond)
}
