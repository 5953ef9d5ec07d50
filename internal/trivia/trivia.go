// Package trivia derives quiz questions from a playlist.
package trivia

import (
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/tunetrivia/internal/domain"
)

const (
	// MaxQuestions is the number of questions in a full game.
	MaxQuestions = 10
	// maxDistractors is the number of wrong options offered next to the right one.
	maxDistractors = 3
)

// Synthesize samples up to MaxQuestions playable tracks from the playlist and builds one multiple choice
// question for each. Tracks without a preview are never used. A nil rnd uses a time seeded source.
func Synthesize(pl *domain.Playlist, rnd *rand.Rand) []domain.TriviaQuestion {
	if pl == nil {
		return nil
	}

	if rnd == nil {
		seed := uint64(time.Now().UnixNano())
		rnd = rand.New(rand.NewPCG(seed, seed>>32))
	}

	songs := playable(pl.Tracks)
	rnd.Shuffle(len(songs), func(i, j int) { songs[i], songs[j] = songs[j], songs[i] })
	if len(songs) > MaxQuestions {
		songs = songs[:MaxQuestions]
	}

	questions := make([]domain.TriviaQuestion, 0, len(songs))
	for i, song := range songs {
		kind := domain.GuessKindSong
		if rnd.IntN(2) == 1 {
			kind = domain.GuessKindArtist
		}

		answer, answerID := valueOf(song, kind), song.ID
		if kind == domain.GuessKindArtist {
			answerID = song.PrimaryArtist.ID
		}

		options := []domain.Option{{ID: answerID, Label: answer}}
		for _, d := range distractors(songs, i, kind, rnd) {
			options = append(options, domain.Option{ID: uuid.NewString(), Label: d})
		}
		rnd.Shuffle(len(options), func(i, j int) { options[i], options[j] = options[j], options[i] })

		questions = append(questions, domain.TriviaQuestion{
			ID:              uuid.NewString(),
			Ordinal:         i + 1,
			SongTitle:       song.Name,
			ArtistName:      song.PrimaryArtist.Name,
			PreviewURL:      song.PreviewURL,
			GuessKind:       kind,
			CorrectOptionID: answerID,
			Options:         options,
		})
	}

	return questions
}

func playable(tracks []domain.Track) []domain.Track {
	out := make([]domain.Track, 0, len(tracks))
	for _, t := range tracks {
		if t.PreviewURL != "" {
			out = append(out, t)
		}
	}
	return out
}

func valueOf(t domain.Track, kind domain.GuessKind) string {
	if kind == domain.GuessKindArtist {
		return t.PrimaryArtist.Name
	}
	return t.Name
}

// distractors picks up to maxDistractors distinct wrong answers from the other sampled songs.
func distractors(songs []domain.Track, target int, kind domain.GuessKind, rnd *rand.Rand) []string {
	answer := valueOf(songs[target], kind)

	seen := map[string]bool{answer: true}
	pool := make([]string, 0, len(songs))
	for i, s := range songs {
		v := valueOf(s, kind)
		if i == target || seen[v] {
			continue
		}
		seen[v] = true
		pool = append(pool, v)
	}

	rnd.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > maxDistractors {
		pool = pool[:maxDistractors]
	}
	return pool
}
