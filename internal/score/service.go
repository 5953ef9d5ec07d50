package score

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/event"
)

// PointsPerAnswer is awarded for each correct answer.
var PointsPerAnswer = decimal.NewFromInt(1)

type Config struct {
	EventBus *event.Bus
}

type Service struct {
	eb *event.Bus
}

func NewService(c Config) *Service {
	s := &Service{
		eb: c.EventBus,
	}

	s.eb.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
		return s.ScoreGame(ctx, e.(domain.EventGameFinished))
	})

	return s
}

// ScoreGame computes the final scores of a finished game and publishes them.
func (s *Service) ScoreGame(ctx context.Context, e domain.EventGameFinished) error {
	scores := Tally(e)
	if len(scores) == 0 {
		return nil
	}

	s.eb.Publish(ctx, domain.EventScoreUpdated{
		LobbyID: e.LobbyID,
		Scores:  scores,
	})

	return nil
}

// Tally scores every participant still in the roster, highest score first. The ledger keeps every
// submission, but only the first guess of a participant on a question counts.
func Tally(e domain.EventGameFinished) []domain.Score {
	answers := make(map[string]string, len(e.Trivia))
	for _, q := range e.Trivia {
		answers[q.ID] = q.CorrectOptionID
	}

	scores := make([]domain.Score, len(e.Roster))
	index := make(map[string]int, len(e.Roster))
	for i, p := range e.Roster {
		index[p.ID] = i
		scores[i] = domain.Score{
			LobbyID:       e.LobbyID,
			ParticipantID: p.ID,
			DisplayName:   p.DisplayName,
			TotalScore:    decimal.Zero,
		}
	}

	type key struct{ participant, question string }
	seen := make(map[key]bool)

	for _, g := range e.Guesses {
		i, ok := index[g.ParticipantID]
		if !ok {
			continue
		}
		correct, ok := answers[g.QuestionID]
		if !ok {
			continue
		}

		k := key{g.ParticipantID, g.QuestionID}
		if seen[k] {
			continue
		}
		seen[k] = true

		if g.OptionID == correct {
			scores[i].Correct++
			scores[i].TotalScore = scores[i].TotalScore.Add(PointsPerAnswer)
		}
	}

	slices.SortStableFunc(scores, func(a, b domain.Score) int {
		return b.TotalScore.Cmp(a.TotalScore)
	})

	return scores
}
