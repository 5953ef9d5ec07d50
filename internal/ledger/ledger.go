// Package ledger records the guesses submitted in a lobby.
package ledger

import (
	"github.com/victornm/tunetrivia/internal/domain"
)

// Ledger is an append-only log of guesses. It is not safe for concurrent use, the owning lobby
// serializes access.
//
// Every submission is kept: a participant answering the same question twice has both guesses
// aggregated. Scoring decides which one counts.
type Ledger struct {
	guesses []domain.Guess
}

// Entry is the list of guesses of a single participant, in submission order.
type Entry struct {
	ParticipantID string         `json:"participantId"`
	Guesses       []domain.Guess `json:"guesses"`
}

func New() *Ledger {
	return &Ledger{}
}

// Record appends a guess. It never rejects, even for questions that do not exist.
func (l *Ledger) Record(participantID, questionID, optionID string) {
	l.guesses = append(l.guesses, domain.Guess{
		ParticipantID: participantID,
		QuestionID:    questionID,
		OptionID:      optionID,
	})
}

// AggregateFor returns the guesses for a question grouped by participant, participants ordered by
// their first guess in the ledger and each participant's guesses in submission order.
func (l *Ledger) AggregateFor(questionID string) []domain.Guess {
	out := make([]domain.Guess, 0)
	for _, e := range l.Snapshot() {
		for _, g := range e.Guesses {
			if g.QuestionID == questionID {
				out = append(out, g)
			}
		}
	}
	return out
}

// Snapshot returns the ledger grouped by participant, participants ordered by their first guess.
func (l *Ledger) Snapshot() []Entry {
	index := make(map[string]int)
	var out []Entry
	for _, g := range l.guesses {
		i, ok := index[g.ParticipantID]
		if !ok {
			i = len(out)
			index[g.ParticipantID] = i
			out = append(out, Entry{ParticipantID: g.ParticipantID})
		}
		out[i].Guesses = append(out[i].Guesses, g)
	}
	return out
}

// All returns a copy of every recorded guess.
func (l *Ledger) All() []domain.Guess {
	return append([]domain.Guess(nil), l.guesses...)
}

// Forget drops every guess of a participant.
func (l *Ledger) Forget(participantID string) {
	kept := l.guesses[:0]
	for _, g := range l.guesses {
		if g.ParticipantID != participantID {
			kept = append(kept, g)
		}
	}
	clear(l.guesses[len(kept):])
	l.guesses = kept
}

func (l *Ledger) Clear() {
	l.guesses = nil
}

func (l *Ledger) Len() int {
	return len(l.guesses)
}
