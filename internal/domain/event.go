package domain

const (
	EventNameGameFinished       = "game.finished"
	EventNameScoreUpdated       = "score.updated"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

// EventGameFinished is published by a lobby when its last question result has been shown.
type EventGameFinished struct {
	LobbyID string
	Trivia  []TriviaQuestion
	Guesses []Guess
	Roster  []Participant
}

func (EventGameFinished) Name() string { return EventNameGameFinished }

type EventScoreUpdated struct {
	LobbyID string
	Scores  []Score
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
