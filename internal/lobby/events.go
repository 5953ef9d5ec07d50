package lobby

import (
	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/ledger"
)

// Outbound event names.
const (
	EventPlayerList     = "playerList"
	EventNewPlayer      = "newPlayer"
	EventPlaylist       = "playlist"
	EventGuesses        = "guesses"
	EventGuess          = "guess"
	EventStartGame      = "startGame"
	EventQuestionIntro  = "questionIntro"
	EventQuestion       = "question"
	EventQuestionResult = "questionResult"
	EventGameOver       = "gameOver"
	EventPhase          = "phase"
	EventError          = "error"
	EventLeaderboard    = "leaderboard"
)

// Inbound command names.
const (
	CommandSetPlaylist = "setPlaylist"
	CommandStartGame   = "startGame"
	CommandGuess       = "guess"
)

// Event is a message delivered to the connections of a lobby.
type Event struct {
	Name string
	Data any
}

type PlaylistPayload struct {
	Playlist *domain.Playlist              `json:"playlist"`
	Trivia   []domain.ClientTriviaQuestion `json:"trivia"`
}

type GuessPayload struct {
	QuestionID    string `json:"questionId"`
	OptionID      string `json:"optionId"`
	ParticipantID string `json:"participantId"`
}

type GuessesPayload []ledger.Entry

type QuestionResultPayload struct {
	Question domain.TriviaQuestion `json:"question"`
	Guesses  []domain.Guess        `json:"guesses"`
}

// PhasePayload lets a participant joining mid-game catch up with the current phase.
type PhasePayload struct {
	Phase    domain.Phase                 `json:"phase"`
	Ordinal  int                          `json:"index"`
	Total    int                          `json:"total"`
	Question *domain.ClientTriviaQuestion `json:"question,omitempty"`
	Result   *QuestionResultPayload       `json:"result,omitempty"`
}

type ErrorPayload struct {
	Command string `json:"command"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
