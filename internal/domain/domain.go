package domain

import (
	"github.com/shopspring/decimal"
)

// Participant is a connected player in a lobby. ID is the identity of the underlying connection.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	IsHost      bool   `json:"isHost"`
}

// Playlist is the catalog playlist a lobby plays with.
type Playlist struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Tracks []Track `json:"tracks"`
}

type Track struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	PrimaryArtist Artist `json:"artist"`
	// PreviewURL is empty when the catalog has no audio preview for the track.
	PreviewURL string `json:"previewUrl,omitempty"`
}

type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type GuessKind string

const (
	GuessKindSong   GuessKind = "song"
	GuessKindArtist GuessKind = "artist"
)

// TriviaQuestion is a single question derived from a playlist track.
// CorrectOptionID must not leave the server before the question's result phase, use Client.
type TriviaQuestion struct {
	ID              string    `json:"id"`
	Ordinal         int       `json:"index"`
	SongTitle       string    `json:"song"`
	ArtistName      string    `json:"artist"`
	PreviewURL      string    `json:"preview,omitempty"`
	GuessKind       GuessKind `json:"guessType"`
	CorrectOptionID string    `json:"rightAnswerId"`
	Options         []Option  `json:"options"`
}

type Option struct {
	ID    string `json:"id"`
	Label string `json:"name"`
}

// ClientTriviaQuestion is a TriviaQuestion without the answer.
type ClientTriviaQuestion struct {
	ID         string    `json:"id"`
	Ordinal    int       `json:"index"`
	SongTitle  string    `json:"song"`
	ArtistName string    `json:"artist"`
	PreviewURL string    `json:"preview,omitempty"`
	GuessKind  GuessKind `json:"guessType"`
	Options    []Option  `json:"options"`
}

func (q TriviaQuestion) Client() ClientTriviaQuestion {
	return ClientTriviaQuestion{
		ID:         q.ID,
		Ordinal:    q.Ordinal,
		SongTitle:  q.SongTitle,
		ArtistName: q.ArtistName,
		PreviewURL: q.PreviewURL,
		GuessKind:  q.GuessKind,
		Options:    append([]Option(nil), q.Options...),
	}
}

// ClientTrivia strips the answers of every question.
func ClientTrivia(qs []TriviaQuestion) []ClientTriviaQuestion {
	out := make([]ClientTriviaQuestion, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.Client())
	}
	return out
}

// Guess is a single submitted answer.
type Guess struct {
	ParticipantID string `json:"participantId"`
	QuestionID    string `json:"questionId"`
	OptionID      string `json:"optionId"`
}

type Phase string

const (
	PhaseLobby          Phase = "lobby"
	PhaseStarting       Phase = "starting"
	PhaseQuestionIntro  Phase = "question_intro"
	PhaseQuestionOpen   Phase = "question_open"
	PhaseQuestionResult Phase = "question_result"
	PhaseGameOver       Phase = "game_over"
)

// Score represents a participant's result for a finished game in a lobby.
type Score struct {
	LobbyID       string          `json:"lobbyId"`
	ParticipantID string          `json:"participantId"`
	DisplayName   string          `json:"name"`
	Correct       int             `json:"correct"`
	TotalScore    decimal.Decimal `json:"totalScore"`
}

// Leaderboard represents the participants of a lobby and their scores.
// The list is sorted by score in descending order.
type Leaderboard struct {
	LobbyID string             `json:"lobbyId"`
	Entries []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	ParticipantID string  `json:"participantId"`
	DisplayName   string  `json:"name"`
	Score         float64 `json:"score"`
}
