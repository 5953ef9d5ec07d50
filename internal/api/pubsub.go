package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/lobby"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		LobbyID string             `json:"lobbyId"`
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		ParticipantID string `json:"participantId"`
		Name          string `json:"name"`
		Score         string `json:"score"`
	}
)

func toLeaderboard(l domain.Leaderboard) Leaderboard {
	data := Leaderboard{
		LobbyID: l.LobbyID,
		Entries: make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			ParticipantID: entry.ParticipantID,
			Name:          entry.DisplayName,
			Score:         strconv.FormatFloat(entry.Score, 'f', -1, 64),
		})
	}

	return data
}

// PublishLeaderboardUpdated pushes the leaderboard to the lobby's connections and notifies
// subscribers of the lobby channel and of each participant channel.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	data := toLeaderboard(e.Leaderboard)

	if a.gateway != nil {
		a.gateway.Broadcast(data.LobbyID, lobby.Event{Name: lobby.EventLeaderboard, Data: data})
	}

	if a.redis == nil {
		return nil
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	eg.Go(func() error {
		return a.publishNotification(ctx, fmt.Sprintf("%s:lobby:%s", a.prefix, data.LobbyID), e.Name(), data)
	})

	for _, entry := range data.Entries {
		eg.Go(func() error {
			return a.publishNotification(ctx, fmt.Sprintf("%s:participant:%s", a.prefix, entry.ParticipantID), e.Name(), data)
		})
	}

	return eg.Wait()
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}
