package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/errors"
	"github.com/victornm/tunetrivia/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	defaultTTL      = 24 * time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	// TTL is how long the leaderboard of an inactive lobby is kept.
	TTL time.Duration
}

type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewService(c Config) *Service {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}

	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}

	s.eb.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventScoreUpdated))
	})

	return s
}

type GetLeaderboardRequest struct {
	LobbyID string
}

// GetLeaderboard returns the leaderboard of a lobby, including all participants and their scores.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.LobbyID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: lobby=%s", req.LobbyID))
	}

	names, err := s.redis.HGetAll(ctx, s.getNamesKey(req.LobbyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get names: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		id := z.Member.(string)
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: id,
			DisplayName:   names[id],
			Score:         z.Score,
		})
	}

	return &domain.Leaderboard{
		LobbyID: req.LobbyID,
		Entries: entries,
	}, nil
}

// UpdateLeaderboard adds the scores of a finished game to the lobby's running totals.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventScoreUpdated) error {
	if len(e.Scores) == 0 {
		return nil
	}

	key, namesKey := s.getLeaderboardKey(e.LobbyID), s.getNamesKey(e.LobbyID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sc := range e.Scores {
			pipe.ZIncrBy(ctx, key, sc.TotalScore.InexactFloat64(), sc.ParticipantID)
			pipe.HSet(ctx, namesKey, sc.ParticipantID, sc.DisplayName)
		}
		pipe.Expire(ctx, key, s.ttl)
		pipe.Expire(ctx, namesKey, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, e.LobbyID)
}

// schedulePublishLeaderboard publishes the leaderboard at most once per interval per lobby.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, lobbyID string) error {
	// This is a simple way to prevent multiple instances of the service from publishing the leaderboard.
	// But it's not perfect and can be improved.
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(lobbyID), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, lobbyID)
}

func (s *Service) publishLeaderboard(ctx context.Context, lobbyID string) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		LobbyID: lobbyID,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: lobby=%s: %w", lobbyID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

func (s *Service) getLeaderboardKey(lobby string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, lobby)
}

func (s *Service) getNamesKey(lobby string) string {
	return fmt.Sprintf("%s:%s:names", s.prefix, lobby)
}

func (s *Service) getLeaderboardTimeKey(lobby string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, lobby)
}
