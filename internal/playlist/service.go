// Package playlist fetches playlists from the music catalog for lobbies.
package playlist

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/errors"
	"github.com/victornm/tunetrivia/internal/telemetry"
)

const defaultCacheTTL = 10 * time.Minute

// Source is the upstream catalog.
type Source interface {
	Fetch(ctx context.Context, playlistID string) (*domain.Playlist, error)
}

type Config struct {
	Source   Source
	Redis    redis.UniversalClient
	Prefix   string
	CacheTTL time.Duration
}

// Service resolves playlist references, caches catalog responses in Redis and collapses concurrent
// fetches of the same playlist into one upstream call.
type Service struct {
	source Source
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

func NewService(c Config) *Service {
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}

	return &Service{
		source: c.Source,
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.CacheTTL,
	}
}

// Fetch implements lobby.PlaylistSource. The reference may be a bare id, a share link or a URI.
func (s *Service) Fetch(ctx context.Context, ref string) (*domain.Playlist, error) {
	id, err := ParseID(ref)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	if pl, ok := s.cached(ctx, id); ok {
		telemetry.PlaylistFetchDuration.WithLabelValues("hit").Observe(time.Since(start).Seconds())
		return pl, nil
	}

	ch := s.group.DoChan(id, func() (any, error) {
		// Shared by every waiter, so it must not be cut short by the first caller leaving.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()

		pl, err := s.source.Fetch(fctx, id)
		if err != nil {
			return nil, err
		}

		s.store(fctx, id, pl)
		return pl, nil
	})

	select {
	case <-ctx.Done():
		telemetry.PlaylistFetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("fetch playlist %s: %w", id, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			telemetry.PlaylistFetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
			return nil, res.Err
		}
		telemetry.PlaylistFetchDuration.WithLabelValues("miss").Observe(time.Since(start).Seconds())
		return res.Val.(*domain.Playlist), nil
	}
}

func (s *Service) cached(ctx context.Context, id string) (*domain.Playlist, bool) {
	if s.redis == nil {
		return nil, false
	}

	b, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if !stderrors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "playlist: read cache failed", "playlist", id, "error", err)
		}
		return nil, false
	}

	var pl domain.Playlist
	if err := json.Unmarshal(b, &pl); err != nil {
		slog.WarnContext(ctx, "playlist: decode cached playlist failed", "playlist", id, "error", err)
		return nil, false
	}

	return &pl, true
}

func (s *Service) store(ctx context.Context, id string, pl *domain.Playlist) {
	if s.redis == nil {
		return
	}

	b, err := json.Marshal(pl)
	if err != nil {
		slog.ErrorContext(ctx, "playlist: encode playlist failed", "playlist", id, "error", err)
		return
	}

	if err := s.redis.Set(ctx, s.key(id), b, s.ttl).Err(); err != nil {
		slog.WarnContext(ctx, "playlist: write cache failed", "playlist", id, "error", err)
	}
}

func (s *Service) key(id string) string {
	return fmt.Sprintf("%s:playlist:%s", s.prefix, id)
}

var (
	shareLinkRe = regexp.MustCompile(`^https?://open\.spotify\.com(?:/intl-[^/]+)?/playlist/([A-Za-z0-9]+)`)
	uriRe       = regexp.MustCompile(`^spotify:playlist:([A-Za-z0-9]+)$`)
	idRe        = regexp.MustCompile(`^[A-Za-z0-9]+$`)
)

// ParseID extracts the playlist id from a share link, a URI or a bare id.
func ParseID(ref string) (string, error) {
	for _, re := range []*regexp.Regexp{shareLinkRe, uriRe} {
		if m := re.FindStringSubmatch(ref); m != nil {
			return m[1], nil
		}
	}

	if idRe.MatchString(ref) {
		return ref, nil
	}

	return "", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid playlist reference: %q", ref))
}
