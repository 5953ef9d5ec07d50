package playlist_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/errors"
	"github.com/victornm/tunetrivia/internal/playlist"
)

func TestService_Fetch(t *testing.T) {
	type outputs struct {
		playlists []*domain.Playlist
		errs      []error
		calls     int32
	}

	tests := map[string]struct {
		refs   []string
		source *countingSource
		assert func(t *testing.T, out outputs)
	}{
		"should serve repeated fetches from the cache": {
			refs:   []string{"pl1", "pl1", "https://open.spotify.com/playlist/pl1?si=abc"},
			source: &countingSource{},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, int32(1), out.calls)
				for i, pl := range out.playlists {
					require.NoError(t, out.errs[i])
					require.Equal(t, "pl1", pl.ID)
					require.Len(t, pl.Tracks, 1)
				}
			},
		},

		"should not cache failures": {
			refs:   []string{"pl1", "pl1"},
			source: &countingSource{err: errors.New(errors.CodeNotFound)},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, int32(2), out.calls)
				for _, err := range out.errs {
					require.Equal(t, errors.CodeNotFound, errors.Convert(err).Code)
				}
			},
		},

		"should reject invalid references without calling the catalog": {
			refs:   []string{"https://example.com/x", ""},
			source: &countingSource{},
			assert: func(t *testing.T, out outputs) {
				require.Zero(t, out.calls)
				for _, err := range out.errs {
					require.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)
				}
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			s := makeService(t, tt.source)

			var out outputs
			for _, ref := range tt.refs {
				pl, err := s.Fetch(context.Background(), ref)
				out.playlists = append(out.playlists, pl)
				out.errs = append(out.errs, err)
			}
			out.calls = tt.source.calls.Load()

			tt.assert(t, out)
		})
	}
}

func TestService_FetchWithBrokenCache(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	t.Cleanup(func() { _ = rc.Close() })

	src := &countingSource{}
	s := playlist.NewService(playlist.Config{
		Source: src,
		Redis:  rc,
		Prefix: "test",
	})

	rs.SetError("ERR cache unavailable")

	for range 2 {
		pl, err := s.Fetch(ctx, "pl1")
		require.NoError(t, err)
		require.Equal(t, "pl1", pl.ID)
	}
	require.Equal(t, int32(2), src.calls.Load(), "a failing cache falls through to the catalog")
}

func TestService_FetchCollapsesConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	src := &countingSource{wait: release}
	s := makeService(t, src)

	const n = 10

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.Fetch(context.Background(), "pl1")
		}()
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), src.calls.Load())
}

func TestService_FetchHonoursCallerDeadline(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	s := makeService(t, &countingSource{wait: release})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := s.Fetch(ctx, "pl1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, errors.CodeDeadlineExceeded, errors.Convert(err).Code)
}

func TestParseID(t *testing.T) {
	tests := map[string]struct {
		ref     string
		want    string
		wantErr bool
	}{
		"bare id":            {ref: "4TRhJ30Nq7x9AfoTyFruig", want: "4TRhJ30Nq7x9AfoTyFruig"},
		"share link":         {ref: "https://open.spotify.com/playlist/4TRhJ30Nq7x9AfoTyFruig?si=502b", want: "4TRhJ30Nq7x9AfoTyFruig"},
		"localized link":     {ref: "https://open.spotify.com/intl-de/playlist/4TRhJ30Nq7x9AfoTyFruig", want: "4TRhJ30Nq7x9AfoTyFruig"},
		"uri":                {ref: "spotify:playlist:4TRhJ30Nq7x9AfoTyFruig", want: "4TRhJ30Nq7x9AfoTyFruig"},
		"empty":              {ref: "", wantErr: true},
		"foreign link":       {ref: "https://example.com/playlist/abc", wantErr: true},
		"id with separators": {ref: "abc/../def", wantErr: true},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := playlist.ParseID(tt.ref)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

type countingSource struct {
	calls atomic.Int32
	err   error
	wait  chan struct{}
}

func (s *countingSource) Fetch(ctx context.Context, id string) (*domain.Playlist, error) {
	s.calls.Add(1)

	if s.wait != nil {
		<-s.wait
	}
	if s.err != nil {
		return nil, s.err
	}

	return &domain.Playlist{
		ID:   id,
		Name: "Playlist " + id,
		Tracks: []domain.Track{
			{ID: "t1", Name: "Song", PrimaryArtist: domain.Artist{ID: "a1", Name: "Artist"}, PreviewURL: "https://p/1.mp3"},
		},
	}, nil
}

func makeService(t *testing.T, src playlist.Source) *playlist.Service {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return playlist.NewService(playlist.Config{
		Source: src,
		Redis:  rc,
		Prefix: "test",
	})
}
