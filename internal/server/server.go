package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/tunetrivia/internal/api"
	"github.com/victornm/tunetrivia/internal/event"
	"github.com/victornm/tunetrivia/internal/gateway"
	"github.com/victornm/tunetrivia/internal/leaderboard"
	"github.com/victornm/tunetrivia/internal/lobby"
	"github.com/victornm/tunetrivia/internal/lobbystore"
	"github.com/victornm/tunetrivia/internal/playlist"
	"github.com/victornm/tunetrivia/internal/score"
	"github.com/victornm/tunetrivia/internal/telemetry"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type PostgresConfig struct {
	Addr string
	User string
	Pass string
	Name string
}

type Config struct {
	HTTP struct {
		Port int32
		// AllowedOrigins for CORS and the websocket handshake, empty allows any origin.
		AllowedOrigins []string
		PublicURL      string
	}

	GRPC struct {
		Port int32
	}

	Log struct {
		Format string
		Level  string
	}

	Redis struct {
		Cache       RedisConfig
		Pubsub      RedisConfig
		Leaderboard RedisConfig
	}

	Postgres struct {
		Lobby PostgresConfig
	}

	Catalog struct {
		BaseURL      string
		TokenURL     string
		ClientID     string
		ClientSecret string
		CacheTTL     time.Duration
	}

	Lobby struct {
		HostOnly     bool
		FetchTimeout time.Duration
		IdleTimeout  time.Duration
		Durations    lobby.Durations
	}
}

// DefaultConfig is merged under the config file, so every key here can be overridden by env.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.HTTP.AllowedOrigins = []string{}
	c.GRPC.Port = 9090
	c.Log.Format = telemetry.LogFormatText
	c.Log.Level = "info"
	c.Redis.Cache = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "tunetrivia"}
	c.Redis.Pubsub = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "tunetrivia"}
	c.Redis.Leaderboard = RedisConfig{Addrs: []string{"localhost:6379"}, Prefix: "tunetrivia"}
	c.Postgres.Lobby = PostgresConfig{Addr: "localhost:5432", User: "postgres", Name: "tunetrivia"}
	c.Catalog.BaseURL = "https://api.spotify.com"
	c.Catalog.TokenURL = "https://accounts.spotify.com/api/token"
	c.Catalog.CacheTTL = 10 * time.Minute
	c.Lobby.FetchTimeout = 10 * time.Second
	c.Lobby.IdleTimeout = 10 * time.Minute
	c.Lobby.Durations = lobby.DefaultDurations()
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			cache       redis.UniversalClient
			pubsub      redis.UniversalClient
			leaderboard redis.UniversalClient
		}

		postgres struct {
			lobby *pgxpool.Pool
		}
	}

	service struct {
		playlist    *playlist.Service
		lobbyStore  *lobbystore.Service
		score       *score.Service
		leaderboard *leaderboard.Service
		gateway     *gateway.Manager
		lobbies     *lobby.Registry
	}

	health *health.Server
	http   *http.Server
	grpc   *grpc.Server
}

func Init(ctx context.Context, c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(ctx); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(ctx); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra(ctx context.Context) error {
	if err := s.initRedis(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis(ctx context.Context) error {
	connect := func(name string, rc RedisConfig) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:      rc.Addrs,
			Password:   rc.Pass,
			ClientName: name,
		})

		if err := telemetry.MonitorRedis(name, r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.cache, err = connect("cache", s.c.Redis.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	s.infra.redis.leaderboard, err = connect("leaderboard", s.c.Redis.Leaderboard)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	return nil
}

func (s *Server) initPostgres(ctx context.Context) (err error) {
	connect := func(pc PostgresConfig) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(pc.User, pc.Pass),
			Host:   pc.Addr,
			Path:   pc.Name,
		}
		cc, err := pgxpool.ParseConfig(u.String())
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.lobby, err = connect(s.c.Postgres.Lobby)
	if err != nil {
		return fmt.Errorf("lobby: %w", err)
	}

	return nil
}

func (s *Server) initService(ctx context.Context) error {
	s.service.playlist = playlist.NewService(playlist.Config{
		Source: playlist.NewClient(playlist.ClientConfig{
			BaseURL:      s.c.Catalog.BaseURL,
			TokenURL:     s.c.Catalog.TokenURL,
			ClientID:     s.c.Catalog.ClientID,
			ClientSecret: s.c.Catalog.ClientSecret,
		}),
		Redis:    s.infra.redis.cache,
		Prefix:   s.c.Redis.Cache.Prefix,
		CacheTTL: s.c.Catalog.CacheTTL,
	})

	s.service.lobbyStore = lobbystore.NewService(lobbystore.Config{
		DB: s.infra.postgres.lobby,
	})
	if err := s.service.lobbyStore.Migrate(ctx); err != nil {
		return fmt.Errorf("lobby store: %w", err)
	}

	s.service.score = score.NewService(score.Config{
		EventBus: s.eb,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
	})

	gc := gateway.DefaultConfig()
	gc.CheckOrigin = s.checkOrigin
	s.service.gateway = gateway.NewManager(gc)

	durations := s.c.Lobby.Durations
	s.service.lobbies = lobby.NewRegistry(lobby.Config{
		Broadcaster:  s.service.gateway,
		Playlists:    s.service.playlist,
		EventBus:     s.eb,
		Durations:    &durations,
		FetchTimeout: s.c.Lobby.FetchTimeout,
		IdleTimeout:  s.c.Lobby.IdleTimeout,
		HostOnly:     s.c.Lobby.HostOnly,
	})

	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.c.HTTP.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.c.HTTP.AllowedOrigins, origin) || slices.Contains(s.c.HTTP.AllowedOrigins, "*")
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptors()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Lobbies:      s.service.lobbies,
		Gateway:      s.service.gateway,
		LobbyStore:   s.service.lobbyStore,
		Leaderboard:  s.service.leaderboard,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
		PublicURL:    s.c.HTTP.PublicURL,
	})

	origins := s.c.HTTP.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// Start blocks until the listeners stop or ctx is done.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		return fmt.Errorf("grpc server: listen: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		return s.service.lobbies.Run(ctx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
		return err
	}
	return nil
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	// Connections first, so no participant action reaches a closed registry.
	s.service.gateway.Close()
	s.service.lobbies.Close()
	s.eb.Stop()

	for name, r := range map[string]redis.UniversalClient{
		"cache":       s.infra.redis.cache,
		"pubsub":      s.infra.redis.pubsub,
		"leaderboard": s.infra.redis.leaderboard,
	} {
		if err := r.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "client", name, "error", err)
		}
	}
	s.infra.postgres.lobby.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
