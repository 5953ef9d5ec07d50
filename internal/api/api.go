package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/skip2/go-qrcode"

	"github.com/victornm/tunetrivia/internal/domain"
	"github.com/victornm/tunetrivia/internal/errors"
	"github.com/victornm/tunetrivia/internal/event"
	"github.com/victornm/tunetrivia/internal/gateway"
	"github.com/victornm/tunetrivia/internal/leaderboard"
	"github.com/victornm/tunetrivia/internal/lobby"
)

const (
	defaultQRSize = 320
	maxQRSize     = 1024
	defaultName   = "Player"
)

type Config struct {
	Router       gin.IRouter
	EventBus     *event.Bus
	Lobbies      *lobby.Registry
	Gateway      *gateway.Manager
	LobbyStore   LobbyStore
	Leaderboard  Leaderboard
	Redis        Redis
	PubsubPrefix string
	// PublicURL is the base URL players open to join a lobby. Empty means derive it from the request.
	PublicURL string
}

type LobbyStore interface {
	CreateLobby(ctx context.Context) (string, error)
}

type Leaderboard interface {
	GetLeaderboard(ctx context.Context, req leaderboard.GetLeaderboardRequest) (*domain.Leaderboard, error)
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	lobbies *lobby.Registry
	gateway *gateway.Manager
	store   LobbyStore
	ls      Leaderboard

	redis     Redis
	prefix    string
	publicURL string
}

func New(c Config) *API {
	a := &API{
		lobbies:   c.Lobbies,
		gateway:   c.Gateway,
		store:     c.LobbyStore,
		ls:        c.Leaderboard,
		redis:     c.Redis,
		prefix:    c.PubsubPrefix,
		publicURL: strings.TrimRight(c.PublicURL, "/"),
	}

	// HTTP APIs
	c.Router.GET("/healthz", a.Health)
	c.Router.GET("/ws", a.Connect)

	g := c.Router.Group("/api/lobbies")
	g.POST("", a.CreateLobby)
	g.GET("/:id", a.GetLobby)
	g.GET("/:id/qr", a.GetLobbyQR)
	g.GET("/:id/leaderboard", a.GetLeaderboard)

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Connect upgrades to the lobby WebSocket. Any lobby id, the empty one included, is accepted.
func (a *API) Connect(c *gin.Context) {
	lobbyID := c.Query("lobbyId")
	name := strings.TrimSpace(c.Query("name"))
	if name == "" {
		name = defaultName
	}

	if err := a.gateway.Serve(c.Writer, c.Request, a.lobbies, lobbyID, name); err != nil {
		// The upgrader has already replied.
		slog.WarnContext(c, "api: websocket upgrade failed", "lobby", lobbyID, "error", err)
	}
}

type createLobbyResponse struct {
	LobbyID string `json:"lobbyId"`
}

func (a *API) CreateLobby(c *gin.Context) {
	id, err := a.store.CreateLobby(c)
	if err != nil {
		a.abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, createLobbyResponse{LobbyID: id})
}

type lobbyResponse struct {
	LobbyID string               `json:"lobbyId"`
	Phase   domain.Phase         `json:"phase"`
	Players []domain.Participant `json:"players"`
}

// GetLobby describes a lobby. Lobbies nobody joined yet are reported as empty.
func (a *API) GetLobby(c *gin.Context) {
	id := c.Param("id")
	resp := lobbyResponse{
		LobbyID: id,
		Phase:   domain.PhaseLobby,
		Players: []domain.Participant{},
	}

	if s, ok := a.lobbies.Get(id); ok {
		resp.Phase = s.Phase()
		resp.Players = s.Roster()
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) GetLobbyQR(c *gin.Context) {
	size := defaultQRSize
	if v := c.Query("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxQRSize {
			a.abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("size must be between 1 and %d", maxQRSize)))
			return
		}
		size = n
	}

	png, err := qrcode.Encode(a.joinURL(c.Request, c.Param("id")), qrcode.Medium, size)
	if err != nil {
		a.abort(c, err)
		return
	}

	c.Data(http.StatusOK, "image/png", png)
}

func (a *API) GetLeaderboard(c *gin.Context) {
	l, err := a.ls.GetLeaderboard(c, leaderboard.GetLeaderboardRequest{
		LobbyID: c.Param("id"),
	})
	if err != nil {
		a.abort(c, err)
		return
	}

	c.JSON(http.StatusOK, toLeaderboard(*l))
}

func (a *API) joinURL(r *http.Request, lobbyID string) string {
	base := a.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		base = scheme + "://" + r.Host
	}

	return base + "/lobby/" + lobbyID
}

func (a *API) abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c, "api: request failed",
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
