package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/tunetrivia/internal/errors"
	"github.com/victornm/tunetrivia/internal/lobby"
	"github.com/victornm/tunetrivia/internal/telemetry"
)

// conn is one client connection. Its id doubles as the participant id in the lobby.
type conn struct {
	id      string
	lobbyID string
	ws      *websocket.Conn
	send    chan []byte
	manager *Manager
	session *lobby.Session

	ctx     context.Context
	cancel  context.CancelFunc
	dropped atomic.Bool
}

// enqueue must be called with the manager lock held, so send cannot be closed concurrently.
func (c *conn) enqueue(name string, data []byte) bool {
	select {
	case c.send <- data:
		telemetry.EventsSent.WithLabelValues(name).Inc()
		return true
	default:
		return !c.dropped.CompareAndSwap(false, true)
	}
}

func (c *conn) writePump() {
	cfg := c.manager.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.DebugContext(c.ctx, "gateway: write message failed", "connection", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.DebugContext(c.ctx, "gateway: ping failed", "connection", c.id, "error", err)
				return
			}
		}
	}
}

func (c *conn) readPump() {
	cfg := c.manager.cfg
	defer func() {
		c.cancel()
		if c.manager.unregister(c) {
			c.session.Leave(c.id)
		}
		_ = c.ws.Close()

		slog.InfoContext(c.ctx, "gateway: connection closed", "connection", c.id, "lobby", c.lobbyID)
	}()

	c.ws.SetReadLimit(cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.WarnContext(c.ctx, "gateway: unexpected close", "connection", c.id, "error", err)
			}
			return
		}

		c.handle(message)
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	}
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type setPlaylistCommand struct {
	PlaylistID string `json:"playlistId"`
}

type guessCommand struct {
	QuestionID string `json:"questionId"`
	OptionID   string `json:"optionId"`
}

func (c *conn) handle(message []byte) {
	var in inbound
	if err := json.Unmarshal(message, &in); err != nil {
		c.reject("", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed message"), errors.WithCause(err)))
		return
	}

	switch in.Event {
	case lobby.CommandSetPlaylist:
		playlistID, err := decodePlaylistID(in.Data)
		if err != nil {
			c.reject(in.Event, err)
			return
		}
		// The catalog fetch may be slow; guesses from this connection keep flowing meanwhile.
		go func() {
			_ = c.session.SetPlaylist(c.ctx, c.id, playlistID)
		}()

	case lobby.CommandStartGame:
		_ = c.session.StartGame(c.id)

	case lobby.CommandGuess:
		var cmd guessCommand
		if err := json.Unmarshal(in.Data, &cmd); err != nil {
			c.reject(in.Event, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed guess"), errors.WithCause(err)))
			return
		}
		c.session.Guess(c.id, cmd.QuestionID, cmd.OptionID)

	default:
		c.reject(in.Event, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("unknown event %q", in.Event)))
	}
}

// decodePlaylistID accepts both {"playlistId": "..."} and a bare JSON string.
func decodePlaylistID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return id, nil
	}

	var cmd setPlaylistCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return "", errors.New(errors.CodeInvalidArgument, errors.WithMessagef("malformed playlist id"), errors.WithCause(err))
	}

	return cmd.PlaylistID, nil
}

func (c *conn) reject(command string, err error) {
	e := errors.Convert(err)
	c.manager.Send(c.lobbyID, c.id, lobby.Event{Name: lobby.EventError, Data: lobby.ErrorPayload{
		Command: command,
		Code:    e.Code.String(),
		Message: e.Message,
	}})
}
