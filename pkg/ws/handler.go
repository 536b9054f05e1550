// Package ws is the websocket transport: it authenticates the upgrade,
// pumps frames for each connection and hands connections to the registry.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mahaj/tourbook-realtime/pkg/auth"
	"github.com/mahaj/tourbook-realtime/pkg/model"
	"github.com/mahaj/tourbook-realtime/pkg/registry"
	"go.uber.org/zap"
)

// Typer handles chat-typing and chat-stop-typing frames.
type Typer interface {
	SetTyping(ctx context.Context, chatID, userID string, typing bool) error
}

type Options struct {
	Auth     *auth.Authenticator
	Registry *registry.Registry
	Typing   Typer
	Logger   *zap.Logger

	// PongWait bounds the silence tolerated from a peer. It should exceed
	// the keepalive interval.
	PongWait time.Duration
}

type Handler struct {
	auth      *auth.Authenticator
	registry  *registry.Registry
	typing    Typer
	log       *zap.Logger
	pongWait  time.Duration
	opTimeout time.Duration
	upgrader  websocket.Upgrader
}

func NewHandler(opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	pongWait := opts.PongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	return &Handler{
		auth:      opts.Auth,
		registry:  opts.Registry,
		typing:    opts.Typing,
		log:       log.Named("ws"),
		pongWait:  pongWait,
		opTimeout: 5 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Browsers connect from the marketplace frontends
			},
		},
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.Authenticate(r)
	if err != nil {
		h.log.Debug("unauthorized upgrade", zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn, uuid.NewString(), claims.UserID)

	// The ack is queued before the connection can receive anything else.
	ack, err := model.Encode(model.ConnectionAck{
		ConnectionID: client.id,
		UserID:       client.userID,
		ServerTime:   time.Now().UTC(),
	})
	if err != nil {
		h.log.Error("encode ack", zap.Error(err))
		conn.Close()
		return
	}
	client.send <- ack
	client.state.Store(int32(registry.StateOpen))
	h.registry.AddConnection(client)
	client.log.Info("client connected")

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}
