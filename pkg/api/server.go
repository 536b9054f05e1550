// Package api is the REST surface of the gateway: chats, presence and
// notifications over JSON, plus health, metrics and the websocket upgrade.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/mahaj/tourbook-realtime/pkg/apperr"
	"github.com/mahaj/tourbook-realtime/pkg/auth"
	"github.com/mahaj/tourbook-realtime/pkg/chat"
	"github.com/mahaj/tourbook-realtime/pkg/model"
	"github.com/mahaj/tourbook-realtime/pkg/presence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type ChatService interface {
	CreateDirectChat(ctx context.Context, userA, userB string) (*model.Chat, error)
	CreateGroupChat(ctx context.Context, creator, name string, participantIDs []string) (*model.Chat, error)
	SendMessage(ctx context.Context, chatID, senderID, content string, mentioned []string) (*model.ChatMessage, error)
	GetMessages(ctx context.Context, chatID, requester string, limit int, before int64) (*chat.MessagePage, error)
	MarkAsRead(ctx context.Context, chatID, userID string, messageID int64) (*chat.ReadState, error)
	AddParticipant(ctx context.Context, chatID, actingUser, newUserID string) (bool, error)
	LeaveChat(ctx context.Context, chatID, userID string) error
	ListChats(ctx context.Context, userID string, limit, offset int) ([]model.ChatSummary, error)
	GetChat(ctx context.Context, chatID, userID string) (*model.ChatSummary, error)
}

type NotificationService interface {
	List(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]model.Notification, error)
	GetUnreadCount(ctx context.Context, userID string) (int64, error)
	MarkRead(ctx context.Context, userID, id string) (*model.Notification, error)
	MarkAllRead(ctx context.Context, userID string, ids []string) (int64, error)
	Delete(ctx context.Context, userID, id string) error
}

// LocalStats is the node-local view of connections.
type LocalStats interface {
	ConnectionCount() int
	OnlineUserCount() int
	ConnectedUserIDs() []string
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	Auth          *auth.Authenticator
	Chats         ChatService
	Notifications NotificationService
	Presence      presence.Store
	Local         LocalStats
	WebSocket     http.Handler
	Gatherer      prometheus.Gatherer
	Checks        map[string]HealthCheck
	Node          int64
	Logger        *zap.Logger
}

type Server struct {
	auth     *auth.Authenticator
	chats    ChatService
	notes    NotificationService
	presence presence.Store
	local    LocalStats
	ws       http.Handler
	gatherer prometheus.Gatherer
	checks   map[string]HealthCheck
	node     int64
	validate *validator.Validate
	log      *zap.Logger
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		auth:     opts.Auth,
		chats:    opts.Chats,
		notes:    opts.Notifications,
		presence: opts.Presence,
		local:    opts.Local,
		ws:       opts.WebSocket,
		gatherer: gatherer,
		checks:   opts.Checks,
		node:     opts.Node,
		validate: validator.New(),
		log:      log.Named("api"),
	}
}

// Routes builds the router. Everything except health, metrics and the
// websocket endpoint (which authenticates itself) requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.ws != nil {
		r.Handle("/ws", s.ws)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Use(s.requireAuth)

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", s.listChats)
			r.Post("/direct", s.createDirectChat)
			r.Post("/group", s.createGroupChat)
			r.Get("/{chatId}", s.getChat)
			r.Get("/{chatId}/messages", s.getMessages)
			r.Post("/{chatId}/messages", s.sendMessage)
			r.Post("/{chatId}/read", s.markRead)
			r.Post("/{chatId}/participants", s.addParticipant)
			r.Delete("/{chatId}/leave", s.leaveChat)
		})

		r.Route("/presence", func(r chi.Router) {
			r.Get("/me", s.myPresence)
			r.Get("/online/all", s.onlineUsers)
			r.Get("/stats", s.presenceStats)
			r.Post("/multiple", s.multiplePresence)
			r.Get("/{userId}", s.userPresence)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.listNotifications)
			r.Get("/unread-count", s.unreadCount)
			r.Patch("/read-all", s.markAllNotificationsRead)
			r.Patch("/{id}/read", s.markNotificationRead)
			r.Delete("/{id}", s.deleteNotification)
		})
	})
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, PATCH, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.auth.Authenticate(r)
		if err != nil {
			s.writeError(w, r, apperr.Unauthorized("invalid or missing token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status_code", ww.Status()),
			zap.Int("response_bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		switch {
		case ww.Status() >= 500:
			s.log.Error("HTTP request completed with error", fields...)
		case ww.Status() >= 400:
			s.log.Warn("HTTP request completed with warning", fields...)
		default:
			s.log.Debug("HTTP request completed", fields...)
		}
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":     state,
		"node":       s.node,
		"components": components,
	})
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func (s *Server) decode(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return apperr.Validation("invalid request body", "%s", err.Error())
	}
	if err := s.validate.Struct(dst); err != nil {
		return apperr.Validation("invalid request body", "%s", describe(err))
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s must satisfy %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)
	if e.Status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, e.Status, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid query parameter", "%s must be a non-negative integer", key)
	}
	return n, nil
}

func parseMessageID(raw, field string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, apperr.Validation("invalid message id", "%s must be a positive integer", field)
	}
	return id, nil
}
