package api

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/mahaj/tourbook-realtime/pkg/auth"
	"github.com/mahaj/tourbook-realtime/pkg/presence"
	"go.uber.org/zap"
)

type multiplePresenceRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,max=500,dive,required"`
}

// Presence reads never fail the request. When the store is unreachable the
// answer is "offline" or "nobody online".

func (s *Server) myPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lookup(r, auth.UserID(r.Context())))
}

func (s *Server) userPresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lookup(r, chi.URLParam(r, "userId")))
}

func (s *Server) lookup(r *http.Request, userID string) presence.Presence {
	p, err := s.presence.GetUserPresence(r.Context(), userID)
	if err != nil {
		s.log.Warn("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		return presence.Presence{UserID: userID}
	}
	return p
}

func (s *Server) multiplePresence(w http.ResponseWriter, r *http.Request) {
	var req multiplePresenceRequest
	if err := s.decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.presence.GetUsersPresence(r.Context(), req.UserIDs)
	if err != nil {
		s.log.Warn("batch presence lookup failed", zap.Int("users", len(req.UserIDs)), zap.Error(err))
		list = make([]presence.Presence, len(req.UserIDs))
		for i, id := range req.UserIDs {
			list[i] = presence.Presence{UserID: id}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"presence": list})
}

func (s *Server) onlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.presence.GetOnlineUsers(r.Context())
	if err != nil {
		s.log.Warn("online user scan failed", zap.Error(err))
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

func (s *Server) presenceStats(w http.ResponseWriter, r *http.Request) {
	degraded := false
	online, err := s.presence.GetOnlineCount(r.Context())
	if err != nil {
		s.log.Warn("online count failed", zap.Error(err))
		online, degraded = 0, true
	}
	stats := map[string]any{
		"onlineUsers": online,
		"node":        s.node,
		"degraded":    degraded,
	}
	if s.local != nil {
		stats["localConnections"] = s.local.ConnectionCount()
		stats["localUsers"] = s.local.OnlineUserCount()
		ids := s.local.ConnectedUserIDs()
		sort.Strings(ids)
		stats["localUserIds"] = ids
	}
	writeJSON(w, http.StatusOK, stats)
}
