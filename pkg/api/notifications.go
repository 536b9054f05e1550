package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mahaj/tourbook-realtime/pkg/apperr"
	"github.com/mahaj/tourbook-realtime/pkg/auth"
)

type markAllReadRequest struct {
	IDs []string `json:"ids" validate:"omitempty,dive,required"`
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	unreadOnly := false
	if raw := r.URL.Query().Get("unread"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, apperr.Validation("invalid query parameter", "unread must be a boolean"))
			return
		}
		unreadOnly = v
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.notes.List(r.Context(), auth.UserID(r.Context()), unreadOnly, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.GetUnreadCount(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notes.MarkRead(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// markAllNotificationsRead marks the listed ids, or every unread
// notification when the body is empty.
func (s *Server) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var req markAllReadRequest
	if err := s.decode(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.notes.MarkAllRead(r.Context(), auth.UserID(r.Context()), req.IDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (s *Server) deleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.notes.Delete(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
