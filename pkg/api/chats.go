package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/mahaj/tourbook-realtime/pkg/auth"
)

type directChatRequest struct {
	OtherUserID string `json:"otherUserId" validate:"required"`
}

type groupChatRequest struct {
	Name           string   `json:"name" validate:"required,max=100"`
	ParticipantIDs []string `json:"participantIds" validate:"required,min=1,dive,required"`
}

type sendMessageRequest struct {
	Content        string   `json:"content" validate:"required"`
	MentionedUsers []string `json:"mentionedUsers" validate:"omitempty,dive,required"`
}

type markReadRequest struct {
	MessageID string `json:"messageId"`
}

type addParticipantRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (s *Server) createDirectChat(w http.ResponseWriter, r *http.Request) {
	var req directChatRequest
	if err := s.decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	chat, err := s.chats.CreateDirectChat(r.Context(), auth.UserID(r.Context()), req.OtherUserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) createGroupChat(w http.ResponseWriter, r *http.Request) {
	var req groupChatRequest
	if err := s.decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	chat, err := s.chats.CreateGroupChat(r.Context(), auth.UserID(r.Context()), req.Name, req.ParticipantIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
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
	chats, err := s.chats.ListChats(r.Context(), auth.UserID(r.Context()), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) getChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.chats.GetChat(r.Context(), chi.URLParam(r, "chatId"), auth.UserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := s.decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.chats.SendMessage(r.Context(), chi.URLParam(r, "chatId"), auth.UserID(r.Context()), req.Content, req.MentionedUsers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	before, err := parseMessageID(r.URL.Query().Get("before"), "before")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, err := s.chats.GetMessages(r.Context(), chi.URLParam(r, "chatId"), auth.UserID(r.Context()), limit, before)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// markRead advances the caller's watermark. Without a messageId it reads up
// to the latest message.
func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := s.decode(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	messageID, err := parseMessageID(req.MessageID, "messageId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.chats.MarkAsRead(r.Context(), chi.URLParam(r, "chatId"), auth.UserID(r.Context()), messageID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) addParticipant(w http.ResponseWriter, r *http.Request) {
	var req addParticipantRequest
	if err := s.decode(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	added, err := s.chats.AddParticipant(r.Context(), chi.URLParam(r, "chatId"), auth.UserID(r.Context()), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"added": added})
}

func (s *Server) leaveChat(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.LeaveChat(r.Context(), chi.URLParam(r, "chatId"), auth.UserID(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
