// Package chat owns chat threads, messages and read watermarks. Every
// accepted message is stored first, then pushed live to the participants
// that are connected, and always recorded as a notification for each of
// them.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mahaj/tourbook-realtime/pkg/apperr"
	"github.com/mahaj/tourbook-realtime/pkg/metrics"
	"github.com/mahaj/tourbook-realtime/pkg/model"
	"github.com/mahaj/tourbook-realtime/pkg/notify"
	"github.com/mahaj/tourbook-realtime/pkg/repository"
	"github.com/mahaj/tourbook-realtime/pkg/snowflake"
	"go.uber.org/zap"
)

const (
	DefaultMaxContentLength = 5000
	DefaultMaxGroupSize     = 100

	maxNameLength    = 100
	previewLength    = 100
	defaultPageSize  = 50
	maxPageSize      = 100
	defaultListLimit = 20
)

// Pusher delivers an event to every open connection of a user.
type Pusher interface {
	SendToUser(userID string, ev model.ServerEvent) int
}

type Notifier interface {
	Notify(ctx context.Context, p notify.Params) (*model.Notification, error)
	MarkChatRead(ctx context.Context, userID, chatID string) (int64, error)
}

// Timeline receives a copy of every accepted message.
type Timeline interface {
	Append(ctx context.Context, msg *model.ChatMessage) error
}

// IDGenerator hands out snowflake message ids; a message's creation time
// is derived from its id.
type IDGenerator interface {
	Next() int64
}

type Options struct {
	Chats    *repository.ChatRepository
	Messages *repository.MessageRepository
	Receipts *repository.ReceiptRepository
	Push     Pusher
	Notify   Notifier
	Timeline Timeline
	IDs      IDGenerator
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	MaxContentLength int
	MaxGroupSize     int
}

type Service struct {
	chats    *repository.ChatRepository
	messages *repository.MessageRepository
	receipts *repository.ReceiptRepository
	push     Pusher
	notifier Notifier
	timeline Timeline
	ids      IDGenerator
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	maxContent int
	maxGroup   int
}

func New(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	maxContent := opts.MaxContentLength
	if maxContent <= 0 {
		maxContent = DefaultMaxContentLength
	}
	maxGroup := opts.MaxGroupSize
	if maxGroup <= 0 {
		maxGroup = DefaultMaxGroupSize
	}
	return &Service{
		chats:      opts.Chats,
		messages:   opts.Messages,
		receipts:   opts.Receipts,
		push:       opts.Push,
		notifier:   opts.Notify,
		timeline:   opts.Timeline,
		ids:        opts.IDs,
		log:        log.Named("chat"),
		metrics:    opts.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
		maxContent: maxContent,
		maxGroup:   maxGroup,
	}
}

// MessagePage is one page of a chat's history in ascending order.
// NextBefore is the cursor for the next (older) page.
type MessagePage struct {
	Messages   []model.ChatMessage `json:"messages"`
	HasMore    bool                `json:"hasMore"`
	NextBefore int64               `json:"nextBefore,string,omitempty"`
}

// ReadState is the outcome of MarkAsRead.
type ReadState struct {
	ChatID            string `json:"chatId"`
	LastReadMessageID int64  `json:"lastReadMessageId,string"`
	Moved             bool   `json:"moved"`
}

// CreateDirectChat returns the direct chat between the two users, creating
// it on first use. Argument order does not matter.
func (s *Service) CreateDirectChat(ctx context.Context, userA, userB string) (*model.Chat, error) {
	userA, userB = strings.TrimSpace(userA), strings.TrimSpace(userB)
	if userA == "" || userB == "" {
		return nil, apperr.Validation("both user ids are required")
	}
	if userA == userB {
		return nil, apperr.Validation("cannot start a direct chat with yourself")
	}

	key := model.DirectKey(userA, userB)
	existing, err := s.chats.FindDirect(ctx, key)
	switch {
	case err == nil:
		return s.rejoinDirect(ctx, existing, userA)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}

	now := s.now()
	chat := &model.Chat{
		ID:        uuid.NewString(),
		Type:      model.ChatDirect,
		DirectKey: &key,
		CreatedBy: userA,
		Participants: []model.ChatParticipant{
			{UserID: userA, JoinedAt: now},
			{UserID: userB, JoinedAt: now},
		},
	}
	if err := s.chats.Create(ctx, chat); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost a race with a concurrent create for the same pair.
			return s.chats.FindDirect(ctx, key)
		}
		return nil, err
	}
	s.log.Info("direct chat created", zap.String("chat_id", chat.ID))
	return chat, nil
}

// rejoinDirect reactivates userID in an existing direct chat they had left.
func (s *Service) rejoinDirect(ctx context.Context, chat *model.Chat, userID string) (*model.Chat, error) {
	p := findParticipant(chat, userID)
	if p == nil || p.Active() {
		return chat, nil
	}
	if _, err := s.chats.AddParticipant(ctx, chat.ID, userID, s.now(), 0); err != nil {
		return nil, err
	}
	return s.chats.Get(ctx, chat.ID)
}

// CreateGroupChat creates a group of creator plus participantIDs. The
// creator may or may not be listed; duplicates are ignored.
func (s *Service) CreateGroupChat(ctx context.Context, creator, name string, participantIDs []string) (*model.Chat, error) {
	creator = strings.TrimSpace(creator)
	name = strings.TrimSpace(name)
	if creator == "" {
		return nil, apperr.Validation("creator is required")
	}
	if name == "" {
		return nil, apperr.Validation("group name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, apperr.Validation("group name is too long", "at most %d characters", maxNameLength)
	}

	others := uniqueIDs(participantIDs, creator)
	if len(others) == 0 {
		return nil, apperr.Validation("a group needs at least one other participant")
	}
	if len(others)+1 > s.maxGroup {
		return nil, apperr.Validation("too many participants", "a group holds at most %d members including the creator", s.maxGroup)
	}

	now := s.now()
	chat := &model.Chat{
		ID:        uuid.NewString(),
		Type:      model.ChatGroup,
		Name:      name,
		CreatedBy: creator,
	}
	chat.Participants = append(chat.Participants, model.ChatParticipant{UserID: creator, JoinedAt: now})
	for _, id := range others {
		chat.Participants = append(chat.Participants, model.ChatParticipant{UserID: id, JoinedAt: now})
	}
	if err := s.chats.Create(ctx, chat); err != nil {
		return nil, err
	}

	for _, id := range others {
		s.push.SendToUser(id, model.ParticipantAddedEvent{ChatID: chat.ID, UserID: id, AddedBy: creator})
	}
	s.log.Info("group chat created", zap.String("chat_id", chat.ID), zap.Int("members", len(chat.Participants)))
	return chat, nil
}

// SendMessage stores a message and fans it out. Validation and membership
// are checked before anything is written; once stored the message is
// accepted even if nobody can be reached live.
func (s *Service) SendMessage(ctx context.Context, chatID, senderID, content string, mentioned []string) (*model.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperr.Validation("message content is required")
	}
	if utf8.RuneCountInString(content) > s.maxContent {
		return nil, apperr.Validation("message content is too long", "at most %d characters", s.maxContent)
	}

	chat, err := s.requireActive(ctx, chatID, senderID)
	if err != nil {
		return nil, err
	}

	id := s.ids.Next()
	msg := &model.ChatMessage{
		ID:               id,
		ChatID:           chat.ID,
		SenderID:         senderID,
		Content:          content,
		MentionedUserIDs: uniqueIDs(mentioned, ""),
		CreatedAt:        snowflake.Time(id).UTC(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}
	s.metrics.MessageSent()

	// The message is accepted; nothing below may fail the call or be
	// cancelled by the caller going away.
	ctx = context.WithoutCancel(ctx)

	if err := s.chats.Touch(ctx, chat.ID, msg.CreatedAt); err != nil {
		s.log.Warn("touch chat", zap.String("chat_id", chat.ID), zap.Error(err))
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, msg); err != nil {
			s.log.Warn("timeline append", zap.Int64("message_id", msg.ID), zap.Error(err))
		}
	}

	ev := model.ChatMessageEvent{Message: *msg, ChatType: chat.Type, ChatName: chat.Name}
	title := "New message"
	if chat.Type == model.ChatGroup {
		title = "New message in " + chat.Name
	}
	for _, p := range chat.Participants {
		if !p.Active() || p.UserID == senderID {
			continue
		}
		delivered := s.push.SendToUser(p.UserID, ev)
		_, err := s.notifier.Notify(ctx, notify.Params{
			UserID:  p.UserID,
			Type:    model.NotificationChatMessage,
			Title:   title,
			Message: preview(content),
			ChatID:  chat.ID,
			Data: map[string]string{
				"chatId":    chat.ID,
				"messageId": strconv.FormatInt(msg.ID, 10),
				"senderId":  senderID,
			},
		})
		if err != nil {
			s.log.Warn("chat notification",
				zap.String("chat_id", chat.ID),
				zap.String("user_id", p.UserID),
				zap.Error(err),
			)
		}
		s.log.Debug("message routed",
			zap.String("chat_id", chat.ID),
			zap.String("user_id", p.UserID),
			zap.Int("connections", delivered),
		)
	}
	return msg, nil
}

// GetMessages pages backwards through history: the page holds the newest
// messages below before (or the newest overall) and is returned oldest
// first.
func (s *Service) GetMessages(ctx context.Context, chatID, requester string, limit int, before int64) (*MessagePage, error) {
	if err := s.requireMember(ctx, chatID, requester); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	msgs, err := s.messages.Page(ctx, chatID, before, limit+1)
	if err != nil {
		return nil, err
	}
	page := &MessagePage{Messages: msgs}
	if len(msgs) > limit {
		page.Messages = msgs[:limit]
		page.HasMore = true
	}
	reverse(page.Messages)
	if page.HasMore {
		page.NextBefore = page.Messages[0].ID
	}
	if page.Messages == nil {
		page.Messages = []model.ChatMessage{}
	}
	return page, nil
}

// MarkAsRead advances the user's watermark to messageID, or to the latest
// message when messageID is zero. The watermark never moves backwards.
func (s *Service) MarkAsRead(ctx context.Context, chatID, userID string, messageID int64) (*ReadState, error) {
	chat, err := s.requireActive(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}

	var target *model.ChatMessage
	if messageID > 0 {
		target, err = s.messages.Get(ctx, messageID)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && target.ChatID != chatID) {
			return nil, apperr.NotFound("message")
		}
	} else {
		target, err = s.messages.Latest(ctx, chatID)
		if errors.Is(err, repository.ErrNotFound) {
			return s.readState(ctx, chatID, userID, false)
		}
	}
	if err != nil {
		return nil, err
	}

	at := s.now()
	moved, err := s.receipts.Advance(ctx, userID, chatID, target.ID, at)
	if err != nil {
		return nil, err
	}
	if _, err := s.notifier.MarkChatRead(ctx, userID, chatID); err != nil {
		s.log.Warn("mark chat notifications read", zap.String("chat_id", chatID), zap.Error(err))
	}

	state, err := s.readState(ctx, chatID, userID, moved)
	if err != nil {
		return nil, err
	}
	if moved {
		ev := model.ChatReadEvent{ChatID: chatID, UserID: userID, MessageID: state.LastReadMessageID, ReadAt: at}
		s.pushToActive(chat.Participants, userID, ev)
	}
	return state, nil
}

// AddParticipant adds newUserID to a group chat on behalf of actingUser.
// Adding someone who is already active is a no-op and reports false.
func (s *Service) AddParticipant(ctx context.Context, chatID, actingUser, newUserID string) (bool, error) {
	newUserID = strings.TrimSpace(newUserID)
	if newUserID == "" {
		return false, apperr.Validation("userId is required")
	}
	chat, err := s.requireActive(ctx, chatID, actingUser)
	if err != nil {
		return false, err
	}
	if chat.Type != model.ChatGroup {
		return false, apperr.Validation("participants can only be added to group chats")
	}

	added, err := s.chats.AddParticipant(ctx, chatID, newUserID, s.now(), s.maxGroup)
	if errors.Is(err, repository.ErrChatFull) {
		return false, apperr.Validation("too many participants", "a group holds at most %d members", s.maxGroup)
	}
	if err != nil || !added {
		return false, err
	}

	ids, err := s.chats.ActiveParticipantIDs(ctx, chatID)
	if err != nil {
		s.log.Warn("load participants", zap.String("chat_id", chatID), zap.Error(err))
		return true, nil
	}
	ev := model.ParticipantAddedEvent{ChatID: chatID, UserID: newUserID, AddedBy: actingUser}
	for _, id := range ids {
		s.push.SendToUser(id, ev)
	}
	return true, nil
}

// LeaveChat removes userID from the chat's delivery targets.
func (s *Service) LeaveChat(ctx context.Context, chatID, userID string) error {
	if err := s.requireMember(ctx, chatID, userID); err != nil {
		return err
	}
	if _, err := s.chats.MarkLeft(ctx, chatID, userID, s.now()); err != nil {
		return err
	}

	ids, err := s.chats.ActiveParticipantIDs(ctx, chatID)
	if err != nil {
		s.log.Warn("load participants", zap.String("chat_id", chatID), zap.Error(err))
		ids = nil
	}
	ev := model.ParticipantLeftEvent{ChatID: chatID, UserID: userID}
	for _, id := range append(ids, userID) {
		s.push.SendToUser(id, ev)
	}
	return nil
}

// ListChats returns the chats the user is active in, most recent first,
// with their last message and the user's unread count.
func (s *Service) ListChats(ctx context.Context, userID string, limit, offset int) ([]model.ChatSummary, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	chats, err := s.chats.ListForUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(chats))
	for i, c := range chats {
		ids[i] = c.ID
	}
	marks, err := s.receipts.Watermarks(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	out := make([]model.ChatSummary, 0, len(chats))
	for _, c := range chats {
		sum, err := s.summarize(ctx, c, userID, marks[c.ID])
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Service) GetChat(ctx context.Context, chatID, userID string) (*model.ChatSummary, error) {
	chat, err := s.requireActive(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	var mark int64
	rec, err := s.receipts.Get(ctx, userID, chatID)
	switch {
	case err == nil:
		mark = rec.LastReadMessageID
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	sum, err := s.summarize(ctx, *chat, userID, mark)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// SetTyping relays a typing indicator to the other active participants.
func (s *Service) SetTyping(ctx context.Context, chatID, userID string, typing bool) error {
	chat, err := s.requireActive(ctx, chatID, userID)
	if err != nil {
		return err
	}
	s.pushToActive(chat.Participants, userID, model.TypingEvent{ChatID: chatID, UserID: userID, Typing: typing})
	return nil
}

func (s *Service) requireActive(ctx context.Context, chatID, userID string) (*model.Chat, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, apperr.Validation("chatId is required")
	}
	chat, err := s.chats.Get(ctx, chatID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("chat")
	}
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", chatID, err)
	}
	p := findParticipant(chat, userID)
	if p == nil || !p.Active() {
		return nil, apperr.Forbidden("you are not a participant of this chat")
	}
	return chat, nil
}

// requireMember is requireActive for callers that never need the chat
// itself: it reads only the caller's participant row and falls back to the
// full load to tell an unknown chat from a non-member.
func (s *Service) requireMember(ctx context.Context, chatID, userID string) error {
	if strings.TrimSpace(chatID) == "" {
		return apperr.Validation("chatId is required")
	}
	p, err := s.chats.Participant(ctx, chatID, userID)
	switch {
	case err == nil && p.Active():
		return nil
	case err == nil:
		return apperr.Forbidden("you are not a participant of this chat")
	case errors.Is(err, repository.ErrNotFound):
		_, err = s.requireActive(ctx, chatID, userID)
		return err
	default:
		return fmt.Errorf("load participant %s: %w", chatID, err)
	}
}

func (s *Service) readState(ctx context.Context, chatID, userID string, moved bool) (*ReadState, error) {
	state := &ReadState{ChatID: chatID, Moved: moved}
	rec, err := s.receipts.Get(ctx, userID, chatID)
	switch {
	case err == nil:
		state.LastReadMessageID = rec.LastReadMessageID
	case !errors.Is(err, repository.ErrNotFound):
		return nil, err
	}
	return state, nil
}

func (s *Service) summarize(ctx context.Context, chat model.Chat, userID string, watermark int64) (model.ChatSummary, error) {
	sum := model.ChatSummary{Chat: chat}
	last, err := s.messages.Latest(ctx, chat.ID)
	switch {
	case err == nil:
		sum.LastMessage = last
	case !errors.Is(err, repository.ErrNotFound):
		return sum, err
	}
	if sum.LastMessage == nil {
		return sum, nil
	}
	sum.UnreadCount, err = s.messages.CountUnread(ctx, chat.ID, userID, watermark)
	return sum, err
}

func (s *Service) pushToActive(participants []model.ChatParticipant, exceptUserID string, ev model.ServerEvent) {
	for _, p := range participants {
		if p.Active() && p.UserID != exceptUserID {
			s.push.SendToUser(p.UserID, ev)
		}
	}
}

func findParticipant(chat *model.Chat, userID string) *model.ChatParticipant {
	for i := range chat.Participants {
		if chat.Participants[i].UserID == userID {
			return &chat.Participants[i]
		}
	}
	return nil
}

// uniqueIDs trims, drops empties and exclude, and keeps first occurrences.
func uniqueIDs(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	return string([]rune(content)[:previewLength]) + "…"
}

func reverse(msgs []model.ChatMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
