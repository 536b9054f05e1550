// Package notify persists notifications and pushes them to the owner's
// live connections. The stored row is authoritative; the push is a
// best-effort extra.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/tourbook-realtime/pkg/apperr"
	"github.com/mahaj/tourbook-realtime/pkg/metrics"
	"github.com/mahaj/tourbook-realtime/pkg/model"
	"github.com/mahaj/tourbook-realtime/pkg/repository"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Pusher delivers an event to every open connection of a user and reports
// how many writes succeeded.
type Pusher interface {
	SendToUser(userID string, ev model.ServerEvent) int
}

// Store is the persistence the dispatcher needs.
type Store interface {
	Create(ctx context.Context, n *model.Notification) error
	Get(ctx context.Context, id string) (*model.Notification, error)
	List(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]model.Notification, error)
	MarkRead(ctx context.Context, id string, at time.Time) error
	MarkAllRead(ctx context.Context, userID string, ids []string, at time.Time) (int64, error)
	MarkChatRead(ctx context.Context, userID, chatID string, at time.Time) (int64, error)
	UnreadCount(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, userID, id string) (bool, error)
	DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Params describes one notification. Data is marshalled to JSON as is.
type Params struct {
	UserID  string
	Type    model.NotificationType
	Title   string
	Message string
	Data    any
	ChatID  string
}

type Dispatcher struct {
	store   Store
	push    Pusher
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store Store, push Pusher, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		store:   store,
		push:    push,
		log:     log.Named("notify"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Notify persists the notification and then pushes it live. A failed push
// never undoes the stored row.
func (d *Dispatcher) Notify(ctx context.Context, p Params) (*model.Notification, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return nil, apperr.Validation("userId is required")
	}
	if p.Type == "" {
		return nil, apperr.Validation("notification type is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, apperr.Validation("title is required")
	}

	n := &model.Notification{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		Type:      p.Type,
		Title:     p.Title,
		Message:   p.Message,
		ChatID:    p.ChatID,
		CreatedAt: d.now(),
	}
	if p.Data != nil {
		raw, err := json.Marshal(p.Data)
		if err != nil {
			return nil, apperr.Validation("notification data is not valid JSON", "%s", err.Error())
		}
		n.Data = raw
	}

	if err := d.store.Create(ctx, n); err != nil {
		return nil, err
	}
	d.metrics.NotificationCreated(string(n.Type))

	if d.push != nil {
		delivered := d.push.SendToUser(n.UserID, model.NotificationEvent{Notification: *n})
		d.log.Debug("notification pushed",
			zap.String("user_id", n.UserID),
			zap.String("notification_id", n.ID),
			zap.Int("connections", delivered),
		)
	}
	return n, nil
}

// MarkRead moves a notification of userID to read. Already read rows are
// returned unchanged.
func (d *Dispatcher) MarkRead(ctx context.Context, userID, id string) (*model.Notification, error) {
	n, err := d.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if n.IsRead {
		return n, nil
	}
	at := d.now()
	if err := d.store.MarkRead(ctx, id, at); err != nil {
		return nil, err
	}
	n.IsRead = true
	n.ReadAt = &at
	return n, nil
}

// MarkAllRead marks ids read, or every unread notification of the user
// when ids is empty. It returns how many rows changed.
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string, ids []string) (int64, error) {
	return d.store.MarkAllRead(ctx, userID, ids, d.now())
}

// MarkChatRead marks the user's chat-message notifications of one chat read.
func (d *Dispatcher) MarkChatRead(ctx context.Context, userID, chatID string) (int64, error) {
	return d.store.MarkChatRead(ctx, userID, chatID, d.now())
}

func (d *Dispatcher) GetUnreadCount(ctx context.Context, userID string) (int64, error) {
	return d.store.UnreadCount(ctx, userID)
}

func (d *Dispatcher) List(ctx context.Context, userID string, unreadOnly bool, limit, offset int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return d.store.List(ctx, userID, unreadOnly, limit, offset)
}

func (d *Dispatcher) Delete(ctx context.Context, userID, id string) error {
	if _, err := d.owned(ctx, userID, id); err != nil {
		return err
	}
	if _, err := d.store.Delete(ctx, userID, id); err != nil {
		return err
	}
	return nil
}

// Cleanup deletes read notifications older than olderThan.
func (d *Dispatcher) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	removed, err := d.store.DeleteReadBefore(ctx, d.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup notifications: %w", err)
	}
	return removed, nil
}

func (d *Dispatcher) owned(ctx context.Context, userID, id string) (*model.Notification, error) {
	n, err := d.store.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("notification")
	}
	if err != nil {
		return nil, err
	}
	if n.UserID != userID {
		return nil, apperr.Forbidden("notification belongs to another user")
	}
	return n, nil
}
