package repository

import (
	"context"
	"fmt"

	"github.com/mahaj/tourbook-realtime/pkg/db"
	"github.com/mahaj/tourbook-realtime/pkg/model"
)

// Timeline appends accepted messages to the ScyllaDB chat_messages table,
// partitioned by chat and clustered newest first.
type Timeline struct {
	session *db.Session
}

func NewTimeline(session *db.Session) *Timeline {
	return &Timeline{session: session}
}

func (t *Timeline) Append(ctx context.Context, msg *model.ChatMessage) error {
	query := `INSERT INTO chat_messages (chat_id, id, sender_id, content, mentioned_user_ids, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	err := t.session.Query(query,
		msg.ChatID, msg.ID, msg.SenderID, msg.Content, []string(msg.MentionedUserIDs), msg.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("append to timeline: %w", err)
	}
	return nil
}

// Recent reads up to limit messages of the chat from the timeline, newest
// first, below before when it is positive.
func (t *Timeline) Recent(ctx context.Context, chatID string, before int64, limit int) ([]model.ChatMessage, error) {
	query := `SELECT chat_id, id, sender_id, content, mentioned_user_ids, created_at FROM chat_messages WHERE chat_id = ? LIMIT ?`
	args := []interface{}{chatID, limit}
	if before > 0 {
		query = `SELECT chat_id, id, sender_id, content, mentioned_user_ids, created_at FROM chat_messages WHERE chat_id = ? AND id < ? LIMIT ?`
		args = []interface{}{chatID, before, limit}
	}
	iter := t.session.Query(query, args...).WithContext(ctx).Iter()

	var msgs []model.ChatMessage
	var msg model.ChatMessage
	var mentioned []string
	for iter.Scan(&msg.ChatID, &msg.ID, &msg.SenderID, &msg.Content, &mentioned, &msg.CreatedAt) {
		msg.MentionedUserIDs = append([]string(nil), mentioned...)
		msgs = append(msgs, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}
	return msgs, nil
}
