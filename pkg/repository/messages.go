package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mahaj/tourbook-realtime/pkg/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, msg *model.ChatMessage) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("save message: %w", translate(err))
	}
	return nil
}

func (r *MessageRepository) Get(ctx context.Context, id int64) (*model.ChatMessage, error) {
	var msg model.ChatMessage
	if err := r.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// Page returns up to limit messages of the chat, newest first. A positive
// before restricts the page to ids strictly below it.
func (r *MessageRepository) Page(ctx context.Context, chatID string, before int64, limit int) ([]model.ChatMessage, error) {
	q := r.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if before > 0 {
		q = q.Where("id < ?", before)
	}
	var msgs []model.ChatMessage
	if err := q.Order("id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return msgs, nil
}

func (r *MessageRepository) Latest(ctx context.Context, chatID string) (*model.ChatMessage, error) {
	var msg model.ChatMessage
	err := r.db.WithContext(ctx).Where("chat_id = ?", chatID).Order("id DESC").First(&msg).Error
	if err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// CountUnread counts messages from other senders above the watermark.
func (r *MessageRepository) CountUnread(ctx context.Context, chatID, userID string, watermark int64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.ChatMessage{}).
		Where("chat_id = ? AND id > ? AND sender_id <> ?", chatID, watermark, userID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

type ReceiptRepository struct {
	db *gorm.DB
}

func NewReceiptRepository(db *gorm.DB) *ReceiptRepository {
	return &ReceiptRepository{db: db}
}

// Advance moves the user's watermark in the chat to messageID if that is
// higher than the stored one. It reports whether the watermark moved. The
// update is conditional, so concurrent calls can never move it backwards.
func (r *ReceiptRepository) Advance(ctx context.Context, userID, chatID string, messageID int64, at time.Time) (bool, error) {
	db := r.db.WithContext(ctx)

	moved, err := r.raise(db, userID, chatID, messageID, at)
	if err != nil || moved {
		return moved, err
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.MessageReadReceipt{
		UserID:            userID,
		ChatID:            chatID,
		LastReadMessageID: messageID,
		ReadAt:            at,
	})
	if res.Error != nil {
		return false, fmt.Errorf("insert read receipt: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// The row exists, either from before or from a concurrent insert.
	return r.raise(db, userID, chatID, messageID, at)
}

func (r *ReceiptRepository) raise(db *gorm.DB, userID, chatID string, messageID int64, at time.Time) (bool, error) {
	res := db.Model(&model.MessageReadReceipt{}).
		Where("user_id = ? AND chat_id = ? AND last_read_message_id < ?", userID, chatID, messageID).
		Updates(map[string]interface{}{"last_read_message_id": messageID, "read_at": at})
	if res.Error != nil {
		return false, fmt.Errorf("advance read receipt: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *ReceiptRepository) Get(ctx context.Context, userID, chatID string) (*model.MessageReadReceipt, error) {
	var rec model.MessageReadReceipt
	err := r.db.WithContext(ctx).Where("user_id = ? AND chat_id = ?", userID, chatID).First(&rec).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rec, nil
}

// Watermarks returns the user's last read message id per chat. Chats
// without a receipt are absent from the map.
func (r *ReceiptRepository) Watermarks(ctx context.Context, userID string, chatIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(chatIDs))
	if len(chatIDs) == 0 {
		return out, nil
	}
	var recs []model.MessageReadReceipt
	err := r.db.WithContext(ctx).Where("user_id = ? AND chat_id IN ?", userID, chatIDs).Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("load read receipts: %w", err)
	}
	for _, rec := range recs {
		out[rec.ChatID] = rec.LastReadMessageID
	}
	return out, nil
}
