package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mahaj/tourbook-realtime/pkg/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// Create stores the chat and its Participants in one transaction. A
// direct chat that already exists for the pair fails with ErrDuplicate.
func (r *ChatRepository) Create(ctx context.Context, chat *model.Chat) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(chat).Error; err != nil {
			return err
		}
		if len(chat.Participants) == 0 {
			return nil
		}
		for i := range chat.Participants {
			chat.Participants[i].ChatID = chat.ID
		}
		return tx.Create(&chat.Participants).Error
	})
	if err != nil {
		return fmt.Errorf("create chat: %w", translate(err))
	}
	return nil
}

func (r *ChatRepository) Get(ctx context.Context, chatID string) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.WithContext(ctx).Preload("Participants").First(&chat, "id = ?", chatID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &chat, nil
}

func (r *ChatRepository) FindDirect(ctx context.Context, directKey string) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.WithContext(ctx).Preload("Participants").Where("direct_key = ?", directKey).First(&chat).Error
	if err != nil {
		return nil, translate(err)
	}
	return &chat, nil
}

func (r *ChatRepository) Participant(ctx context.Context, chatID, userID string) (*model.ChatParticipant, error) {
	var p model.ChatParticipant
	err := r.db.WithContext(ctx).Where("chat_id = ? AND user_id = ?", chatID, userID).First(&p).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (r *ChatRepository) ActiveParticipantIDs(ctx context.Context, chatID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.ChatParticipant{}).
		Where("chat_id = ? AND left_at IS NULL", chatID).
		Order("joined_at, user_id").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return ids, nil
}

// AddParticipant makes userID an active participant. It reports false when
// the user already was one, and fails with ErrChatFull when the chat holds
// capacity active participants. Concurrent adds to one chat are serialised
// on the chat row, so the capacity check and the insert cannot interleave.
func (r *ChatRepository) AddParticipant(ctx context.Context, chatID, userID string, at time.Time, capacity int) (bool, error) {
	added := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockChat(tx, chatID); err != nil {
			return err
		}

		var existing model.ChatParticipant
		err := tx.Where("chat_id = ? AND user_id = ?", chatID, userID).First(&existing).Error
		found := err == nil
		if err != nil && !errors.Is(translate(err), ErrNotFound) {
			return err
		}
		if found && existing.Active() {
			return nil
		}

		var active int64
		if err := tx.Model(&model.ChatParticipant{}).
			Where("chat_id = ? AND left_at IS NULL", chatID).
			Count(&active).Error; err != nil {
			return err
		}
		if capacity > 0 && active >= int64(capacity) {
			return ErrChatFull
		}

		if found {
			err = tx.Model(&model.ChatParticipant{}).
				Where("chat_id = ? AND user_id = ?", chatID, userID).
				Updates(map[string]interface{}{"left_at": nil, "joined_at": at}).Error
		} else {
			err = tx.Create(&model.ChatParticipant{ChatID: chatID, UserID: userID, JoinedAt: at}).Error
		}
		if err != nil {
			return err
		}
		added = true
		return tx.Model(&model.Chat{}).Where("id = ?", chatID).UpdateColumn("updated_at", at).Error
	})
	if err != nil {
		if errors.Is(err, ErrChatFull) {
			return false, err
		}
		return false, fmt.Errorf("add participant: %w", translate(err))
	}
	return added, nil
}

// lockChat takes a row lock on the chat for the rest of the transaction.
// SQLite has no row locks; it already admits a single writer at a time.
func lockChat(tx *gorm.DB, chatID string) error {
	q := tx.Model(&model.Chat{}).Select("id")
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var chat model.Chat
	return q.Where("id = ?", chatID).Take(&chat).Error
}

// MarkLeft sets left_at for an active participant and reports whether a
// row changed.
func (r *ChatRepository) MarkLeft(ctx context.Context, chatID, userID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.ChatParticipant{}).
		Where("chat_id = ? AND user_id = ? AND left_at IS NULL", chatID, userID).
		Update("left_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("leave chat: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Touch records activity on the chat for list ordering.
func (r *ChatRepository) Touch(ctx context.Context, chatID string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&model.Chat{}).Where("id = ?", chatID).UpdateColumn("updated_at", at).Error
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// ListForUser returns the chats userID is active in, most recent activity
// first.
func (r *ChatRepository) ListForUser(ctx context.Context, userID string, limit, offset int) ([]model.Chat, error) {
	var chats []model.Chat
	err := r.db.WithContext(ctx).
		Joins("JOIN chat_participants cp ON cp.chat_id = chats.id AND cp.user_id = ? AND cp.left_at IS NULL", userID).
		Preload("Participants").
		Order("chats.updated_at DESC, chats.id").
		Limit(limit).
		Offset(offset).
		Find(&chats).Error
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}
