package model

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// Chat is a direct or group conversation thread.
type Chat struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Type      ChatType  `gorm:"size:16;not null;index" json:"type"`
	Name      string    `gorm:"size:100" json:"name,omitempty"`
	DirectKey *string   `gorm:"size:160;uniqueIndex" json:"-"`
	CreatedBy string    `gorm:"size:64;not null" json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `gorm:"index" json:"updatedAt"`

	Participants []ChatParticipant `gorm:"foreignKey:ChatID" json:"participants,omitempty"`
}

// ChatParticipant joins a user to a chat. A non-nil LeftAt means the user
// is no longer a delivery target.
type ChatParticipant struct {
	ChatID   string     `gorm:"primaryKey;size:36" json:"chatId"`
	UserID   string     `gorm:"primaryKey;size:64;index" json:"userId"`
	JoinedAt time.Time  `gorm:"not null" json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

func (p ChatParticipant) Active() bool {
	return p.LeftAt == nil
}

// ChatMessage is immutable once stored. IDs come from the snowflake
// generator, so ordering by ID is ordering by creation time.
type ChatMessage struct {
	ID               int64                       `gorm:"primaryKey;autoIncrement:false" json:"id,string"`
	ChatID           string                      `gorm:"size:36;not null;index:idx_chat_messages_chat" json:"chatId"`
	SenderID         string                      `gorm:"size:64;not null" json:"senderId"`
	Content          string                      `gorm:"type:text;not null" json:"content"`
	MentionedUserIDs datatypes.JSONSlice[string] `json:"mentionedUserIds"`
	CreatedAt        time.Time                   `gorm:"not null" json:"createdAt"`
}

// MessageReadReceipt is a per (user, chat) read watermark.
type MessageReadReceipt struct {
	UserID            string    `gorm:"primaryKey;size:64" json:"userId"`
	ChatID            string    `gorm:"primaryKey;size:36" json:"chatId"`
	LastReadMessageID int64     `gorm:"not null" json:"lastReadMessageId,string"`
	ReadAt            time.Time `json:"readAt"`
}

// DirectKey returns the unordered-pair key used to keep a single direct
// chat per pair of users. The first id is length-prefixed so ids that
// contain ':' cannot make two pairs share a key.
func DirectKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%s:%s", len(a), a, b)
}

// ChatSummary is the list view of a chat for one user.
type ChatSummary struct {
	Chat
	LastMessage *ChatMessage `json:"lastMessage,omitempty"`
	UnreadCount int64        `json:"unreadCount"`
}
