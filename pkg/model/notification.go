package model

import (
	"time"

	"gorm.io/datatypes"
)

type NotificationType string

const (
	NotificationChatMessage    NotificationType = "chat_message"
	NotificationBookingCreated NotificationType = "booking_created"
	NotificationBookingUpdated NotificationType = "booking_updated"
	NotificationReviewReceived NotificationType = "review_received"
	NotificationJobCompleted   NotificationType = "job_completed"
	NotificationSystem         NotificationType = "system"
)

// Notification is the durable record behind every live notification push.
type Notification struct {
	ID        string           `gorm:"primaryKey;size:36" json:"id"`
	UserID    string           `gorm:"size:64;not null;index:idx_notifications_user_read" json:"userId"`
	Type      NotificationType `gorm:"size:32;not null" json:"type"`
	Title     string           `gorm:"size:200;not null" json:"title"`
	Message   string           `gorm:"type:text" json:"message"`
	Data      datatypes.JSON   `json:"data,omitempty"`
	ChatID    string           `gorm:"size:36;index" json:"chatId,omitempty"`
	IsRead    bool             `gorm:"not null;default:false;index:idx_notifications_user_read" json:"isRead"`
	ReadAt    *time.Time       `json:"readAt,omitempty"`
	CreatedAt time.Time        `gorm:"index" json:"createdAt"`
}
