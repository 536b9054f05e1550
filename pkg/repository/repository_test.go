package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/tourbook-realtime/pkg/config"
	"github.com/mahaj/tourbook-realtime/pkg/db"
	"github.com/mahaj/tourbook-realtime/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{Type: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

func newGroup(t *testing.T, repo *ChatRepository, creator string, others ...string) *model.Chat {
	t.Helper()
	now := time.Now().UTC()
	chat := &model.Chat{ID: uuid.NewString(), Type: model.ChatGroup, Name: "trip", CreatedBy: creator}
	for _, u := range append([]string{creator}, others...) {
		chat.Participants = append(chat.Participants, model.ChatParticipant{UserID: u, JoinedAt: now})
	}
	require.NoError(t, repo.Create(context.Background(), chat))
	return chat
}

func TestDirectKeyIsUnique(t *testing.T) {
	repo := NewChatRepository(setupTestDB(t))
	ctx := context.Background()
	key := model.DirectKey("alice", "bob")

	first := &model.Chat{ID: uuid.NewString(), Type: model.ChatDirect, DirectKey: &key, CreatedBy: "alice"}
	require.NoError(t, repo.Create(ctx, first))

	second := &model.Chat{ID: uuid.NewString(), Type: model.ChatDirect, DirectKey: &key, CreatedBy: "bob"}
	assert.ErrorIs(t, repo.Create(ctx, second), ErrDuplicate)

	found, err := repo.FindDirect(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	_, err = repo.FindDirect(ctx, model.DirectKey("x", "y"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParticipantsLeaveAndRejoin(t *testing.T) {
	repo := NewChatRepository(setupTestDB(t))
	ctx := context.Background()
	chat := newGroup(t, repo, "alice", "bob", "carol")

	ids, err := repo.ActiveParticipantIDs(ctx, chat.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, ids)

	left, err := repo.MarkLeft(ctx, chat.ID, "bob", time.Now())
	require.NoError(t, err)
	assert.True(t, left)
	left, err = repo.MarkLeft(ctx, chat.ID, "bob", time.Now())
	require.NoError(t, err)
	assert.False(t, left)

	ids, err = repo.ActiveParticipantIDs(ctx, chat.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "carol"}, ids)

	added, err := repo.AddParticipant(ctx, chat.ID, "bob", time.Now(), 100)
	require.NoError(t, err)
	assert.True(t, added)
	p, err := repo.Participant(ctx, chat.ID, "bob")
	require.NoError(t, err)
	assert.True(t, p.Active())

	added, err = repo.AddParticipant(ctx, chat.ID, "bob", time.Now(), 100)
	require.NoError(t, err)
	assert.False(t, added)
}

func TestAddParticipantCapacity(t *testing.T) {
	repo := NewChatRepository(setupTestDB(t))
	ctx := context.Background()
	chat := newGroup(t, repo, "alice", "bob")

	_, err := repo.AddParticipant(ctx, chat.ID, "carol", time.Now(), 2)
	assert.ErrorIs(t, err, ErrChatFull)

	added, err := repo.AddParticipant(ctx, chat.ID, "carol", time.Now(), 3)
	require.NoError(t, err)
	assert.True(t, added)
}

func TestAddParticipantConcurrentNeverExceedsCapacity(t *testing.T) {
	repo := NewChatRepository(setupTestDB(t))
	ctx := context.Background()
	chat := newGroup(t, repo, "alice", "bob")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		full int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := repo.AddParticipant(ctx, chat.ID, userID, time.Now(), 5)
			if errors.Is(err, ErrChatFull) {
				mu.Lock()
				full++
				mu.Unlock()
				return
			}
			assert.NoError(t, err)
		}(fmt.Sprintf("guest-%d", i))
	}
	wg.Wait()

	ids, err := repo.ActiveParticipantIDs(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 5)
	assert.Equal(t, 7, full)

	_, err = repo.AddParticipant(ctx, "missing", "guest", time.Now(), 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListForUserOrdersByActivity(t *testing.T) {
	repo := NewChatRepository(setupTestDB(t))
	ctx := context.Background()
	older := newGroup(t, repo, "alice", "bob")
	newer := newGroup(t, repo, "alice", "carol")
	newGroup(t, repo, "bob", "carol")

	require.NoError(t, repo.Touch(ctx, older.ID, time.Now().Add(time.Hour)))

	chats, err := repo.ListForUser(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, older.ID, chats[0].ID)
	assert.Equal(t, newer.ID, chats[1].ID)
	assert.Len(t, chats[0].Participants, 2)

	_, err = repo.MarkLeft(ctx, older.ID, "alice", time.Now())
	require.NoError(t, err)
	chats, err = repo.ListForUser(ctx, "alice", 10, 0)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, newer.ID, chats[0].ID)
}

func TestMessagePaging(t *testing.T) {
	gdb := setupTestDB(t)
	repo := NewMessageRepository(gdb)
	ctx := context.Background()

	for id := int64(1); id <= 5; id++ {
		sender := "alice"
		if id%2 == 0 {
			sender = "bob"
		}
		require.NoError(t, repo.Create(ctx, &model.ChatMessage{ID: id, ChatID: "c1", SenderID: sender, Content: "m", CreatedAt: time.Now()}))
	}
	require.NoError(t, repo.Create(ctx, &model.ChatMessage{ID: 6, ChatID: "c2", SenderID: "bob", Content: "other", CreatedAt: time.Now()}))

	page, err := repo.Page(ctx, "c1", 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []int64{5, 4}, []int64{page[0].ID, page[1].ID})

	page, err = repo.Page(ctx, "c1", 4, 10)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, int64(3), page[0].ID)

	latest, err := repo.Latest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest.ID)
	_, err = repo.Latest(ctx, "empty")
	assert.ErrorIs(t, err, ErrNotFound)

	unread, err := repo.CountUnread(ctx, "c1", "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), unread, "bob's messages 2 and 4")
}

func TestReceiptWatermarkNeverRegresses(t *testing.T) {
	repo := NewReceiptRepository(setupTestDB(t))
	ctx := context.Background()

	moved, err := repo.Advance(ctx, "alice", "c1", 10, time.Now())
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = repo.Advance(ctx, "alice", "c1", 5, time.Now())
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = repo.Advance(ctx, "alice", "c1", 10, time.Now())
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = repo.Advance(ctx, "alice", "c1", 12, time.Now())
	require.NoError(t, err)
	assert.True(t, moved)

	rec, err := repo.Get(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), rec.LastReadMessageID)

	marks, err := repo.Watermarks(ctx, "alice", []string{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"c1": 12}, marks)
}

func TestReceiptConcurrentAdvance(t *testing.T) {
	repo := NewReceiptRepository(setupTestDB(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for id := int64(1); id <= 20; id++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := repo.Advance(ctx, "alice", "c1", id, time.Now())
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	rec, err := repo.Get(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), rec.LastReadMessageID)
}

func TestNotifications(t *testing.T) {
	repo := NewNotificationRepository(setupTestDB(t))
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	mk := func(user, chat string, kind model.NotificationType, created time.Time) *model.Notification {
		n := &model.Notification{ID: uuid.NewString(), UserID: user, Type: kind, Title: "t", ChatID: chat, CreatedAt: created}
		require.NoError(t, repo.Create(ctx, n))
		return n
	}
	c1a := mk("alice", "c1", model.NotificationChatMessage, old)
	mk("alice", "c1", model.NotificationChatMessage, time.Now())
	c2 := mk("alice", "c2", model.NotificationChatMessage, time.Now())
	booking := mk("alice", "", model.NotificationBookingCreated, time.Now())
	mk("bob", "c1", model.NotificationChatMessage, time.Now())

	count, err := repo.UnreadCount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	n, err := repo.MarkChatRead(ctx, "alice", "c1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	unread, err := repo.List(ctx, "alice", true, 10, 0)
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	n, err = repo.MarkAllRead(ctx, "alice", []string{booking.ID}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = repo.MarkAllRead(ctx, "alice", nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, repo.MarkRead(ctx, c2.ID, time.Now()))
	got, err := repo.Get(ctx, c2.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.NotNil(t, got.ReadAt)

	gone, err := repo.DeleteReadBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), gone)
	_, err = repo.Get(ctx, c1a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := repo.Delete(ctx, "bob", booking.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
	deleted, err = repo.Delete(ctx, "alice", booking.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	bobCount, err := repo.UnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), bobCount)
}
