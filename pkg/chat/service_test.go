package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/mahaj/tourbook-realtime/pkg/apperr"
	"github.com/mahaj/tourbook-realtime/pkg/config"
	"github.com/mahaj/tourbook-realtime/pkg/db"
	"github.com/mahaj/tourbook-realtime/pkg/model"
	"github.com/mahaj/tourbook-realtime/pkg/notify"
	"github.com/mahaj/tourbook-realtime/pkg/repository"
	"github.com/mahaj/tourbook-realtime/pkg/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// recorder stands in for the connection registry. It counts every push
// attempt and reports the configured number of open connections.
type recorder struct {
	mu        sync.Mutex
	connected map[string]int
	attempts  map[string][]model.ServerEvent
}

func newRecorder() *recorder {
	return &recorder{connected: map[string]int{}, attempts: map[string][]model.ServerEvent{}}
}

func (r *recorder) SendToUser(userID string, ev model.ServerEvent) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[userID] = append(r.attempts[userID], ev)
	return r.connected[userID]
}

func (r *recorder) events(userID string, kind model.EventType) []model.ServerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ServerEvent
	for _, ev := range r.attempts[userID] {
		if ev.EventType() == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.attempts = map[string][]model.ServerEvent{}
	r.mu.Unlock()
}

type fixture struct {
	svc    *Service
	push   *recorder
	notify *notify.Dispatcher
	db     *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.Open(config.DatabaseConfig{Type: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() { _ = db.Close(gdb) })

	ids, err := snowflake.New(1)
	require.NoError(t, err)

	push := newRecorder()
	dispatcher := notify.New(repository.NewNotificationRepository(gdb), push, nil, nil)
	svc := New(Options{
		Chats:    repository.NewChatRepository(gdb),
		Messages: repository.NewMessageRepository(gdb),
		Receipts: repository.NewReceiptRepository(gdb),
		Push:     push,
		Notify:   dispatcher,
		IDs:      ids,
	})
	return &fixture{svc: svc, push: push, notify: dispatcher, db: gdb}
}

func (f *fixture) group(t *testing.T, creator string, others ...string) *model.Chat {
	t.Helper()
	chat, err := f.svc.CreateGroupChat(context.Background(), creator, "Lisbon walking tour", others)
	require.NoError(t, err)
	return chat
}

func (f *fixture) send(t *testing.T, chatID, sender, content string) *model.ChatMessage {
	t.Helper()
	msg, err := f.svc.SendMessage(context.Background(), chatID, sender, content, nil)
	require.NoError(t, err)
	return msg
}

func TestCreateDirectChatIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)
	second, err := f.svc.CreateDirectChat(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Participants, 2)

	var rows int64
	require.NoError(t, f.db.Model(&model.Chat{}).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)

	_, err = f.svc.CreateDirectChat(ctx, "alice", "alice")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCreateDirectChatConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			chat, err := f.svc.CreateDirectChat(ctx, a, b)
			if assert.NoError(t, err) {
				ids[i] = chat.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestLeftUserRejoinsDirectChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat, err := f.svc.CreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.svc.LeaveChat(ctx, chat.ID, "bob"))

	again, err := f.svc.CreateDirectChat(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, chat.ID, again.ID)
	f.send(t, chat.ID, "bob", "back again")
}

func TestCreateGroupChatLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	members := func(n int) []string {
		ids := []string{"creator"}
		for i := 1; i < n; i++ {
			ids = append(ids, fmt.Sprintf("user-%03d", i))
		}
		return ids
	}

	chat, err := f.svc.CreateGroupChat(ctx, "creator", "Big group", members(100))
	require.NoError(t, err)
	assert.Len(t, chat.Participants, 100)

	_, err = f.svc.CreateGroupChat(ctx, "creator", "Too big", members(101))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.CreateGroupChat(ctx, "creator", "Lonely", []string{"creator", " "})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.CreateGroupChat(ctx, "creator", "  ", []string{"bob"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	chat, err = f.svc.CreateGroupChat(ctx, "creator", "Dupes", []string{"bob", "bob", "carol"})
	require.NoError(t, err)
	assert.Len(t, chat.Participants, 3)
	assert.Len(t, f.push.events("bob", model.TypeParticipantAdded), 1)
}

func TestDirectMessageToOfflineUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.push.connected["alice"] = 2

	chat, err := f.svc.CreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)

	msg := f.send(t, chat.ID, "alice", "  Hello  ")
	assert.Equal(t, "Hello", msg.Content)
	assert.NotZero(t, msg.ID)

	// One push attempt for bob, which reaches nobody, and none for the sender.
	assert.Len(t, f.push.events("bob", model.TypeChatMessage), 1)
	assert.Empty(t, f.push.events("alice", model.TypeChatMessage))

	count, err := f.notify.GetUnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	list, err := f.notify.List(ctx, "bob", true, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.NotificationChatMessage, list[0].Type)
	assert.Equal(t, chat.ID, list[0].ChatID)

	aliceCount, err := f.notify.GetUnreadCount(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, aliceCount)

	page, err := f.svc.GetMessages(ctx, chat.ID, "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, msg.ID, page.Messages[0].ID)
	assert.False(t, page.HasMore)
}

func TestGroupMessageFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.group(t, "alice", "bob", "carol", "dave", "erin")
	require.NoError(t, f.svc.LeaveChat(ctx, chat.ID, "erin"))
	f.push.connected["bob"] = 1
	f.push.reset()

	f.send(t, chat.ID, "alice", "Meet at the tram stop")

	for _, user := range []string{"bob", "carol", "dave"} {
		assert.Len(t, f.push.events(user, model.TypeChatMessage), 1, user)
		n, err := f.notify.GetUnreadCount(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, user)
	}
	assert.Empty(t, f.push.events("erin", model.TypeChatMessage))
	n, err := f.notify.GetUnreadCount(ctx, "erin")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendMessageRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.group(t, "alice", "bob")

	_, err := f.svc.SendMessage(ctx, chat.ID, "mallory", "hi", nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.SendMessage(ctx, chat.ID, "alice", "   ", nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.SendMessage(ctx, chat.ID, "alice", strings.Repeat("a", DefaultMaxContentLength+1), nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.svc.SendMessage(ctx, "no-such-chat", "alice", "hi", nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, f.svc.LeaveChat(ctx, chat.ID, "bob"))
	_, err = f.svc.SendMessage(ctx, chat.ID, "bob", "still here?", nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	var rows int64
	require.NoError(t, f.db.Model(&model.ChatMessage{}).Count(&rows).Error)
	assert.Zero(t, rows)

	msg, err := f.svc.SendMessage(ctx, chat.ID, "alice", strings.Repeat("é", DefaultMaxContentLength), []string{"bob", "bob", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, []string(msg.MentionedUserIDs))
}

func TestGetMessagesPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.group(t, "alice", "bob")

	var sent []int64
	for i := 0; i < 7; i++ {
		sent = append(sent, f.send(t, chat.ID, "alice", fmt.Sprintf("m%d", i)).ID)
	}

	page, err := f.svc.GetMessages(ctx, chat.ID, "bob", 3, 0)
	require.NoError(t, err)
	require.True(t, page.HasMore)
	assert.Equal(t, sent[4:], ids(page.Messages))
	assert.Equal(t, sent[4], page.NextBefore)

	page, err = f.svc.GetMessages(ctx, chat.ID, "bob", 3, page.NextBefore)
	require.NoError(t, err)
	assert.Equal(t, sent[1:4], ids(page.Messages))

	page, err = f.svc.GetMessages(ctx, chat.ID, "bob", 3, page.NextBefore)
	require.NoError(t, err)
	assert.Equal(t, sent[:1], ids(page.Messages))
	assert.False(t, page.HasMore)
	assert.Zero(t, page.NextBefore)

	_, err = f.svc.GetMessages(ctx, chat.ID, "mallory", 3, 0)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.svc.GetMessages(ctx, "no-such-chat", "bob", 3, 0)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, f.svc.LeaveChat(ctx, chat.ID, "bob"))
	_, err = f.svc.GetMessages(ctx, chat.ID, "bob", 3, 0)
	assert.ErrorIs(t, err, apperr.ErrForbidden, "history closes once the user leaves")
}

func TestMessagesAreChronological(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.group(t, "alice", "bob", "carol")

	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob", "carol"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, err := f.svc.SendMessage(ctx, chat.ID, user, "hi", nil)
				assert.NoError(t, err)
			}
		}(user)
	}
	wg.Wait()

	page, err := f.svc.GetMessages(ctx, chat.ID, "alice", 100, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 15)
	for i := 1; i < len(page.Messages); i++ {
		assert.Less(t, page.Messages[i-1].ID, page.Messages[i].ID)
		assert.False(t, page.Messages[i].CreatedAt.Before(page.Messages[i-1].CreatedAt))
	}
}

func TestMarkAsReadWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.group(t, "alice", "bob", "carol")

	empty, err := f.svc.MarkAsRead(ctx, chat.ID, "bob", 0)
	require.NoError(t, err)
	assert.False(t, empty.Moved)
	assert.Zero(t, empty.LastReadMessageID)

	m1 := f.send(t, chat.ID, "alice", "one")
	m2 := f.send(t, chat.ID, "alice", "two")
	m3 := f.send(t, chat.ID, "alice", "three")
	f.push.reset()

	state, err := f.svc.MarkAsRead(ctx, chat.ID, "bob", m2.ID)
	require.NoError(t, err)
	assert.True(t, state.Moved)
	assert.Equal(t, m2.ID, state.LastReadMessageID)
	assert.Len(t, f.push.events("alice", model.TypeChatRead), 1)
	assert.Len(t, f.push.events("carol", model.TypeChatRead), 1)
	assert.Empty(t, f.push.events("bob", model.TypeChatRead))

	n, err := f.notify.GetUnreadCount(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, n, "chat notifications are marked read")

	state, err = f.svc.MarkAsRead(ctx, chat.ID, "bob", m1.ID)
	require.NoError(t, err)
	assert.False(t, state.Moved)
	assert.Equal(t, m2.ID, state.LastReadMessageID)
	assert.Len(t, f.push.events("alice", model.TypeChatRead), 1, "no event when the watermark stays")

	state, err = f.svc.MarkAsRead(ctx, chat.ID, "bob", 0)
	require.NoError(t, err)
	assert.True(t, state.Moved)
	assert.Equal(t, m3.ID, state.LastReadMessageID)

	other := f.group(t, "alice", "bob")
	foreign := f.send(t, other.ID, "alice", "elsewhere")
	_, err = f.svc.MarkAsRead(ctx, chat.ID, "bob", foreign.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.MarkAsRead(ctx, chat.ID, "bob", 12345)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.MarkAsRead(ctx, chat.ID, "mallory", 0)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestParticipantsChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.group(t, "alice", "bob")
	f.push.reset()

	added, err := f.svc.AddParticipant(ctx, chat.ID, "bob", "carol")
	require.NoError(t, err)
	assert.True(t, added)
	for _, user := range []string{"alice", "bob", "carol"} {
		assert.Len(t, f.push.events(user, model.TypeParticipantAdded), 1, user)
	}

	added, err = f.svc.AddParticipant(ctx, chat.ID, "alice", "carol")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = f.svc.AddParticipant(ctx, chat.ID, "mallory", "eve")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	direct, err := f.svc.CreateDirectChat(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = f.svc.AddParticipant(ctx, direct.ID, "alice", "carol")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	f.push.reset()
	require.NoError(t, f.svc.LeaveChat(ctx, chat.ID, "carol"))
	for _, user := range []string{"alice", "bob", "carol"} {
		assert.Len(t, f.push.events(user, model.TypeParticipantLeft), 1, user)
	}
	assert.ErrorIs(t, f.svc.LeaveChat(ctx, chat.ID, "carol"), apperr.ErrForbidden)

	added, err = f.svc.AddParticipant(ctx, chat.ID, "alice", "carol")
	require.NoError(t, err)
	assert.True(t, added, "a left participant can be re-added")
	f.send(t, chat.ID, "carol", "I'm back")
}

func TestAddParticipantRespectsCap(t *testing.T) {
	f := newFixture(t)
	f.svc.maxGroup = 3
	ctx := context.Background()
	chat := f.group(t, "alice", "bob", "carol")

	_, err := f.svc.AddParticipant(ctx, chat.ID, "alice", "dave")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestListAndGetChats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quiet := f.group(t, "alice", "bob")
	busy := f.group(t, "alice", "carol")

	f.send(t, quiet.ID, "bob", "hello")
	m := f.send(t, busy.ID, "carol", "first")
	f.send(t, busy.ID, "carol", "second")
	f.send(t, busy.ID, "alice", "mine")
	_, err := f.svc.MarkAsRead(ctx, busy.ID, "alice", m.ID)
	require.NoError(t, err)

	chats, err := f.svc.ListChats(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	byID := map[string]model.ChatSummary{}
	for _, c := range chats {
		byID[c.ID] = c
	}
	require.NotNil(t, byID[busy.ID].LastMessage)
	assert.Equal(t, "mine", byID[busy.ID].LastMessage.Content)
	assert.Equal(t, int64(1), byID[busy.ID].UnreadCount)
	assert.Equal(t, int64(1), byID[quiet.ID].UnreadCount)

	got, err := f.svc.GetChat(ctx, busy.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UnreadCount)

	_, err = f.svc.GetChat(ctx, busy.ID, "bob")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestSetTyping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := f.group(t, "alice", "bob")
	f.push.reset()

	require.NoError(t, f.svc.SetTyping(ctx, chat.ID, "alice", true))
	require.NoError(t, f.svc.SetTyping(ctx, chat.ID, "alice", false))
	assert.Len(t, f.push.events("bob", model.TypeChatTyping), 1)
	assert.Len(t, f.push.events("bob", model.TypeChatStopTyping), 1)
	assert.Empty(t, f.push.events("alice", model.TypeChatTyping))

	assert.ErrorIs(t, f.svc.SetTyping(ctx, chat.ID, "mallory", true), apperr.ErrForbidden)
}

func ids(msgs []model.ChatMessage) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
