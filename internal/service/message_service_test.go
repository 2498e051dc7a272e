package service_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/internal/service"
)

// MockMessageRepo lets tests stall or fail the store.
type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Append(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageRepo) Get(ctx context.Context, roomID string, seq int64) (domain.Message, error) {
	args := m.Called(ctx, roomID, seq)
	return args.Get(0).(domain.Message), args.Error(1)
}

func (m *MockMessageRepo) ListBefore(ctx context.Context, roomID string, beforeSeq int64, limit int) ([]domain.Message, error) {
	args := m.Called(ctx, roomID, beforeSeq, limit)
	return args.Get(0).([]domain.Message), args.Error(1)
}

func (m *MockMessageRepo) ListUnread(ctx context.Context, roomID, userID string, afterSeq int64, limit int) ([]domain.Message, error) {
	args := m.Called(ctx, roomID, userID, afterSeq, limit)
	return args.Get(0).([]domain.Message), args.Error(1)
}

func (m *MockMessageRepo) Edit(ctx context.Context, roomID string, seq int64, content string, at time.Time) (domain.Message, error) {
	args := m.Called(ctx, roomID, seq, content, at)
	return args.Get(0).(domain.Message), args.Error(1)
}

func (m *MockMessageRepo) SoftDelete(ctx context.Context, roomID string, seq int64, at time.Time) (domain.Message, error) {
	args := m.Called(ctx, roomID, seq, at)
	return args.Get(0).(domain.Message), args.Error(1)
}

func TestAppend_ConcurrentSendersGetContiguousSequence(t *testing.T) {
	f := newFixture(t)
	room, err := f.rooms.CreateOrGetDirectRoom(context.Background(), "a", "b")
	require.NoError(t, err)

	const perSender = 25
	var wg sync.WaitGroup
	for _, sender := range []string{"a", "b"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_, err := f.messages.Append(context.Background(), service.SendInput{
					RoomID: room.ID, SenderID: sender, Content: "msg",
				})
				assert.NoError(t, err)
			}
		}(sender)
	}
	wg.Wait()

	published := f.broadcast.published()
	require.Len(t, published, 2*perSender)
	for i, out := range published {
		assert.Equal(t, int64(i+1), out.Message.ID, "fan-out must follow sequence order")
	}

	page, err := f.messages.History(context.Background(), "a", room.ID, "", 200)
	require.NoError(t, err)
	require.Len(t, page.Items, 2*perSender)
	for i, m := range page.Items {
		assert.Equal(t, int64(2*perSender-i), m.ID)
	}
}

func TestAppend_Validation(t *testing.T) {
	f := newFixture(t)
	f.messages.MaxContentLength = 5
	room, err := f.rooms.CreateOrGetDirectRoom(context.Background(), "a", "b")
	require.NoError(t, err)

	tests := []struct {
		name  string
		in    service.SendInput
		field string
	}{
		{"empty", service.SendInput{Content: "   "}, "content"},
		{"too long", service.SendInput{Content: "héllo!"}, "content"},
		{"system type", service.SendInput{Content: "hi", Type: domain.MessageTypeSystem}, "type"},
		{"unknown type", service.SendInput{Content: "hi", Type: "video"}, "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.RoomID, tt.in.SenderID = room.ID, "a"
			_, err := f.messages.Append(context.Background(), tt.in)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
			var derr *domain.Error
			require.ErrorAs(t, err, &derr)
			require.NotNil(t, derr.Field)
			assert.Equal(t, tt.field, *derr.Field)
		})
	}

	m, err := f.messages.Append(context.Background(), service.SendInput{RoomID: room.ID, SenderID: "a", Content: "héllo", Type: domain.MessageTypeImage})
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeImage, m.Type)
	assert.Len(t, f.broadcast.published(), 1)
}

func TestAppend_OutsiderIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateOrGetDirectRoom(ctx, "x", "y")
	require.NoError(t, err)

	_, err = f.messages.Append(ctx, service.SendInput{RoomID: room.ID, SenderID: "z", Content: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotMember)
	assert.Equal(t, "not a member", domain.Reason(err))
	assert.Empty(t, f.broadcast.published())

	got, err := f.roomRepo.GetByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.LastSeq)

	_, err = f.messages.Append(ctx, service.SendInput{RoomID: "nope", SenderID: "x", Content: "hi"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppend_StoreTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	room, err := f.rooms.CreateOrGetDirectRoom(context.Background(), "x", "y")
	require.NoError(t, err)

	slow := new(MockMessageRepo)
	slow.On("Append", mock.Anything, mock.AnythingOfType("*domain.Message")).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.DeadlineExceeded)

	bc := &recorder{}
	svc := service.NewMessageService(f.roomRepo, slow, bc, metrics.New(), discardLogger())
	svc.PersistTimeout = 20 * time.Millisecond

	_, err = svc.Append(context.Background(), service.SendInput{RoomID: room.ID, SenderID: "x", Content: "hi"})
	require.ErrorIs(t, err, domain.ErrTransient)
	assert.Empty(t, bc.published())
	slow.AssertExpectations(t)
}

func TestPostSystem_BypassesMembership(t *testing.T) {
	f := newFixture(t)
	room, err := f.rooms.CreateOrGetDirectRoom(context.Background(), "x", "y")
	require.NoError(t, err)

	m, err := f.messages.PostSystem(context.Background(), room.ID, "moderator", "room archived")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageTypeSystem, m.Type)
	assert.Equal(t, int64(1), m.ID)
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateOrGetDirectRoom(ctx, "x", "y")
	require.NoError(t, err)
	f.send(t, room.ID, "x", "frist")

	_, err = f.messages.Edit(ctx, "y", room.ID, 1, "mine")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.messages.Edit(ctx, "x", room.ID, 9, "first")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.messages.Edit(ctx, "x", room.ID, 1, strings.Repeat("a", f.messages.MaxContentLength+1))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	edited, err := f.messages.Edit(ctx, "x", room.ID, 1, "first")
	require.NoError(t, err)
	assert.Equal(t, "first", edited.Content)
	require.Len(t, edited.Edits, 1)
	assert.Equal(t, "frist", edited.Edits[0].Content)

	_, err = f.messages.Delete(ctx, "y", room.ID, 1)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	deleted, err := f.messages.Delete(ctx, "x", room.ID, 1)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Empty(t, deleted.Content)

	again, err := f.messages.Delete(ctx, "x", room.ID, 1)
	require.NoError(t, err)
	assert.True(t, again.IsDeleted)

	_, err = f.messages.Edit(ctx, "x", room.ID, 1, "resurrect")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	f.broadcast.mu.Lock()
	defer f.broadcast.mu.Unlock()
	assert.Len(t, f.broadcast.edited, 1)
	assert.Len(t, f.broadcast.deleted, 1)
}

func TestHistory_Paging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateOrGetDirectRoom(ctx, "x", "y")
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		f.send(t, room.ID, "x", "m")
	}

	_, err = f.messages.History(ctx, "z", room.ID, "", 3)
	assert.ErrorIs(t, err, domain.ErrNotMember)

	var seen []int64
	cursor := ""
	for {
		page, err := f.messages.History(ctx, "y", room.ID, cursor, 3)
		require.NoError(t, err)
		for _, m := range page.Items {
			seen = append(seen, m.ID)
		}
		if !page.HasMore {
			assert.Nil(t, page.NextCursor)
			break
		}
		cursor = *page.NextCursor
	}
	assert.Equal(t, []int64{7, 6, 5, 4, 3, 2, 1}, seen)

	other, err := f.rooms.CreateOrGetDirectRoom(ctx, "x", "w")
	require.NoError(t, err)
	page, err := f.messages.History(ctx, "y", room.ID, "", 3)
	require.NoError(t, err)
	_, err = f.messages.History(ctx, "x", other.ID, *page.NextCursor, 3)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestBacklog(t *testing.T) {
	f := newFixture(t)
	f.messages.BacklogPageSize = 2
	room, err := f.rooms.CreateOrGetDirectRoom(context.Background(), "x", "y")
	require.NoError(t, err)

	none, err := f.messages.Backlog(context.Background(), f.participant(t, room.ID, "y"))
	require.NoError(t, err)
	assert.Empty(t, none)

	for i := 0; i < 3; i++ {
		f.send(t, room.ID, "x", "m")
	}
	f.send(t, room.ID, "y", "reply")

	backlog, err := f.messages.Backlog(context.Background(), f.participant(t, room.ID, "y"))
	require.NoError(t, err)
	require.Len(t, backlog, 2)
	assert.Equal(t, int64(2), backlog[0].ID)
	assert.Equal(t, int64(3), backlog[1].ID)
}

func TestBacklog_LateJoinerGetsOnlyNewMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateRoom(ctx, "owner", service.CreateRoomInput{
		Kind:           domain.RoomKindGroup,
		ParticipantIDs: []string{"a"},
	})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		f.send(t, room.ID, "owner", "before")
	}

	// seq 6 is the join notice, seq 7 the first message after it.
	_, err = f.rooms.AddParticipant(ctx, "owner", room.ID, "c", domain.RoleMember)
	require.NoError(t, err)
	f.send(t, room.ID, "owner", "after")

	c := f.participant(t, room.ID, "c")
	assert.Equal(t, int64(5), c.LastReadSeq)
	assert.Equal(t, 2, c.UnreadCount)

	backlog, err := f.messages.Backlog(ctx, c)
	require.NoError(t, err)
	require.Len(t, backlog, 2)
	assert.Equal(t, int64(6), backlog[0].ID)
	assert.Equal(t, int64(7), backlog[1].ID)

	unread := c.UnreadCount
	for _, upto := range []int64{2, 6, 7} {
		res, err := f.receipts.RecordRead(ctx, room.ID, "c", upto)
		require.NoError(t, err)
		assert.LessOrEqual(t, res.UnreadCount, unread, "read up to %d", upto)
		unread = res.UnreadCount
	}
	assert.Equal(t, 0, unread)

	old, err := f.msgRepo.Get(ctx, room.ID, 3)
	require.NoError(t, err)
	_, read := old.ReadAt("c")
	assert.False(t, read)
}

func TestBacklog_ReaddedParticipantSkipsAbsence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateRoom(ctx, "owner", service.CreateRoomInput{
		Kind:           domain.RoomKindGroup,
		ParticipantIDs: []string{"c"},
	})
	require.NoError(t, err)
	f.send(t, room.ID, "owner", "while here")

	require.NoError(t, f.rooms.RemoveParticipant(ctx, "owner", room.ID, "c"))
	away := f.send(t, room.ID, "owner", "while away")

	_, err = f.rooms.AddParticipant(ctx, "owner", room.ID, "c", domain.RoleMember)
	require.NoError(t, err)

	c := f.participant(t, room.ID, "c")
	assert.Equal(t, away.ID, c.LastReadSeq)
	backlog, err := f.messages.Backlog(ctx, c)
	require.NoError(t, err)
	require.Len(t, backlog, c.UnreadCount)
	for _, m := range backlog {
		assert.Greater(t, m.ID, away.ID)
	}
}

func TestDelete_DropsUnreadCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateOrGetDirectRoom(ctx, "x", "y")
	require.NoError(t, err)
	f.send(t, room.ID, "x", "keep")
	gone := f.send(t, room.ID, "x", "oops")
	require.Equal(t, 2, f.participant(t, room.ID, "y").UnreadCount)

	_, err = f.messages.Delete(ctx, "x", room.ID, gone.ID)
	require.NoError(t, err)
	_, err = f.messages.Delete(ctx, "x", room.ID, gone.ID)
	require.NoError(t, err)

	y := f.participant(t, room.ID, "y")
	assert.Equal(t, 1, y.UnreadCount)
	backlog, err := f.messages.Backlog(ctx, y)
	require.NoError(t, err)
	assert.Len(t, backlog, y.UnreadCount)

	res, err := f.receipts.RecordRead(ctx, room.ID, "y", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, res.UnreadCount)
}
