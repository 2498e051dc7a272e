package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/service"
)

func TestCreateOrGetDirectRoom_Concurrent(t *testing.T) {
	f := newFixture(t)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u1", "u2"
			if i%2 == 1 {
				a, b = b, a
			}
			room, err := f.rooms.CreateOrGetDirectRoom(context.Background(), a, b)
			assert.NoError(t, err)
			ids[i] = room.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	rooms, err := f.rooms.ListForUser(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestCreateOrGetDirectRoom_SharedCallIgnoresCallerCancel(t *testing.T) {
	f := newFixture(t)
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	room, err := f.rooms.CreateOrGetDirectRoom(cancelled, "u1", "u2")
	require.NoError(t, err)

	again, err := f.rooms.CreateOrGetDirectRoom(context.Background(), "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, room.ID, again.ID)
}

func TestCreateOrGetDirectRoom_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.rooms.CreateOrGetDirectRoom(context.Background(), "u1", "u1")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.rooms.CreateOrGetDirectRoom(context.Background(), "u1", " ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCreateRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	room, err := f.rooms.CreateRoom(ctx, "owner", service.CreateRoomInput{
		Kind:           domain.RoomKindGroup,
		ParticipantIDs: []string{"a", " a ", "", "owner", "b"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"owner", "a", "b"}, room.ActiveUserIDs())
	p, _ := room.Participant("owner")
	assert.Equal(t, domain.RoleOwner, p.Role)

	_, err = f.rooms.CreateRoom(ctx, "owner", service.CreateRoomInput{Kind: domain.RoomKindContext, ParticipantIDs: []string{"a"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	ref := "listing-42"
	linked, err := f.rooms.CreateRoom(ctx, "owner", service.CreateRoomInput{Kind: domain.RoomKindContext, ContextRef: &ref, ParticipantIDs: []string{"a"}})
	require.NoError(t, err)
	require.NotNil(t, linked.ContextRef)
	assert.Equal(t, ref, *linked.ContextRef)

	_, err = f.rooms.CreateRoom(ctx, "owner", service.CreateRoomInput{Kind: domain.RoomKindDirect, ParticipantIDs: []string{"a"}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateRoom(ctx, "owner", service.CreateRoomInput{
		Kind:           domain.RoomKindGroup,
		ParticipantIDs: []string{"member"},
	})
	require.NoError(t, err)

	_, err = f.rooms.AddParticipant(ctx, "member", room.ID, "guest", domain.RoleMember)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.rooms.AddParticipant(ctx, "owner", room.ID, "guest", domain.RoleOwner)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	p, err := f.rooms.AddParticipant(ctx, "owner", room.ID, "guest", domain.RoleAdmin)
	require.NoError(t, err)
	assert.True(t, p.IsActive)
	assert.Equal(t, domain.RoleAdmin, p.Role)

	require.NoError(t, f.rooms.RemoveParticipant(ctx, "guest", room.ID, "member"))
	ok, err := f.rooms.IsMember(ctx, room.ID, "member")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.rooms.RemoveParticipant(ctx, "guest", room.ID, "guest"))
	err = f.rooms.RemoveParticipant(ctx, "owner", room.ID, "owner")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	f.broadcast.mu.Lock()
	changes := append([]service.MembershipChange(nil), f.broadcast.membership...)
	f.broadcast.mu.Unlock()
	assert.Equal(t, []service.MembershipChange{
		{RoomID: room.ID, UserID: "guest", Active: true},
		{RoomID: room.ID, UserID: "member", Active: false},
		{RoomID: room.ID, UserID: "guest", Active: false},
	}, changes)

	notices := 0
	for _, out := range f.broadcast.published() {
		if out.Message.Type == domain.MessageTypeSystem {
			notices++
		}
	}
	assert.Equal(t, 3, notices)
}

func TestRemoveParticipant_DirectRoom(t *testing.T) {
	f := newFixture(t)
	room, err := f.rooms.CreateOrGetDirectRoom(context.Background(), "x", "y")
	require.NoError(t, err)
	err = f.rooms.RemoveParticipant(context.Background(), "x", room.ID, "x")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateRoom(ctx, "owner", service.CreateRoomInput{
		Kind:           domain.RoomKindGroup,
		ParticipantIDs: []string{"member"},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, f.rooms.SetStatus(ctx, "member", room.ID, domain.RoomStatusArchived), domain.ErrForbidden)
	assert.ErrorIs(t, f.rooms.SetStatus(ctx, "owner", room.ID, "frozen"), domain.ErrInvalidInput)
	require.NoError(t, f.rooms.SetStatus(ctx, "owner", room.ID, domain.RoomStatusBlocked))

	_, err = f.messages.Append(ctx, service.SendInput{RoomID: room.ID, SenderID: "member", Content: "hi"})
	assert.ErrorIs(t, err, domain.ErrRoomInactive)

	require.NoError(t, f.rooms.SetStatus(ctx, "owner", room.ID, domain.RoomStatusActive))
	f.send(t, room.ID, "member", "hi")
}

func TestDirectRoom_ReopensArchived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	room, err := f.rooms.CreateOrGetDirectRoom(ctx, "x", "y")
	require.NoError(t, err)
	require.NoError(t, f.rooms.SetStatus(ctx, "y", room.ID, domain.RoomStatusArchived))

	again, err := f.rooms.CreateOrGetDirectRoom(ctx, "y", "x")
	require.NoError(t, err)
	assert.Equal(t, room.ID, again.ID)
	assert.Equal(t, domain.RoomStatusActive, again.Status)
}

func TestContactIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.rooms.CreateOrGetDirectRoom(ctx, "x", "y")
	require.NoError(t, err)
	_, err = f.rooms.CreateRoom(ctx, "x", service.CreateRoomInput{Kind: domain.RoomKindGroup, ParticipantIDs: []string{"z", "y"}})
	require.NoError(t, err)

	ids, err := f.rooms.ContactIDs(ctx, "x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"y", "z"}, ids)
}
