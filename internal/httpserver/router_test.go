package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/internal/pagination"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/store/sqlite"
)

type apiClient struct {
	t      *testing.T
	srv    *httptest.Server
	tokens *security.TokenService
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	roomRepo := sqlite.NewRoomRepo(db, security.Plaintext{})
	receiptRepo := sqlite.NewReceiptRepo(db)
	messages := service.NewMessageService(roomRepo, sqlite.NewMessageRepo(db, security.Plaintext{}), nil, m, log)
	rooms := service.NewRoomService(roomRepo, receiptRepo, messages, nil, log)
	tokens := security.NewTokenService("test-secret", time.Hour)

	srv := httptest.NewServer(NewRouter([]string{"http://chat.test"}, Services{
		Tokens:   tokens,
		Rooms:    rooms,
		Messages: messages,
		Receipts: service.NewReceiptService(rooms, receiptRepo, nil, m, log, 0),
		Metrics:  m,
	}))
	t.Cleanup(srv.Close)
	return &apiClient{t: t, srv: srv, tokens: tokens}
}

func (c *apiClient) do(user, method, path string, body any, out any) int {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, c.srv.URL+path, rd)
	require.NoError(c.t, err)
	if user != "" {
		token, err := c.tokens.CreateForUser(user)
		require.NoError(c.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	api := newAPI(t)
	var health map[string]string
	assert.Equal(t, http.StatusOK, api.do("", http.MethodGet, "/health", nil, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, http.StatusOK, api.do("", http.MethodGet, "/metrics", nil, nil))
}

func TestRouter_RequiresToken(t *testing.T) {
	api := newAPI(t)
	var e errorResponse
	assert.Equal(t, http.StatusUnauthorized, api.do("", http.MethodGet, "/api/rooms", nil, &e))
	assert.Equal(t, string(domain.KindUnauthenticated), e.Code)
}

func TestRouter_DirectRoomLifecycle(t *testing.T) {
	api := newAPI(t)

	var first, second domain.Room
	require.Equal(t, http.StatusOK, api.do("alice", http.MethodPost, "/api/rooms/direct", directRoomRequest{UserID: "bob"}, &first))
	require.Equal(t, http.StatusOK, api.do("bob", http.MethodPost, "/api/rooms/direct", directRoomRequest{UserID: "alice"}, &second))
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.RoomKindDirect, first.Kind)

	var e errorResponse
	assert.Equal(t, http.StatusForbidden, api.do("mallory", http.MethodGet, "/api/rooms/"+first.ID, nil, &e))
	assert.Equal(t, "not a member", e.Error)

	assert.Equal(t, http.StatusBadRequest, api.do("alice", http.MethodPost, "/api/rooms/direct", map[string]string{}, &e))
	require.NotNil(t, e.Field)
	assert.Equal(t, "userId", *e.Field)

	var list []domain.Room
	require.Equal(t, http.StatusOK, api.do("alice", http.MethodGet, "/api/rooms", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)
}

func TestRouter_MessagesHistoryAndRead(t *testing.T) {
	api := newAPI(t)

	var room domain.Room
	require.Equal(t, http.StatusOK, api.do("alice", http.MethodPost, "/api/rooms/direct", directRoomRequest{UserID: "bob"}, &room))
	base := "/api/rooms/" + room.ID

	for _, text := range []string{"a", "b", "c", "d", "e"} {
		require.Equal(t, http.StatusCreated, api.do("alice", http.MethodPost, base+"/messages", messageCreateRequest{Content: text}, nil))
	}

	var page pagination.Page[domain.Message]
	require.Equal(t, http.StatusOK, api.do("bob", http.MethodGet, base+"/messages?limit=2", nil, &page))
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(5), page.Items[0].ID)
	assert.Equal(t, int64(4), page.Items[1].ID)
	require.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)

	var older pagination.Page[domain.Message]
	require.Equal(t, http.StatusOK, api.do("bob", http.MethodGet, base+"/messages?limit=10&before="+*page.NextCursor, nil, &older))
	require.Len(t, older.Items, 3)
	assert.Equal(t, int64(3), older.Items[0].ID)
	assert.False(t, older.HasMore)
	assert.Nil(t, older.NextCursor)

	var read markReadResponse
	require.Equal(t, http.StatusOK, api.do("bob", http.MethodPost, base+"/read", markReadRequest{UptoMessageID: 3}, &read))
	assert.Equal(t, int64(3), read.LastReadMessageID)
	assert.Equal(t, 2, read.UnreadCount)
	assert.True(t, read.Advanced)

	require.Equal(t, http.StatusOK, api.do("bob", http.MethodPost, base+"/read", nil, &read))
	assert.Equal(t, int64(5), read.LastReadMessageID)
	assert.Equal(t, 0, read.UnreadCount)

	require.Equal(t, http.StatusOK, api.do("bob", http.MethodPost, base+"/read", markReadRequest{UptoMessageID: 2}, &read))
	assert.False(t, read.Advanced)
	assert.Equal(t, int64(5), read.LastReadMessageID)
}

func TestRouter_EditDeleteMessage(t *testing.T) {
	api := newAPI(t)

	var room domain.Room
	require.Equal(t, http.StatusOK, api.do("alice", http.MethodPost, "/api/rooms/direct", directRoomRequest{UserID: "bob"}, &room))
	base := "/api/rooms/" + room.ID

	require.Equal(t, http.StatusCreated, api.do("alice", http.MethodPost, base+"/messages", messageCreateRequest{Content: "draft"}, nil))

	assert.Equal(t, http.StatusForbidden, api.do("bob", http.MethodPatch, base+"/messages/1", messageEditRequest{Content: "mine now"}, nil))
	assert.Equal(t, http.StatusBadRequest, api.do("alice", http.MethodPatch, base+"/messages/x", messageEditRequest{Content: "final"}, nil))

	var edited domain.Message
	require.Equal(t, http.StatusOK, api.do("alice", http.MethodPatch, base+"/messages/1", messageEditRequest{Content: "final"}, &edited))
	assert.Equal(t, "final", edited.Content)
	assert.NotNil(t, edited.EditedAt)

	assert.Equal(t, http.StatusNoContent, api.do("alice", http.MethodDelete, base+"/messages/1", nil, nil))

	var page pagination.Page[domain.Message]
	require.Equal(t, http.StatusOK, api.do("bob", http.MethodGet, base+"/messages", nil, &page))
	require.Len(t, page.Items, 1)
	assert.True(t, page.Items[0].IsDeleted)
	assert.Empty(t, page.Items[0].Content)
}

func TestRouter_GroupManagement(t *testing.T) {
	api := newAPI(t)

	var room domain.Room
	require.Equal(t, http.StatusCreated, api.do("owner", http.MethodPost, "/api/rooms", roomCreateRequest{
		Kind:           domain.RoomKindGroup,
		ParticipantIDs: []string{"m1"},
	}, &room))
	base := "/api/rooms/" + room.ID

	assert.Equal(t, http.StatusForbidden, api.do("m1", http.MethodPost, base+"/participants", participantRequest{UserID: "m2"}, nil))

	var p domain.Participant
	require.Equal(t, http.StatusCreated, api.do("owner", http.MethodPost, base+"/participants", participantRequest{UserID: "m2"}, &p))
	assert.Equal(t, domain.RoleMember, p.Role)
	assert.True(t, p.IsActive)

	assert.Equal(t, http.StatusBadRequest, api.do("m2", http.MethodPut, base+"/mute", map[string]string{}, nil))
	assert.Equal(t, http.StatusOK, api.do("m2", http.MethodPut, base+"/mute", map[string]bool{"muted": true}, nil))

	assert.Equal(t, http.StatusNoContent, api.do("m2", http.MethodDelete, base+"/participants/m2", nil, nil))
	assert.Equal(t, http.StatusForbidden, api.do("m2", http.MethodGet, base, nil, nil))

	assert.Equal(t, http.StatusForbidden, api.do("m1", http.MethodPut, base+"/status", statusRequest{Status: domain.RoomStatusArchived}, nil))
	require.Equal(t, http.StatusOK, api.do("owner", http.MethodPut, base+"/status", statusRequest{Status: domain.RoomStatusArchived}, nil))

	var e errorResponse
	assert.Equal(t, http.StatusForbidden, api.do("m1", http.MethodPost, base+"/messages", messageCreateRequest{Content: "hello?"}, &e))
	assert.Equal(t, "room is not active", e.Error)
}
