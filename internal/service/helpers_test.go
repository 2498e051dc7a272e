package service_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/internal/security"
	"chatcore/internal/service"
	"chatcore/internal/store/sqlite"
)

// recorder is a Broadcaster that keeps everything it is given.
type recorder struct {
	mu         sync.Mutex
	messages   []service.Outgoing
	edited     []domain.Message
	deleted    []domain.Message
	reads      []service.ReadReceipt
	membership []service.MembershipChange
}

func (r *recorder) PublishMessage(out service.Outgoing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, out)
}

func (r *recorder) PublishEdited(m domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edited = append(r.edited, m)
}

func (r *recorder) PublishDeleted(m domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, m)
}

func (r *recorder) PublishRead(rr service.ReadReceipt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, rr)
}

func (r *recorder) PublishMembership(c service.MembershipChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.membership = append(r.membership, c)
}

func (r *recorder) published() []service.Outgoing {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]service.Outgoing, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *recorder) readReceipts() []service.ReadReceipt {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]service.ReadReceipt, len(r.reads))
	copy(out, r.reads)
	return out
}

type fixture struct {
	rooms     *service.RoomService
	messages  *service.MessageService
	receipts  *service.ReceiptService
	roomRepo  *sqlite.RoomRepo
	msgRepo   *sqlite.MessageRepo
	broadcast *recorder
	metrics   *metrics.Metrics
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlite.Migrate(db))

	f := &fixture{
		roomRepo:  sqlite.NewRoomRepo(db, security.Plaintext{}),
		msgRepo:   sqlite.NewMessageRepo(db, security.Plaintext{}),
		broadcast: &recorder{},
		metrics:   metrics.New(),
	}
	receiptRepo := sqlite.NewReceiptRepo(db)
	log := discardLogger()
	f.messages = service.NewMessageService(f.roomRepo, f.msgRepo, f.broadcast, f.metrics, log)
	f.rooms = service.NewRoomService(f.roomRepo, receiptRepo, f.messages, f.broadcast, log)
	f.receipts = service.NewReceiptService(f.rooms, receiptRepo, f.broadcast, f.metrics, log, 0)
	return f
}

func (f *fixture) send(t *testing.T, roomID, sender, content string) domain.Message {
	t.Helper()
	m, err := f.messages.Append(context.Background(), service.SendInput{RoomID: roomID, SenderID: sender, Content: content})
	require.NoError(t, err)
	return m
}

func (f *fixture) participant(t *testing.T, roomID, userID string) domain.Participant {
	t.Helper()
	room, err := f.roomRepo.GetByID(context.Background(), roomID)
	require.NoError(t, err)
	p, ok := room.Participant(userID)
	require.True(t, ok)
	return p
}
