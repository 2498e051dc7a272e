package notify_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcore/internal/domain"
	"chatcore/internal/notify"
)

type MockDispatcher struct {
	mock.Mock
	mu   sync.Mutex
	seen []notify.Notification
}

func (m *MockDispatcher) Dispatch(ctx context.Context, n notify.Notification) error {
	args := m.Called(ctx, n)
	m.mu.Lock()
	m.seen = append(m.seen, n)
	m.mu.Unlock()
	return args.Error(0)
}

func (m *MockDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func message(content string) domain.Message {
	return domain.Message{
		ID:        7,
		RoomID:    "room-1",
		SenderID:  "alice",
		Content:   content,
		Type:      domain.MessageTypeText,
		CreatedAt: time.Now(),
	}
}

func TestBridge_ForwardsMissedMessages(t *testing.T) {
	d := &MockDispatcher{}
	d.On("Dispatch", mock.Anything, mock.Anything).Return(nil)

	b := notify.NewBridge(d, notify.Options{Workers: 1}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	b.OnMissed(message("hello bob"), "bob")
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	n := d.seen[0]
	assert.Equal(t, "bob", n.UserID)
	assert.Equal(t, "room-1", n.RoomID)
	assert.Equal(t, "alice", n.SenderID)
	assert.Equal(t, int64(7), n.MessageID)
	assert.Equal(t, "hello bob", n.Preview)
}

func TestBridge_DispatchFailureIsSwallowed(t *testing.T) {
	d := &MockDispatcher{}
	d.On("Dispatch", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	b := notify.NewBridge(d, notify.Options{Workers: 1}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.OnMissed(message("one"), "bob")
	b.OnMissed(message("two"), "bob")
	require.Eventually(t, func() bool { return d.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBridge_OnMissedNeverBlocks(t *testing.T) {
	d := &MockDispatcher{}
	b := notify.NewBridge(d, notify.Options{QueueSize: 2}, nil, nil)

	done := make(chan struct{})
	go func() {
		// No workers are running, so everything past the queue size is dropped.
		for i := 0; i < 100; i++ {
			b.OnMissed(message("x"), "bob")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnMissed blocked on a full queue")
	}
	d.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "[image]", notify.Preview(domain.Message{Type: domain.MessageTypeImage, Content: "https://x/y.png"}, 10))
	assert.Equal(t, "[file]", notify.Preview(domain.Message{Type: domain.MessageTypeFile, Content: "a.pdf"}, 10))
	assert.Equal(t, "a b", notify.Preview(domain.Message{Type: domain.MessageTypeText, Content: " a\n\tb "}, 10))

	long := strings.Repeat("é", 20)
	got := notify.Preview(domain.Message{Type: domain.MessageTypeText, Content: long}, 5)
	assert.Equal(t, strings.Repeat("é", 5)+"…", got)
}
