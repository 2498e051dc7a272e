// Package notify forwards messages that missed every live connection of a
// recipient to an external notification dispatcher.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
)

const (
	DefaultQueueSize     = 256
	DefaultWorkers       = 2
	DefaultTimeout       = 5 * time.Second
	DefaultPreviewLength = 80
)

// Notification is the payload handed to a Dispatcher.
type Notification struct {
	UserID    string             `json:"userId"`
	RoomID    string             `json:"roomId"`
	SenderID  string             `json:"senderId"`
	MessageID int64              `json:"messageId"`
	Type      domain.MessageType `json:"type"`
	Preview   string             `json:"preview"`
	CreatedAt time.Time          `json:"createdAt"`
}

// Dispatcher delivers a notification to an external alerting system.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

type Options struct {
	QueueSize     int
	Workers       int
	Timeout       time.Duration
	PreviewLength int
}

// Bridge is a best-effort, in-memory hand-off. OnMissed never blocks; a full
// queue or a failing dispatcher drops the notification. The unread counters
// in the room directory stay authoritative.
type Bridge struct {
	dispatcher Dispatcher
	queue      chan Notification
	opts       Options
	metrics    *metrics.Metrics
	log        *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func NewBridge(d Dispatcher, opts Options, m *metrics.Metrics, log *slog.Logger) *Bridge {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = DefaultPreviewLength
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		dispatcher: d,
		queue:      make(chan Notification, opts.QueueSize),
		opts:       opts,
		metrics:    m,
		log:        log.With("component", "notify"),
		closed:     make(chan struct{}),
	}
}

// OnMissed queues a notification for userID about m.
func (b *Bridge) OnMissed(m domain.Message, userID string) {
	n := Notification{
		UserID:    userID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		MessageID: m.ID,
		Type:      m.Type,
		Preview:   Preview(m, b.opts.PreviewLength),
		CreatedAt: m.CreatedAt,
	}

	select {
	case <-b.closed:
		b.metrics.Notification("dropped")
		return
	default:
	}

	select {
	case b.queue <- n:
	default:
		b.metrics.Notification("dropped")
		b.log.Warn("notification queue full, dropping", "user_id", userID, "room_id", m.RoomID)
	}
}

// Run processes the queue with the configured number of workers until ctx is
// cancelled. Queued notifications left at shutdown are discarded.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.closeOnce.Do(func() { close(b.closed) })

	var wg sync.WaitGroup
	for i := 0; i < b.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.work(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (b *Bridge) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-b.queue:
			b.dispatch(ctx, n)
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, n Notification) {
	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	if err := b.dispatcher.Dispatch(ctx, n); err != nil {
		b.metrics.Notification("failed")
		b.log.Error("dispatch notification", "user_id", n.UserID, "room_id", n.RoomID, "message_id", n.MessageID, "error", err)
		return
	}
	b.metrics.Notification("sent")
}

// Preview renders a short, single-line description of m.
func Preview(m domain.Message, max int) string {
	switch m.Type {
	case domain.MessageTypeImage:
		return "[image]"
	case domain.MessageTypeFile:
		return "[file]"
	}

	s := strings.Join(strings.Fields(m.Content), " ")
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}
