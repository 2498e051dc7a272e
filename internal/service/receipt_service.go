package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
)

const (
	DefaultDeliveryQueueSize = 1024
	deliveryFlushInterval    = 100 * time.Millisecond
	deliveryBatchSize        = 256
)

type delivery struct {
	roomID string
	userID string
	seq    int64
	at     time.Time
}

// ReceiptService tracks delivery and read receipts. Deliveries reported by
// connection writers are queued and written in batches by Run; reads go to
// the store synchronously and are then announced to the room.
type ReceiptService struct {
	rooms     *RoomService
	receipts  domain.ReceiptRepository
	broadcast Broadcaster
	metrics   *metrics.Metrics
	log       *slog.Logger
	now       func() time.Time

	queue chan delivery
	// idle is closed and replaced each time pending drops to zero.
	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

func NewReceiptService(
	rooms *RoomService,
	receipts domain.ReceiptRepository,
	broadcast Broadcaster,
	m *metrics.Metrics,
	log *slog.Logger,
	queueSize int,
) *ReceiptService {
	if broadcast == nil {
		broadcast = NopBroadcaster{}
	}
	if log == nil {
		log = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultDeliveryQueueSize
	}
	return &ReceiptService{
		rooms:     rooms,
		receipts:  receipts,
		broadcast: broadcast,
		metrics:   m,
		log:       log.With("component", "receipts"),
		now:       func() time.Time { return time.Now().UTC() },
		queue:     make(chan delivery, queueSize),
		idle:      make(chan struct{}),
	}
}

// Delivered records that seq reached one of userID's connections. It never
// blocks; when the queue is full the receipt is dropped and will be
// synthesized by the next read.
func (s *ReceiptService) Delivered(roomID, userID string, seq int64) {
	d := delivery{roomID: roomID, userID: userID, seq: seq, at: s.now()}
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()

	select {
	case s.queue <- d:
	default:
		s.done(1)
		s.log.Warn("delivery queue full, receipt dropped", "room_id", roomID, "user_id", userID, "seq", seq)
	}
}

// RecordDelivered writes delivery receipts stamped at for seqs. Existing
// receipts are kept.
func (s *ReceiptService) RecordDelivered(ctx context.Context, roomID, userID string, at time.Time, seqs ...int64) error {
	if len(seqs) == 0 {
		return nil
	}
	if err := s.receipts.MarkDelivered(ctx, roomID, userID, seqs, at); err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	s.metrics.DeliveriesRecorded(len(seqs))
	return nil
}

// RecordRead advances userID's read cursor, stamps read receipts (and any
// missing delivered receipts) and announces the new cursor to the room.
func (s *ReceiptService) RecordRead(ctx context.Context, roomID, userID string, uptoSeq int64) (domain.ReadResult, error) {
	res, err := s.rooms.MarkRead(ctx, roomID, userID, uptoSeq)
	if err != nil {
		return res, err
	}
	if res.Advanced {
		s.broadcast.PublishRead(ReadReceipt{
			RoomID:    roomID,
			UserID:    userID,
			MessageID: res.Seq,
			FromID:    res.PreviousSeq,
			ReadAt:    res.ReadAt,
		})
	}
	return res, nil
}

// Run drains the delivery queue until ctx is cancelled, then flushes what is
// left.
func (s *ReceiptService) Run(ctx context.Context) error {
	ticker := time.NewTicker(deliveryFlushInterval)
	defer ticker.Stop()

	batch := make([]delivery, 0, deliveryBatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		s.flush(ctx, batch)
		s.done(len(batch))
		batch = batch[:0]
	}

	for {
		select {
		case d := <-s.queue:
			batch = append(batch, d)
			if len(batch) >= deliveryBatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case d := <-s.queue:
					batch = append(batch, d)
				default:
					flush(shutdown)
					return nil
				}
			}
		}
	}
}

func (s *ReceiptService) flush(ctx context.Context, batch []delivery) {
	type key struct{ roomID, userID string }
	groups := make(map[key][]int64)
	at := make(map[key]time.Time)
	for _, d := range batch {
		k := key{d.roomID, d.userID}
		groups[k] = append(groups[k], d.seq)
		if t, ok := at[k]; !ok || d.at.Before(t) {
			at[k] = d.at
		}
	}

	for k, seqs := range groups {
		if err := s.RecordDelivered(ctx, k.roomID, k.userID, at[k], seqs...); err != nil {
			s.log.Error("record deliveries", "room_id", k.roomID, "user_id", k.userID, "error", err)
		}
	}
}

func (s *ReceiptService) done(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending -= n
	if s.pending == 0 {
		close(s.idle)
		s.idle = make(chan struct{})
	}
}

// WaitIdle blocks until every queued delivery has been written or ctx ends.
func (s *ReceiptService) WaitIdle(ctx context.Context) error {
	s.mu.Lock()
	if s.pending == 0 {
		s.mu.Unlock()
		return nil
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
