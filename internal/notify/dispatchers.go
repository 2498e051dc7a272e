package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// LogDispatcher writes notifications to the log. It is the default when no
// broker is configured.
type LogDispatcher struct {
	Log *slog.Logger
}

func (d LogDispatcher) Dispatch(ctx context.Context, n Notification) error {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "notification",
		"user_id", n.UserID,
		"room_id", n.RoomID,
		"sender_id", n.SenderID,
		"message_id", n.MessageID,
	)
	return nil
}

// NATSDispatcher publishes each notification as JSON on <prefix>.<userId>.
type NATSDispatcher struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSDispatcher(conn *nats.Conn, subjectPrefix string) *NATSDispatcher {
	if subjectPrefix == "" {
		subjectPrefix = "chat.notifications"
	}
	return &NATSDispatcher{conn: conn, prefix: subjectPrefix}
}

func (d *NATSDispatcher) Subject(userID string) string {
	return d.prefix + "." + userID
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := d.conn.Publish(d.Subject(n.UserID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return d.conn.FlushWithContext(ctx)
}

// RedisDispatcher publishes each notification as JSON on a pub/sub channel.
type RedisDispatcher struct {
	client  *redis.Client
	channel string
}

func NewRedisDispatcher(client *redis.Client, channel string) *RedisDispatcher {
	if channel == "" {
		channel = "chat:notifications"
	}
	return &RedisDispatcher{client: client, channel: channel}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := d.client.Publish(ctx, d.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}
