package notify_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/ory/dockertest/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/notify"
)

func dockerPool(t *testing.T) *dockertest.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker test in short mode")
	}
	pool, err := dockertest.NewPool("")
	if err == nil {
		err = pool.Client.Ping()
	}
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	pool.MaxWait = time.Minute
	return pool
}

func TestNATSDispatcher_PublishesPerUserSubject(t *testing.T) {
	pool := dockerPool(t)
	resource, err := pool.Run("nats", "2-alpine", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	var nc *nats.Conn
	require.NoError(t, pool.Retry(func() error {
		var err error
		nc, err = nats.Connect(fmt.Sprintf("nats://%s", resource.GetHostPort("4222/tcp")))
		return err
	}))
	t.Cleanup(nc.Close)

	d := notify.NewNATSDispatcher(nc, "test.notify")
	sub, err := nc.SubscribeSync(d.Subject("bob"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Dispatch(ctx, notify.Notification{UserID: "bob", RoomID: "r1", MessageID: 3, Preview: "hi"}))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var got notify.Notification
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, "r1", got.RoomID)
	assert.Equal(t, int64(3), got.MessageID)
}

func TestRedisDispatcher_PublishesOnChannel(t *testing.T) {
	pool := dockerPool(t)
	resource, err := pool.Run("redis", "7-alpine", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	rdb := redis.NewClient(&redis.Options{Addr: resource.GetHostPort("6379/tcp")})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, pool.Retry(func() error {
		return rdb.Ping(context.Background()).Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := rdb.Subscribe(ctx, "test:notify")
	t.Cleanup(func() { _ = sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	d := notify.NewRedisDispatcher(rdb, "test:notify")
	require.NoError(t, d.Dispatch(ctx, notify.Notification{UserID: "bob", RoomID: "r1", Preview: "hi"}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	var got notify.Notification
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "bob", got.UserID)
}
