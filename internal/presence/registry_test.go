package presence_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/metrics"
	"chatcore/internal/presence"
)

type recorder struct {
	mu     sync.Mutex
	events []presence.Event
}

func (r *recorder) emit(e presence.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []presence.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]presence.Event(nil), r.events...)
}

func TestRegistry_FirstConnectionEmitsOnline(t *testing.T) {
	rec := &recorder{}
	reg := presence.NewRegistry(time.Hour, rec.emit, nil, nil)
	defer reg.Close()

	assert.True(t, reg.Connect("alice", "c1"))
	assert.False(t, reg.Connect("alice", "c2"))

	assert.Equal(t, []presence.Event{{UserID: "alice", Online: true}}, rec.snapshot())
	assert.Equal(t, []string{"c1", "c2"}, reg.Connections("alice"))
	assert.True(t, reg.Online("alice"))
}

func TestRegistry_OfflineAfterGrace(t *testing.T) {
	rec := &recorder{}
	reg := presence.NewRegistry(20*time.Millisecond, rec.emit, nil, nil)
	defer reg.Close()

	reg.Connect("alice", "c1")
	reg.Connect("alice", "c2")
	reg.Disconnect("alice", "c1")
	assert.True(t, reg.Online("alice"))

	reg.Disconnect("alice", "c2")
	assert.True(t, reg.Online("alice"), "still online inside the grace window")

	require.Eventually(t, func() bool { return !reg.Online("alice") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []presence.Event{
		{UserID: "alice", Online: true},
		{UserID: "alice", Online: false},
	}, rec.snapshot())
	assert.Empty(t, reg.OnlineUsers())
}

func TestRegistry_ReconnectWithinGraceIsSilent(t *testing.T) {
	rec := &recorder{}
	m := metrics.New()
	reg := presence.NewRegistry(50*time.Millisecond, rec.emit, m, nil)
	defer reg.Close()

	reg.Connect("alice", "c1")
	reg.Disconnect("alice", "c1")
	assert.False(t, reg.Connect("alice", "c2"))

	time.Sleep(120 * time.Millisecond)
	assert.True(t, reg.Online("alice"))
	assert.Equal(t, []presence.Event{{UserID: "alice", Online: true}}, rec.snapshot())

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var flaps float64
	for _, f := range families {
		if f.GetName() == "chat_presence_flaps_total" {
			flaps = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), flaps)
}

func TestRegistry_ZeroGraceGoesOfflineImmediately(t *testing.T) {
	rec := &recorder{}
	reg := presence.NewRegistry(0, rec.emit, nil, nil)

	reg.Connect("bob", "c1")
	reg.Disconnect("bob", "c1")
	assert.False(t, reg.Online("bob"))
	assert.Len(t, rec.snapshot(), 2)

	// Unknown ids are ignored.
	reg.Disconnect("nobody", "c9")
}
