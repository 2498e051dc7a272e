package ws

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/internal/service"
)

// MissedFunc is told about an active participant that had no subscribed
// connection when a message was published.
type MissedFunc func(m domain.Message, userID string)

// Hub is the live subscription table. It tracks connections by user and by
// room and fans persisted changes out to them. Each room has its own lock so
// a join's backlog and live publishes to that room never interleave.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	users     map[string]map[string]*Conn
	rooms     map[string]*room
	connRooms map[string]map[string]struct{}

	missed  MissedFunc
	metrics *metrics.Metrics
	log     *slog.Logger
}

type room struct {
	mu   sync.Mutex
	subs map[string]*subscriber
	dead bool
}

type subscriber struct {
	conn *Conn
	// floor is the highest sequence this connection already received through
	// its join backlog; live message:new frames at or below it are skipped.
	floor int64
}

var _ service.Broadcaster = (*Hub)(nil)

func NewHub(missed MissedFunc, m *metrics.Metrics, log *slog.Logger) *Hub {
	if missed == nil {
		missed = func(domain.Message, string) {}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		conns:     make(map[string]*Conn),
		users:     make(map[string]map[string]*Conn),
		rooms:     make(map[string]*room),
		connRooms: make(map[string]map[string]struct{}),
		missed:    missed,
		metrics:   m,
		log:       log.With("component", "hub"),
	}
}

// Register adds a connection for its user.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID] = c
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[string]*Conn)
	}
	h.users[c.UserID][c.ID] = c
	h.metrics.ConnectionOpened()
}

// Unregister removes a connection and all of its room subscriptions.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c.ID)
	if conns, ok := h.users[c.UserID]; ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.users, c.UserID)
		}
	}
	roomIDs := h.connRooms[c.ID]
	delete(h.connRooms, c.ID)
	h.mu.Unlock()

	for roomID := range roomIDs {
		h.unsubscribe(c, roomID)
	}
	h.metrics.ConnectionClosed()
}

// Subscribe attaches c to roomID. prime runs under the room lock before the
// subscription becomes visible to publishers; it may queue frames on c and
// returns the floor below which live messages are suppressed. prime receives
// true when c was already subscribed, in which case the floor is kept.
func (h *Hub) Subscribe(c *Conn, roomID string, prime func(already bool) (int64, error)) error {
	for {
		r := h.room(roomID, true)
		r.mu.Lock()
		if r.dead {
			r.mu.Unlock()
			continue
		}

		_, already := r.subs[c.ID]
		floor, err := prime(already)
		if err != nil || already {
			h.reapLocked(roomID, r)
			r.mu.Unlock()
			return err
		}

		h.mu.Lock()
		if _, live := h.conns[c.ID]; !live {
			h.mu.Unlock()
			h.reapLocked(roomID, r)
			r.mu.Unlock()
			return errConnClosed
		}
		if h.connRooms[c.ID] == nil {
			h.connRooms[c.ID] = make(map[string]struct{})
		}
		h.connRooms[c.ID][roomID] = struct{}{}
		h.mu.Unlock()

		r.subs[c.ID] = &subscriber{conn: c, floor: floor}
		r.mu.Unlock()
		return nil
	}
}

// Unsubscribe detaches c from roomID. It reports whether c was subscribed.
func (h *Hub) Unsubscribe(c *Conn, roomID string) bool {
	h.mu.Lock()
	if rooms, ok := h.connRooms[c.ID]; ok {
		delete(rooms, roomID)
	}
	h.mu.Unlock()
	return h.unsubscribe(c, roomID)
}

func (h *Hub) unsubscribe(c *Conn, roomID string) bool {
	r := h.room(roomID, false)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.subs[c.ID]
	delete(r.subs, c.ID)
	h.reapLocked(roomID, r)
	return ok
}

// Subscribed reports whether c currently receives roomID's events.
func (h *Hub) Subscribed(c *Conn, roomID string) bool {
	r := h.room(roomID, false)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[c.ID]
	return ok
}

func (h *Hub) room(roomID string, create bool) *room {
	if !create {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.rooms[roomID]
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = &room{subs: make(map[string]*subscriber)}
		h.rooms[roomID] = r
	}
	return r
}

// reapLocked drops an empty room from the table. r.mu must be held.
func (h *Hub) reapLocked(roomID string, r *room) {
	if len(r.subs) > 0 {
		return
	}
	h.mu.Lock()
	if h.rooms[roomID] == r {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()
	r.dead = true
}

// PublishMessage fans a persisted message out to the room's subscribers.
// Other users get message:new; the sender's connections get message:sent,
// with the client correlation id echoed only to the originating connection.
// Active participants without a subscribed connection are reported as missed.
func (h *Hub) PublishMessage(out service.Outgoing) {
	m := out.Message
	system := m.Type == domain.MessageTypeSystem

	newFrame, err := h.frame(EventMessageNew, m)
	if err != nil {
		return
	}
	newFrame.roomID, newFrame.seq = m.RoomID, m.ID
	sentFrame, err := h.frame(EventMessageSent, MessageSent{Message: m})
	if err != nil {
		return
	}
	originFrame := sentFrame
	if out.Origin.ClientID != "" {
		if originFrame, err = h.frame(EventMessageSent, MessageSent{Message: m, ClientID: out.Origin.ClientID}); err != nil {
			return
		}
	}

	live := make(map[string]struct{})
	originServed := false

	if r := h.room(m.RoomID, false); r != nil {
		r.mu.Lock()
		for _, s := range r.subs {
			c := s.conn
			live[c.UserID] = struct{}{}
			switch {
			case !system && c.ID == out.Origin.ConnID:
				originServed = true
				h.send(c, originFrame)
			case !system && c.UserID == m.SenderID:
				h.send(c, sentFrame)
			case m.ID <= s.floor:
			default:
				h.send(c, newFrame)
			}
		}
		r.mu.Unlock()
	}

	if !system && !originServed && out.Origin.ConnID != "" {
		h.mu.RLock()
		c, ok := h.conns[out.Origin.ConnID]
		h.mu.RUnlock()
		if ok {
			h.send(c, originFrame)
		}
	}

	if system {
		return
	}
	for _, p := range out.Recipients {
		if p.UserID == m.SenderID || p.Muted || !p.IsActive {
			continue
		}
		if _, ok := live[p.UserID]; ok {
			continue
		}
		h.metrics.Missed()
		h.missed(m, p.UserID)
	}
}

func (h *Hub) PublishEdited(m domain.Message) {
	f, err := h.frame(EventMessageEdited, m)
	if err != nil {
		return
	}
	h.toRoom(m.RoomID, f, "")
}

func (h *Hub) PublishDeleted(m domain.Message) {
	f, err := h.frame(EventMessageDeleted, MessageDeleted{RoomID: m.RoomID, MessageID: m.ID})
	if err != nil {
		return
	}
	h.toRoom(m.RoomID, f, "")
}

// PublishRead tells the reader's peers how far the reader has read.
func (h *Hub) PublishRead(rr service.ReadReceipt) {
	f, err := h.frame(EventRoomReadBy, ReadBy{
		RoomID:    rr.RoomID,
		MessageID: rr.MessageID,
		UserID:    rr.UserID,
		ReadAt:    rr.ReadAt,
	})
	if err != nil {
		return
	}
	h.toRoom(rr.RoomID, f, rr.UserID)
}

// PublishMembership detaches a removed user's connections from the room.
func (h *Hub) PublishMembership(mc service.MembershipChange) {
	if mc.Active {
		return
	}
	f, err := h.frame(EventRoomLeft, RoomLeft{RoomID: mc.RoomID, Reason: "removed"})
	if err != nil {
		return
	}
	for _, c := range h.userConns(mc.UserID) {
		if h.Unsubscribe(c, mc.RoomID) {
			h.send(c, f)
		}
	}
}

// Typing forwards a typing indicator from c to the room's other users. It
// reports false when c is not subscribed to the room.
func (h *Hub) Typing(c *Conn, roomID string) bool {
	if !h.Subscribed(c, roomID) {
		return false
	}
	f, err := h.frame(EventTyping, Typing{RoomID: roomID, UserID: c.UserID})
	if err != nil {
		return true
	}
	h.toRoom(roomID, f, c.UserID)
	return true
}

// SendToUsers queues one event on every connection of the given users.
func (h *Hub) SendToUsers(userIDs []string, event string, payload any) {
	f, err := h.frame(event, payload)
	if err != nil {
		return
	}
	for _, uid := range userIDs {
		for _, c := range h.userConns(uid) {
			h.send(c, f)
		}
	}
}

// SendTo queues one event on a single connection.
func (h *Hub) SendTo(c *Conn, event string, payload any) error {
	f, err := h.frame(event, payload)
	if err != nil {
		return err
	}
	return h.send(c, f)
}

// UserConnected reports whether userID has at least one registered connection.
func (h *Hub) UserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *Hub) userConns(userID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.users[userID]))
	for _, c := range h.users[userID] {
		conns = append(conns, c)
	}
	return conns
}

func (h *Hub) toRoom(roomID string, f frame, skipUserID string) {
	r := h.room(roomID, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if skipUserID != "" && s.conn.UserID == skipUserID {
			continue
		}
		h.send(s.conn, f)
	}
}

func (h *Hub) frame(event string, payload any) (frame, error) {
	data, err := encode(event, payload)
	if err != nil {
		h.log.Error("encode frame", "event", event, "error", err)
		return frame{}, err
	}
	return frame{event: event, data: data}, nil
}

func (h *Hub) send(c *Conn, f frame) error {
	if err := c.enqueue(f); err != nil {
		return err
	}
	h.metrics.FrameQueued(f.event)
	return nil
}

// CloseAll closes every registered connection, used on shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close(websocket.CloseGoingAway, reason)
	}
}
