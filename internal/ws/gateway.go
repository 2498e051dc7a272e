package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"chatcore/internal/domain"
	"chatcore/internal/metrics"
	"chatcore/internal/presence"
	"chatcore/internal/service"
)

const presenceQueueSize = 1024

// TokenResolver maps a bearer token to a stable user id.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (string, error)
}

type Options struct {
	AllowedOrigins []string
	SendBuffer     int
	MaxFrameBytes  int64
	PresenceGrace  time.Duration
}

// Gateway terminates client connections and routes their events to the chat
// services. Persisted changes come back through the Hub, which the services
// use as their Broadcaster.
type Gateway struct {
	hub      *Hub
	presence *presence.Registry
	tokens   TokenResolver
	rooms    *service.RoomService
	messages *service.MessageService
	receipts *service.ReceiptService
	validate *validator.Validate
	opts     Options
	events   chan presence.Event
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewGateway(
	hub *Hub,
	tokens TokenResolver,
	rooms *service.RoomService,
	messages *service.MessageService,
	receipts *service.ReceiptService,
	opts Options,
	m *metrics.Metrics,
	log *slog.Logger,
) *Gateway {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrame
	}
	if log == nil {
		log = slog.Default()
	}

	g := &Gateway{
		hub:      hub,
		tokens:   tokens,
		rooms:    rooms,
		messages: messages,
		receipts: receipts,
		validate: newValidator(),
		opts:     opts,
		events:   make(chan presence.Event, presenceQueueSize),
		metrics:  m,
		log:      log.With("component", "gateway"),
	}
	g.presence = presence.NewRegistry(opts.PresenceGrace, g.enqueuePresence, m, log)
	return g
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Presence exposes the registry, mostly for health and tests.
func (g *Gateway) Presence() *presence.Registry {
	return g.presence
}

// Connect resolves token to a user id. Invalid or expired tokens are an
// AuthError and no connection is registered.
func (g *Gateway) Connect(ctx context.Context, token string) (string, error) {
	userID, err := g.tokens.ResolveToken(ctx, token)
	if err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) {
			return "", err
		}
		return "", domain.NewAuthError("invalid token")
	}
	return userID, nil
}

// Attach registers an authenticated socket and starts its writer.
func (g *Gateway) Attach(userID string, socket Socket) *Conn {
	c := newConn(userID, socket, g.opts.SendBuffer, g.delivered, g.log)
	g.hub.Register(c)
	g.presence.Connect(userID, c.ID)
	c.start()
	c.log.Debug("connection attached")
	return c
}

// Disconnect drops every subscription c held and updates presence.
func (g *Gateway) Disconnect(c *Conn) {
	g.hub.Unregister(c)
	g.presence.Disconnect(c.UserID, c.ID)
	c.Close(1000, "bye")
	c.log.Debug("connection detached")
}

// Handle decodes one inbound frame and runs it. Failures are reported to c
// only.
func (g *Gateway) Handle(ctx context.Context, c *Conn, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		g.fail(c, domain.NewValidationError("type", "malformed frame"), "", "")
		return
	}

	var err error
	var roomID, clientID string
	switch env.Type {
	case EventJoinRoom:
		var req roomRequest
		if err = g.decode(env.Data, &req); err == nil {
			roomID = req.RoomID
			err = g.JoinRoom(ctx, c, req.RoomID)
		}
	case EventLeaveRoom:
		var req roomRequest
		if err = g.decode(env.Data, &req); err == nil {
			roomID = req.RoomID
			g.LeaveRoom(c, req.RoomID)
		}
	case EventSendMessage:
		var req sendMessageRequest
		if err = g.decode(env.Data, &req); err == nil {
			roomID, clientID = req.RoomID, req.ClientID
			_, err = g.SendMessage(ctx, c, req)
		}
	case EventMarkRead:
		var req markReadRequest
		if err = g.decode(env.Data, &req); err == nil {
			roomID = req.RoomID
			err = g.MarkRead(ctx, c, req.RoomID, req.UptoMessageID)
		}
	case EventEditMessage:
		var req editMessageRequest
		if err = g.decode(env.Data, &req); err == nil {
			roomID = req.RoomID
			_, err = g.messages.Edit(ctx, c.UserID, req.RoomID, req.MessageID, req.Content)
		}
	case EventDeleteMsg:
		var req deleteMessageRequest
		if err = g.decode(env.Data, &req); err == nil {
			roomID = req.RoomID
			_, err = g.messages.Delete(ctx, c.UserID, req.RoomID, req.MessageID)
		}
	case EventTyping:
		var req roomRequest
		if err = g.decode(env.Data, &req); err == nil {
			roomID = req.RoomID
			if !g.hub.Typing(c, req.RoomID) {
				err = domain.ErrNotMember
			}
		}
	default:
		c.log.Debug("unknown event", "type", env.Type)
		err = domain.NewValidationError("type", "unknown event type")
	}

	if err != nil {
		g.fail(c, err, roomID, clientID)
	}
}

// JoinRoom subscribes c to roomID. The caller first receives room:joined and
// the unread backlog; live messages follow without gaps or repeats.
func (g *Gateway) JoinRoom(ctx context.Context, c *Conn, roomID string) error {
	return g.hub.Subscribe(c, roomID, func(already bool) (int64, error) {
		room, err := g.rooms.GetRoom(ctx, roomID, c.UserID)
		if err != nil {
			return 0, err
		}
		p, _ := room.Participant(c.UserID)
		joined := RoomJoined{
			RoomID:            roomID,
			UnreadCount:       p.UnreadCount,
			LastReadMessageID: p.LastReadSeq,
		}
		if err := g.hub.SendTo(c, EventRoomJoined, joined); err != nil {
			return 0, err
		}
		if already {
			return 0, nil
		}

		backlog, err := g.messages.Backlog(ctx, p)
		if err != nil {
			return 0, err
		}
		floor := room.LastSeq
		for _, m := range backlog {
			f, err := g.hub.frame(EventMessageNew, m)
			if err != nil {
				return 0, err
			}
			f.roomID, f.seq = m.RoomID, m.ID
			if err := g.hub.send(c, f); err != nil {
				return 0, err
			}
			floor = max(floor, m.ID)
		}
		c.log.Debug("joined room", "room_id", roomID, "backlog", len(backlog), "floor", floor)
		return floor, nil
	})
}

// LeaveRoom stops live delivery for roomID on c. Membership is unchanged.
func (g *Gateway) LeaveRoom(c *Conn, roomID string) {
	g.hub.Unsubscribe(c, roomID)
	_ = g.hub.SendTo(c, EventRoomLeft, RoomLeft{RoomID: roomID})
}

// SendMessage persists a message from c. Acknowledgement and fan-out are
// pushed by the hub once the message has its sequence.
func (g *Gateway) SendMessage(ctx context.Context, c *Conn, req sendMessageRequest) (domain.Message, error) {
	return g.messages.Append(ctx, service.SendInput{
		RoomID:   req.RoomID,
		SenderID: c.UserID,
		Content:  req.Content,
		Type:     req.Type,
		Origin:   service.Origin{ConnID: c.ID, ClientID: req.ClientID},
	})
}

// MarkRead moves c's user read cursor; uptoSeq 0 means the newest message.
func (g *Gateway) MarkRead(ctx context.Context, c *Conn, roomID string, uptoSeq int64) error {
	_, err := g.receipts.RecordRead(ctx, roomID, c.UserID, uptoSeq)
	return err
}

// RunPresence turns presence transitions into user:online and user:offline
// events for everyone sharing an active room with the user.
func (g *Gateway) RunPresence(ctx context.Context) error {
	defer g.presence.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-g.events:
			g.announce(ctx, ev)
		}
	}
}

func (g *Gateway) announce(ctx context.Context, ev presence.Event) {
	contacts, err := g.rooms.ContactIDs(ctx, ev.UserID)
	if err != nil {
		g.log.Error("presence contacts", "user_id", ev.UserID, "error", err)
		return
	}
	contacts = lo.Filter(contacts, func(id string, _ int) bool {
		return id != ev.UserID && g.hub.UserConnected(id)
	})
	event := EventUserOffline
	if ev.Online {
		event = EventUserOnline
	}
	g.hub.SendToUsers(contacts, event, UserPresence{UserID: ev.UserID})
}

func (g *Gateway) enqueuePresence(ev presence.Event) {
	select {
	case g.events <- ev:
	default:
		g.log.Warn("presence queue full, dropping transition", "user_id", ev.UserID, "online", ev.Online)
	}
}

func (g *Gateway) delivered(roomID, userID string, seq int64) {
	g.receipts.Delivered(roomID, userID, seq)
}

func (g *Gateway) decode(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return domain.NewValidationError("data", "malformed payload")
	}
	if err := g.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.NewValidationError(fe.Field(), "failed on "+fe.Tag())
		}
		return domain.NewValidationError("data", err.Error())
	}
	return nil
}

func (g *Gateway) fail(c *Conn, err error, roomID, clientID string) {
	code := string(domain.KindOf(err))
	if code == "" {
		code = "internal"
		c.log.Error("event failed", "room_id", roomID, "error", err)
	} else {
		c.log.Debug("event rejected", "room_id", roomID, "code", code, "error", err)
	}
	_ = g.hub.SendTo(c, EventMessageError, MessageError{
		Reason:   domain.Reason(err),
		Code:     code,
		RoomID:   roomID,
		ClientID: clientID,
	})
}
