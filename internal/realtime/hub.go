package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"consultancy-chat/internal/metrics"
)

const connectedMessage = "Connected to real-time updates"

// envelope is what travels over the broker. An empty Recipients list means
// every connection in the room.
type envelope struct {
	Room       string          `json:"room"`
	Recipients []int64         `json:"recipients,omitempty"`
	Frame      json.RawMessage `json:"frame"`
}

type request struct {
	client *Client
	frame  inboundFrame
}

// Hub owns the room membership of this instance. Only Run touches rooms and
// client send channels.
type Hub struct {
	rooms      map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	requests   chan request
	done       chan struct{}

	presence *Presence
	broker   Broker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewHub(broker Broker, presence *Presence, m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		requests:   make(chan request),
		done:       make(chan struct{}),
		presence:   presence,
		broker:     broker,
		metrics:    m,
		logger:     logger,
	}
}

func (h *Hub) Presence() *Presence {
	return h.presence
}

// Run subscribes to the broker and serves the hub until ctx is cancelled.
// On return every local connection has been told to close.
func (h *Hub) Run(ctx context.Context) error {
	incoming, err := h.broker.Subscribe(ctx)
	if err != nil {
		close(h.done)
		return err
	}
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-h.register:
			h.add(c)

		case c := <-h.unregister:
			h.remove(c)

		case req := <-h.requests:
			h.handle(req)

		case payload, ok := <-incoming:
			if !ok {
				return fmt.Errorf("broker subscription closed")
			}
			h.deliver(payload)
		}
	}
}

func (h *Hub) shutdown() {
	close(h.done)
	for room, clients := range h.rooms {
		for c := range clients {
			h.drop(room, c)
		}
	}
}

func (h *Hub) add(c *Client) {
	clients, ok := h.rooms[c.room]
	if !ok {
		clients = make(map[*Client]struct{})
		h.rooms[c.room] = clients
	}
	clients[c] = struct{}{}
	c.setState(StateConnected)
	h.metrics.ActiveConnections.Inc()

	count := h.presence.Add(c.room, c.userID)
	h.logger.Debug("client connected", "conn_id", c.id, "user_id", c.userID, "room", c.room, "online", count)

	h.enqueue(c, mustMarshal(connectionEstablishedFrame{Type: TypeConnectionEstablished, Message: connectedMessage}))
	h.broadcastCount(c.room, count)
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.rooms[c.room][c]; !ok {
		return
	}
	count := h.drop(c.room, c)
	h.logger.Debug("client disconnected", "conn_id", c.id, "user_id", c.userID, "room", c.room, "online", count)
	h.broadcastCount(c.room, count)
}

// drop forgets a registered client and closes its send channel.
func (h *Hub) drop(room string, c *Client) int {
	delete(h.rooms[room], c)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	close(c.send)
	c.setState(StateClosed)
	h.metrics.ActiveConnections.Dec()
	return h.presence.Remove(room, c.userID)
}

func (h *Hub) handle(req request) {
	c := req.client
	if _, ok := h.rooms[c.room][c]; !ok {
		return
	}
	switch req.frame.Type {
	case TypePing:
		h.enqueue(c, mustMarshal(pongFrame{Type: TypePong}))
	case TypeGetOnlineCount:
		h.enqueue(c, mustMarshal(onlineCountFrame{Type: TypeOnlineCount, Count: h.presence.Count(c.room)}))
	default:
		h.logger.Debug("ignoring inbound frame", "conn_id", c.id, "type", req.frame.Type)
	}
}

// broadcastCount stays on this instance: presence is per process.
func (h *Hub) broadcastCount(room string, count int) {
	frame := mustMarshal(onlineCountFrame{Type: TypeOnlineCount, Count: count})
	for c := range h.rooms[room] {
		h.enqueue(c, frame)
	}
}

func (h *Hub) deliver(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		h.logger.Warn("dropping malformed broker payload", "error", err)
		return
	}

	var wanted map[int64]struct{}
	if len(env.Recipients) > 0 {
		wanted = make(map[int64]struct{}, len(env.Recipients))
		for _, id := range env.Recipients {
			wanted[id] = struct{}{}
		}
	}

	for c := range h.rooms[env.Room] {
		if wanted != nil {
			if _, ok := wanted[c.userID]; !ok {
				continue
			}
		}
		h.enqueue(c, env.Frame)
	}
}

// enqueue never blocks the hub; a client whose buffer is full is dropped.
func (h *Hub) enqueue(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.logger.Warn("dropping slow client", "conn_id", c.id, "user_id", c.userID)
		count := h.drop(c.room, c)
		h.broadcastCount(c.room, count)
	}
}

// Publish sends a frame to the tenant's room on every instance. With
// recipients set, only those users' connections receive it.
func (h *Hub) Publish(ctx context.Context, tenant string, recipients []int64, frame any) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	payload, err := json.Marshal(envelope{Room: RoomFor(tenant), Recipients: recipients, Frame: raw})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := h.broker.Publish(ctx, payload); err != nil {
		h.metrics.BroadcastErrors.Inc()
		return err
	}
	return nil
}

// NotifyMessage announces a stored chat message to its recipients. No
// content is sent; clients fetch it through the API.
func (h *Hub) NotifyMessage(ctx context.Context, tenant string, recipients []int64, conversationID, messageID, senderID int64, at time.Time) error {
	return h.Publish(ctx, tenant, recipients, chatMessageFrame{
		Type:           TypeChatMessage,
		ConversationID: conversationID,
		Message:        MessageMeta{ID: messageID, SenderID: senderID, Timestamp: at},
	})
}

// NotifyUpdate emits an entity-change frame. A nil recipients list reaches the
// whole tenant.
func (h *Hub) NotifyUpdate(ctx context.Context, tenant string, recipients []int64, entity string, action Action, id int64) error {
	return h.Publish(ctx, tenant, recipients, updateFrame{
		Type:   TypeUpdate,
		Entity: entity,
		Action: action,
		Data:   EntityRef{ID: id},
	})
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
