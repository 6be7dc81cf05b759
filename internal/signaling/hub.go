// Package signaling implements the relay's core protocol: room lifecycle,
// targeted offer/answer/candidate forwarding, and room chat, on top of a
// WebSocket transport.
package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/carebridge/signaling-relay/internal/metrics"
	"github.com/carebridge/signaling-relay/internal/room"
)

// Wire-visible error strings. Clients match on these, so they are part of the
// protocol contract.
const (
	msgRoomIDRequired = "Room ID is required"
	msgRoomFull       = "Room is full"
	msgAlreadyInRoom  = "User already in room"
	msgNotInRoom      = "Not in the specified room"
	msgInvalidMessage = "Invalid message format"
	msgRateLimited    = "Too many messages"
	msgUnknownEvent   = "Unknown event"
)

const (
	reasonLeft         = "left"
	reasonDisconnected = "disconnected"
)

// Conn is the hub's view of a connected client: a stable id, a non-blocking
// enqueue onto the connection's outbound buffer, and a transport teardown.
type Conn interface {
	ID() string
	Enqueue(frame []byte) bool
	Close()
}

// Hub owns the room table and the connection registry. Every inbound event
// mutates state under one mutex, so no event ever observes a half-updated
// room. Outbound frames are enqueued before the mutex is released, which
// keeps per-room delivery in arrival order; the actual network writes happen
// on each connection's own writer.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.Mutex
	table       *room.Table
	conns       map[string]Conn
	currentRoom map[string]string
}

func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:         logger,
		metrics:     m,
		now:         time.Now,
		table:       room.NewTable(),
		conns:       make(map[string]Conn),
		currentRoom: make(map[string]string),
	}
}

func (h *Hub) Register(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn.ID()] = conn
	h.log.Info("client connected", "connection_id", conn.ID())
}

// Dispatch routes one inbound frame from the named connection. Malformed
// frames and protocol violations are reported back to the sender only; they
// never mutate room state.
func (h *Hub) Dispatch(connID string, frame []byte) {
	env, err := parseEnvelope(frame)
	if err != nil {
		h.log.Debug("unparseable frame", "connection_id", connID, "error", err)
		h.sendError(connID, msgInvalidMessage)
		return
	}

	switch env.Event {
	case eventJoinRoom:
		h.Join(connID, env.Data)
	case eventLeaveRoom:
		h.Leave(connID)
	case eventOffer, eventAnswer, eventICECandidate:
		h.RelayTargeted(env.Event, connID, env.Data)
	case eventChatMessage:
		h.RelayChat(connID, env.Data)
	default:
		h.sendError(connID, msgUnknownEvent)
	}
}

func (h *Hub) Join(connID string, data json.RawMessage) {
	var p joinPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			h.sendError(connID, msgInvalidMessage)
			return
		}
	}
	if p.RoomID == "" {
		h.metrics.Inc(metrics.JoinRejected)
		h.sendError(connID, msgRoomIDRequired)
		return
	}
	// Omitted userInfo becomes an empty object so downstream payloads always
	// carry the key.
	if len(p.UserInfo) == 0 {
		p.UserInfo = json.RawMessage("{}")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// A join while already in a room is a room switch: run the full leave
	// sequence for the old room first so the connection is never counted
	// twice.
	if oldRoom, ok := h.currentRoom[connID]; ok {
		h.leaveLocked(connID, oldRoom, reasonLeft)
		h.metrics.Inc(metrics.RoomsSwitched)
	}

	snapshot, err := h.table.Add(p.RoomID, connID, p.UserInfo)
	if err != nil {
		h.metrics.Inc(metrics.JoinRejected)
		h.sendErrorLocked(connID, joinErrorMessage(err))
		return
	}
	h.currentRoom[connID] = p.RoomID

	others := h.table.Others(p.RoomID, connID)

	h.sendLocked(connID, eventJoinedRoom, joinedRoomEvent{
		RoomID:           p.RoomID,
		Room:             snapshot,
		YourConnectionID: connID,
	})
	if len(others) > 0 {
		h.sendLocked(connID, eventExistingUsers, existingUsersEvent{Users: others})
	}
	for _, other := range others {
		h.sendLocked(other.ConnectionID, eventUserJoined, userJoinedEvent{
			ConnectionID: connID,
			UserInfo:     p.UserInfo,
			Room:         snapshot,
		})
	}

	h.metrics.Inc(metrics.RoomsJoined)
	h.log.Info("joined room", "connection_id", connID, "room_id", p.RoomID, "occupants", len(snapshot.Users))
}

func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	roomID, ok := h.currentRoom[connID]
	if !ok {
		// Already out; leave is idempotent.
		return
	}
	if h.leaveLocked(connID, roomID, reasonLeft) {
		h.sendLocked(connID, eventLeftRoom, leftRoomEvent{RoomID: roomID})
		h.metrics.Inc(metrics.RoomsLeft)
	}
}

// Disconnect runs the leave sequence with reason "disconnected" and removes
// the connection from the registry. Safe to call more than once; a concurrent
// explicit leave for the same connection makes the table removal a no-op.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, registered := h.conns[connID]; !registered {
		return
	}
	if roomID, ok := h.currentRoom[connID]; ok {
		h.leaveLocked(connID, roomID, reasonDisconnected)
	}
	delete(h.conns, connID)

	h.metrics.Inc(metrics.Disconnects)
	h.log.Info("client disconnected", "connection_id", connID)
}

// leaveLocked removes the participant, clears currentRoom, and notifies the
// remaining occupants. Table errors are swallowed: a lost race with another
// cleanup path means the work is already done. Reports whether this call
// performed the removal.
func (h *Hub) leaveLocked(connID, roomID, reason string) bool {
	delete(h.currentRoom, connID)

	if err := h.table.Remove(roomID, connID); err != nil {
		if !errors.Is(err, room.ErrRoomNotFound) && !errors.Is(err, room.ErrNotInRoom) {
			h.log.Warn("room removal failed", "connection_id", connID, "room_id", roomID, "error", err)
		}
		return false
	}

	for _, other := range h.table.Others(roomID, connID) {
		h.sendLocked(other.ConnectionID, eventUserLeft, userLeftEvent{
			ConnectionID: connID,
			Reason:       reason,
		})
	}
	h.log.Info("left room", "connection_id", connID, "room_id", roomID, "reason", reason)
	return true
}

func (h *Hub) RelayTargeted(event eventType, connID string, data json.RawMessage) {
	p, err := parseRelayPayload(event, data)
	if err != nil {
		h.metrics.Inc(metrics.RelayRejected)
		h.sendError(connID, msgInvalidMessage)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.currentRoom[connID] != p.RoomID {
		h.metrics.Inc(metrics.RelayRejected)
		h.sendErrorLocked(connID, msgNotInRoom)
		return
	}

	target, ok := h.conns[p.TargetID]
	if !ok {
		// The target raced us out of the room. Expected, not an error.
		h.metrics.Inc(metrics.DropTargetGone)
		h.log.Debug("relay target gone", "event", string(event), "from", connID, "target", p.TargetID)
		return
	}

	frame, err := encodeRelayEvent(event, p.Body, connID, p.RoomID)
	if err != nil {
		h.log.Error("encode relay frame", "event", string(event), "error", err)
		return
	}
	h.deliverLocked(target, frame)
	h.metrics.Inc(metrics.RelayedUnicast)
}

func (h *Hub) RelayChat(connID string, data json.RawMessage) {
	p, err := parseChatPayload(data)
	if err != nil {
		h.metrics.Inc(metrics.RelayRejected)
		h.sendError(connID, msgInvalidMessage)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.currentRoom[connID] != p.RoomID {
		h.metrics.Inc(metrics.RelayRejected)
		h.sendErrorLocked(connID, msgNotInRoom)
		return
	}

	timestamp := p.Timestamp
	if len(timestamp) == 0 {
		ts, err := json.Marshal(h.now().UTC().Format(time.RFC3339Nano))
		if err == nil {
			timestamp = ts
		}
	}

	for _, other := range h.table.Others(p.RoomID, connID) {
		h.sendLocked(other.ConnectionID, eventChatMessage, chatEvent{
			Message:          p.Message,
			FromConnectionID: connID,
			Timestamp:        timestamp,
			RoomID:           p.RoomID,
		})
	}
	h.metrics.Inc(metrics.RelayedChat)
}

// CloseAll tears down every registered connection's transport. Each closed
// connection runs the usual disconnect cleanup from its read pump.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) ActiveRooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.table.Len()
}

func (h *Hub) ConnectedClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) sendError(connID, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErrorLocked(connID, message)
}

func (h *Hub) sendErrorLocked(connID, message string) {
	h.sendLocked(connID, eventError, errorEvent{Message: message})
}

func (h *Hub) sendLocked(connID string, event eventType, data any) {
	conn, ok := h.conns[connID]
	if !ok {
		return
	}
	frame, err := encodeEvent(event, data)
	if err != nil {
		h.log.Error("encode event", "event", string(event), "error", err)
		return
	}
	h.deliverLocked(conn, frame)
}

func (h *Hub) deliverLocked(conn Conn, frame []byte) {
	if !conn.Enqueue(frame) {
		h.metrics.Inc(metrics.DropSendBufferFull)
		h.log.Warn("send buffer full, dropping frame", "connection_id", conn.ID())
	}
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomFull):
		return msgRoomFull
	case errors.Is(err, room.ErrAlreadyInRoom):
		return msgAlreadyInRoom
	default:
		return msgInvalidMessage
	}
}
