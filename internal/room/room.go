// Package room implements the in-memory room table: capacity-enforced
// membership bookkeeping for one-to-one call rooms.
//
// The table is the single authority on which connections occupy which room.
// It deliberately contains no transport or business logic; callers decide
// why a join or leave happens and what to tell the peers about it.
package room

import (
	"encoding/json"
	"sync"
	"time"
)

// Capacity is the fixed participant limit per room. The relay only supports
// one-to-one calls; raising this would require no table changes, only a
// protocol decision.
const Capacity = 2

// Participant is one connection's membership record within a room.
//
// UserInfo is opaque caller-supplied metadata (display name, role). The table
// stores and returns it verbatim; it is never inspected.
type Participant struct {
	ConnectionID string          `json:"connectionId"`
	JoinedAt     time.Time       `json:"joinedAt"`
	UserInfo     json.RawMessage `json:"userInfo,omitempty"`
}

// Room is a snapshot of one room's state. Values returned by Table methods
// are copies; mutating them does not affect the table.
type Room struct {
	ID        string        `json:"id"`
	Users     []Participant `json:"users"`
	CreatedAt time.Time     `json:"createdAt"`
	MaxUsers  int           `json:"maxUsers"`
}

type roomState struct {
	id        string
	users     []Participant
	createdAt time.Time
}

func (r *roomState) snapshot() Room {
	users := make([]Participant, len(r.users))
	copy(users, r.users)
	return Room{
		ID:        r.id,
		Users:     users,
		CreatedAt: r.createdAt,
		MaxUsers:  Capacity,
	}
}

// Table maps room identifiers to room state. All operations are atomic with
// respect to each other: no caller can observe a partially-updated room, and
// a room with zero participants is never present in the table.
//
// A single whole-table mutex is intentional. Call volume is bounded by the
// number of concurrent active calls, not by signaling message throughput, so
// finer-grained locking buys nothing here.
type Table struct {
	mu    sync.Mutex
	rooms map[string]*roomState

	now func() time.Time
}

func NewTable() *Table {
	return &Table{
		rooms: make(map[string]*roomState),
		now:   time.Now,
	}
}

// Add appends a participant to the room, creating the room lazily on first
// join. On success it returns a snapshot of the room after the join, which
// callers use to report current occupancy.
//
// It fails with ErrRoomFull when the room already holds Capacity participants
// and with ErrAlreadyInRoom when connID is already listed.
func (t *Table) Add(roomID, connID string, userInfo json.RawMessage) (Room, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rooms[roomID]
	if !ok {
		r = &roomState{id: roomID, createdAt: t.now()}
		t.rooms[roomID] = r
	}

	if len(r.users) >= Capacity {
		return Room{}, ErrRoomFull
	}
	for _, u := range r.users {
		if u.ConnectionID == connID {
			return Room{}, ErrAlreadyInRoom
		}
	}

	r.users = append(r.users, Participant{
		ConnectionID: connID,
		JoinedAt:     t.now(),
		UserInfo:     userInfo,
	})
	return r.snapshot(), nil
}

// Remove deletes connID's participant record from the room. If the room is
// left empty, it is deleted in the same step; no transient empty room is
// observable by other operations.
//
// It fails with ErrRoomNotFound when the room does not exist and ErrNotInRoom
// when the connection is not listed. Callers treat both as an idempotent
// no-op: a duplicate leave (or leave racing a disconnect) has already been
// cleaned up by the first call.
func (t *Table) Remove(roomID, connID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}

	for i, u := range r.users {
		if u.ConnectionID == connID {
			r.users = append(r.users[:i], r.users[i+1:]...)
			if len(r.users) == 0 {
				delete(t.rooms, roomID)
			}
			return nil
		}
	}
	return ErrNotInRoom
}

// Others returns the room's participants excluding connID, in join order.
// A missing room yields an empty slice.
func (t *Table) Others(roomID, connID string) []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rooms[roomID]
	if !ok {
		return nil
	}

	others := make([]Participant, 0, len(r.users))
	for _, u := range r.users {
		if u.ConnectionID != connID {
			others = append(others, u)
		}
	}
	return others
}

// Snapshot returns a copy of the room's current state.
func (t *Table) Snapshot(roomID string) (Room, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return r.snapshot(), true
}

// Len reports the number of active rooms.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}
