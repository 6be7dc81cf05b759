package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/carebridge/signaling-relay/internal/room"
)

type eventType string

// Client to server.
const (
	eventJoinRoom     eventType = "join-room"
	eventLeaveRoom    eventType = "leave-room"
	eventOffer        eventType = "offer"
	eventAnswer       eventType = "answer"
	eventICECandidate eventType = "ice-candidate"
	eventChatMessage  eventType = "chat-message"
)

// Server to client.
const (
	eventJoinedRoom    eventType = "joined-room"
	eventExistingUsers eventType = "existing-users"
	eventUserJoined    eventType = "user-joined"
	eventUserLeft      eventType = "user-left"
	eventLeftRoom      eventType = "left-room"
	eventError         eventType = "error"
)

// envelope is the wire framing for every signaling message: the event name
// plus an event-specific data object. Payloads stay opaque json.RawMessage
// wherever the relay only forwards them.
type envelope struct {
	Event eventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func parseEnvelope(frame []byte) (envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return envelope{}, err
	}
	if env.Event == "" {
		return envelope{}, fmt.Errorf("missing event")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return envelope{}, fmt.Errorf("unexpected trailing data")
	}
	return env, nil
}

type joinPayload struct {
	RoomID   string          `json:"roomId"`
	UserInfo json.RawMessage `json:"userInfo,omitempty"`
}

// relayPayload carries a targeted negotiation message. Exactly one of the
// offer/answer/candidate keys is present depending on the event.
type relayPayload struct {
	TargetID string
	RoomID   string
	Body     json.RawMessage
}

func parseRelayPayload(event eventType, data []byte) (relayPayload, error) {
	var raw struct {
		TargetSocketID string          `json:"targetSocketId"`
		RoomID         string          `json:"roomId"`
		Offer          json.RawMessage `json:"offer,omitempty"`
		Answer         json.RawMessage `json:"answer,omitempty"`
		Candidate      json.RawMessage `json:"candidate,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return relayPayload{}, err
	}

	p := relayPayload{TargetID: raw.TargetSocketID, RoomID: raw.RoomID}
	switch event {
	case eventOffer:
		p.Body = raw.Offer
	case eventAnswer:
		p.Body = raw.Answer
	case eventICECandidate:
		p.Body = raw.Candidate
	default:
		return relayPayload{}, fmt.Errorf("event %q is not a targeted relay", event)
	}

	if p.TargetID == "" {
		return relayPayload{}, fmt.Errorf("missing targetSocketId")
	}
	if p.RoomID == "" {
		return relayPayload{}, fmt.Errorf("missing roomId")
	}
	if len(p.Body) == 0 {
		return relayPayload{}, fmt.Errorf("missing %s body", relayBodyKey(event))
	}
	return p, nil
}

// relayBodyKey maps a relay event to the JSON key its payload travels under,
// inbound and outbound alike.
func relayBodyKey(event eventType) string {
	if event == eventICECandidate {
		return "candidate"
	}
	return string(event)
}

type chatPayload struct {
	Message   json.RawMessage `json:"message"`
	RoomID    string          `json:"roomId"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

func parseChatPayload(data []byte) (chatPayload, error) {
	var p chatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return chatPayload{}, err
	}
	if len(p.Message) == 0 {
		return chatPayload{}, fmt.Errorf("missing message")
	}
	if p.RoomID == "" {
		return chatPayload{}, fmt.Errorf("missing roomId")
	}
	return p, nil
}

func encodeEvent(event eventType, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(envelope{Event: event, Data: raw})
}

type joinedRoomEvent struct {
	RoomID           string    `json:"roomId"`
	Room             room.Room `json:"room"`
	YourConnectionID string    `json:"yourConnectionId"`
}

type existingUsersEvent struct {
	Users []room.Participant `json:"users"`
}

type userJoinedEvent struct {
	ConnectionID string          `json:"connectionId"`
	UserInfo     json.RawMessage `json:"userInfo"`
	Room         room.Room       `json:"room"`
}

type userLeftEvent struct {
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason"`
}

type leftRoomEvent struct {
	RoomID string `json:"roomId"`
}

type errorEvent struct {
	Message string `json:"message"`
}

type chatEvent struct {
	Message          json.RawMessage `json:"message"`
	FromConnectionID string          `json:"fromConnectionId"`
	Timestamp        json.RawMessage `json:"timestamp"`
	RoomID           string          `json:"roomId"`
}

// encodeRelayEvent builds the outbound unicast frame: the forwarded body keeps
// its inbound key, with sender and room attached alongside.
func encodeRelayEvent(event eventType, body json.RawMessage, fromID, roomID string) ([]byte, error) {
	return encodeEvent(event, map[string]any{
		relayBodyKey(event): body,
		"fromConnectionId":  fromID,
		"roomId":            roomID,
	})
}
