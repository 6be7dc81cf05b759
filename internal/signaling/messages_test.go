package signaling

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	env, err := parseEnvelope([]byte(`{"event":"join-room","data":{"roomId":"r1"}}`))
	if err != nil {
		t.Fatalf("parseEnvelope: %v", err)
	}
	if env.Event != eventJoinRoom {
		t.Errorf("event = %q", env.Event)
	}
	if string(env.Data) != `{"roomId":"r1"}` {
		t.Errorf("data = %s", env.Data)
	}
}

func TestParseEnvelopeRejects(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"not json", `hello`},
		{"missing event", `{"data":{}}`},
		{"unknown top-level field", `{"event":"offer","data":{},"extra":1}`},
		{"trailing data", `{"event":"offer"}{"event":"answer"}`},
		{"array", `[{"event":"offer"}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseEnvelope([]byte(tc.frame)); err == nil {
				t.Errorf("parseEnvelope(%q) succeeded, want error", tc.frame)
			}
		})
	}
}

func TestParseRelayPayloadSelectsBody(t *testing.T) {
	cases := []struct {
		event eventType
		data  string
		body  string
	}{
		{eventOffer, `{"targetSocketId":"B","roomId":"r1","offer":{"sdp":"o"}}`, `{"sdp":"o"}`},
		{eventAnswer, `{"targetSocketId":"B","roomId":"r1","answer":{"sdp":"a"}}`, `{"sdp":"a"}`},
		{eventICECandidate, `{"targetSocketId":"B","roomId":"r1","candidate":{"candidate":"c"}}`, `{"candidate":"c"}`},
	}
	for _, tc := range cases {
		t.Run(string(tc.event), func(t *testing.T) {
			p, err := parseRelayPayload(tc.event, []byte(tc.data))
			if err != nil {
				t.Fatalf("parseRelayPayload: %v", err)
			}
			if p.TargetID != "B" || p.RoomID != "r1" {
				t.Errorf("payload = %+v", p)
			}
			if string(p.Body) != tc.body {
				t.Errorf("body = %s, want %s", p.Body, tc.body)
			}
		})
	}
}

func TestParseRelayPayloadRejects(t *testing.T) {
	cases := []struct {
		name  string
		event eventType
		data  string
	}{
		{"missing target", eventOffer, `{"roomId":"r1","offer":{}}`},
		{"missing room", eventOffer, `{"targetSocketId":"B","offer":{}}`},
		{"missing body", eventOffer, `{"targetSocketId":"B","roomId":"r1"}`},
		{"body under wrong key", eventOffer, `{"targetSocketId":"B","roomId":"r1","answer":{}}`},
		{"not a relay event", eventChatMessage, `{"targetSocketId":"B","roomId":"r1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseRelayPayload(tc.event, []byte(tc.data)); err == nil {
				t.Errorf("parseRelayPayload succeeded, want error")
			}
		})
	}
}

func TestRelayBodyKey(t *testing.T) {
	if got := relayBodyKey(eventOffer); got != "offer" {
		t.Errorf("offer key = %q", got)
	}
	if got := relayBodyKey(eventAnswer); got != "answer" {
		t.Errorf("answer key = %q", got)
	}
	if got := relayBodyKey(eventICECandidate); got != "candidate" {
		t.Errorf("ice-candidate key = %q", got)
	}
}

func TestParseChatPayload(t *testing.T) {
	p, err := parseChatPayload([]byte(`{"message":"hi","roomId":"r1"}`))
	if err != nil {
		t.Fatalf("parseChatPayload: %v", err)
	}
	if string(p.Message) != `"hi"` || p.RoomID != "r1" || len(p.Timestamp) != 0 {
		t.Errorf("payload = %+v", p)
	}

	if _, err := parseChatPayload([]byte(`{"roomId":"r1"}`)); err == nil {
		t.Error("missing message accepted")
	}
	if _, err := parseChatPayload([]byte(`{"message":"hi"}`)); err == nil {
		t.Error("missing roomId accepted")
	}
}

func TestEncodeRelayEventShape(t *testing.T) {
	frame, err := encodeRelayEvent(eventICECandidate, json.RawMessage(`{"candidate":"c1"}`), "A", "r1")
	if err != nil {
		t.Fatalf("encodeRelayEvent: %v", err)
	}

	env, err := parseEnvelope(frame)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if env.Event != eventICECandidate {
		t.Errorf("event = %q", env.Event)
	}

	var data struct {
		Candidate        json.RawMessage `json:"candidate"`
		FromConnectionID string          `json:"fromConnectionId"`
		RoomID           string          `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(data.Candidate) != `{"candidate":"c1"}` || data.FromConnectionID != "A" || data.RoomID != "r1" {
		t.Errorf("data = %+v", data)
	}
}
