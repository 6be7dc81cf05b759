package signaling

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carebridge/signaling-relay/internal/config"
	"github.com/carebridge/signaling-relay/internal/metrics"
)

func startWSServer(t *testing.T, cfg config.Config) (*Server, string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(cfg, log, metrics.New())
	t.Cleanup(srv.Close)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func wsTestConfig() config.Config {
	return config.Config{
		WSIdleTimeout:   10 * time.Second,
		WSPingInterval:  5 * time.Second,
		MaxMessageBytes: 64 * 1024,
	}
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := parseEnvelope(frame)
	if err != nil {
		t.Fatalf("parse frame %s: %v", frame, err)
	}
	return env
}

func expectEvent(t *testing.T, conn *websocket.Conn, event eventType) envelope {
	t.Helper()
	env := readEnvelope(t, conn)
	if env.Event != event {
		t.Fatalf("got event %q, want %q (data=%s)", env.Event, event, env.Data)
	}
	return env
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// joinAndID joins the given room and returns the connection id the server
// assigned.
func joinAndID(t *testing.T, conn *websocket.Conn, roomID string) string {
	t.Helper()
	sendFrame(t, conn, fmt.Sprintf(`{"event":"join-room","data":{"roomId":%q}}`, roomID))
	env := expectEvent(t, conn, eventJoinedRoom)
	data := decodeData[joinedRoomEvent](t, env)
	if data.RoomID != roomID {
		t.Fatalf("joined-room roomId = %q, want %q", data.RoomID, roomID)
	}
	return data.YourConnectionID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestJoinLifecycleOverWebSocket(t *testing.T) {
	srv, url := startWSServer(t, wsTestConfig())

	a := dialWS(t, url)
	aID := joinAndID(t, a, "r1")

	b := dialWS(t, url)
	bID := joinAndID(t, b, "r1")

	existing := decodeData[existingUsersEvent](t, expectEvent(t, b, eventExistingUsers))
	if len(existing.Users) != 1 || existing.Users[0].ConnectionID != aID {
		t.Fatalf("existing-users = %+v, want exactly %s", existing.Users, aID)
	}

	joined := decodeData[userJoinedEvent](t, expectEvent(t, a, eventUserJoined))
	if joined.ConnectionID != bID {
		t.Errorf("user-joined connectionId = %q, want %q", joined.ConnectionID, bID)
	}
	if len(joined.Room.Users) != 2 {
		t.Errorf("room snapshot has %d users, want 2", len(joined.Room.Users))
	}

	if got := srv.Hub().ActiveRooms(); got != 1 {
		t.Errorf("ActiveRooms = %d, want 1", got)
	}
	if got := srv.Hub().ConnectedClients(); got != 2 {
		t.Errorf("ConnectedClients = %d, want 2", got)
	}
}

func TestCapacityOverWebSocket(t *testing.T) {
	_, url := startWSServer(t, wsTestConfig())

	a := dialWS(t, url)
	joinAndID(t, a, "r1")
	b := dialWS(t, url)
	joinAndID(t, b, "r1")
	expectEvent(t, b, eventExistingUsers)
	expectEvent(t, a, eventUserJoined)

	c := dialWS(t, url)
	sendFrame(t, c, `{"event":"join-room","data":{"roomId":"r1"}}`)
	errEnv := expectEvent(t, c, eventError)
	if msg := decodeData[errorEvent](t, errEnv).Message; msg != "Room is full" {
		t.Fatalf("error = %q, want Room is full", msg)
	}
}

func TestTargetedRelayOverWebSocket(t *testing.T) {
	_, url := startWSServer(t, wsTestConfig())

	a := dialWS(t, url)
	aID := joinAndID(t, a, "r1")
	b := dialWS(t, url)
	bID := joinAndID(t, b, "r1")
	expectEvent(t, b, eventExistingUsers)
	expectEvent(t, a, eventUserJoined)

	sendFrame(t, a, fmt.Sprintf(
		`{"event":"offer","data":{"targetSocketId":%q,"roomId":"r1","offer":{"type":"offer","sdp":"v=0"}}}`, bID))

	env := expectEvent(t, b, eventOffer)
	var data struct {
		Offer            json.RawMessage `json:"offer"`
		FromConnectionID string          `json:"fromConnectionId"`
		RoomID           string          `json:"roomId"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.FromConnectionID != aID || data.RoomID != "r1" {
		t.Errorf("relay metadata = %+v", data)
	}
	if string(data.Offer) != `{"type":"offer","sdp":"v=0"}` {
		t.Errorf("offer = %s, want untouched passthrough", data.Offer)
	}
}

func TestDisconnectCleanupOverWebSocket(t *testing.T) {
	srv, url := startWSServer(t, wsTestConfig())

	a := dialWS(t, url)
	joinAndID(t, a, "r1")
	b := dialWS(t, url)
	bID := joinAndID(t, b, "r1")
	expectEvent(t, b, eventExistingUsers)
	expectEvent(t, a, eventUserJoined)

	b.Close()

	left := decodeData[userLeftEvent](t, expectEvent(t, a, eventUserLeft))
	if left.ConnectionID != bID || left.Reason != "disconnected" {
		t.Fatalf("user-left = %+v", left)
	}

	waitFor(t, "registry cleanup", func() bool {
		return srv.Hub().ConnectedClients() == 1
	})
}

func TestRoomReuseAfterTeardown(t *testing.T) {
	srv, url := startWSServer(t, wsTestConfig())

	a := dialWS(t, url)
	joinAndID(t, a, "r1")
	a.Close()

	waitFor(t, "room teardown", func() bool {
		return srv.Hub().ActiveRooms() == 0
	})

	b := dialWS(t, url)
	joinAndID(t, b, "r1")
	if got := srv.Hub().ActiveRooms(); got != 1 {
		t.Errorf("ActiveRooms = %d, want 1 after reusing the room id", got)
	}
}

func TestServerCloseTearsDownConnections(t *testing.T) {
	srv, url := startWSServer(t, wsTestConfig())

	conn := dialWS(t, url)
	joinAndID(t, conn, "r1")

	srv.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	waitFor(t, "registry teardown", func() bool {
		return srv.Hub().ConnectedClients() == 0
	})
}

func TestUpgradeRejectsDisallowedOrigin(t *testing.T) {
	cfg := wsTestConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	_, url := startWSServer(t, cfg)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("dial with disallowed origin succeeded")
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
	}

	conn, resp, err = websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://app.example.com"}})
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	conn.Close()
}

func TestUpgradeRateLimit(t *testing.T) {
	cfg := wsTestConfig()
	cfg.UpgradesPerIPPerSecond = 1
	_, url := startWSServer(t, cfg)

	// Burst is 2x the per-second rate; the third rapid dial must be rejected.
	for i := 0; i < 2; i++ {
		conn := dialWS(t, url)
		defer conn.Close()
	}

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("third rapid dial succeeded, want 429")
	}
	if resp != nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusTooManyRequests {
			t.Errorf("status = %d, want 429", resp.StatusCode)
		}
	}
}

func TestMessageRateLimit(t *testing.T) {
	cfg := wsTestConfig()
	cfg.MaxMessagesPerSecond = 2
	_, url := startWSServer(t, cfg)

	conn := dialWS(t, url)
	joinAndID(t, conn, "r1")

	// Burst allowance is 2x the rate; the join consumed one token.
	for i := 0; i < 8; i++ {
		sendFrame(t, conn, `{"event":"leave-room"}`)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("never saw rate limit error")
		}
		env := readEnvelope(t, conn)
		if env.Event != eventError {
			continue
		}
		if msg := decodeData[errorEvent](t, env).Message; msg == "Too many messages" {
			return
		}
	}
}
