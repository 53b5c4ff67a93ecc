package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lsm/neokai/internal/protocol"
)

func startTestServer(t *testing.T, addr string) *Server {
	t.Helper()
	srv, err := NewServer(&Options{
		Address:  addr,
		LogLevel: "error", // 减少测试时的日志噪音
	})
	if err != nil {
		t.Fatal("Failed to create server:", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal("Failed to start server:", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	// 等待服务器启动
	time.Sleep(100 * time.Millisecond)
	return srv
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal("Failed to connect:", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal("Failed to read:", err)
	}
	env, ok := protocol.Decode(data)
	if !ok {
		t.Fatalf("server sent an undecodable frame: %s", data)
	}
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal("Failed to send:", err)
	}
}

func TestRequestOverWebSocket(t *testing.T) {
	srv := startTestServer(t, ":18091")

	if _, err := srv.Hub().OnRequest("math.add", func(ctx context.Context, env *protocol.Envelope) (any, error) {
		var in struct{ A, B int }
		if err := env.DecodeData(&in); err != nil {
			return nil, err
		}
		return map[string]int{"sum": in.A + in.B}, nil
	}); err != nil {
		t.Fatal(err)
	}

	conn := dialClient(t, "ws://localhost:18091/ws?client_id=tester")

	req, _ := protocol.NewRequest("global", "math.add", map[string]int{"A": 2, "B": 3}, "")
	writeEnvelope(t, conn, req)

	resp := readEnvelope(t, conn)
	if resp.Kind != protocol.KindResponse || resp.RequestID != req.ID {
		t.Fatalf("unexpected response: %+v", resp)
	}
	var out map[string]int
	if err := json.Unmarshal(resp.Data, &out); err != nil || out["sum"] != 5 {
		t.Errorf("expected sum 5, got %s", resp.Data)
	}
}

func TestRoomFanOutOverWebSocket(t *testing.T) {
	startTestServer(t, ":18092")

	alice := dialClient(t, "ws://localhost:18092/ws?client_id=alice")
	bob := dialClient(t, "ws://localhost:18092/ws?client_id=bob")

	// alice加入lobby
	join, _ := protocol.NewRequest("global", "room.join", map[string]string{"room": "lobby"}, "")
	writeEnvelope(t, alice, join)
	ack := readEnvelope(t, alice)
	if ack.RequestID != join.ID || ack.ErrorCode != 0 {
		t.Fatalf("join failed: %+v", ack)
	}

	// bob向lobby发事件，alice应当收到
	event, _ := protocol.NewEvent("global", "chat.msg", map[string]string{"text": "hi"}, "lobby")
	writeEnvelope(t, bob, event)

	got := readEnvelope(t, alice)
	if got.Kind != protocol.KindEvent || got.Method != "chat.msg" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	var payload map[string]string
	if err := json.Unmarshal(got.Data, &payload); err != nil || payload["text"] != "hi" {
		t.Errorf("unexpected payload: %s", got.Data)
	}
	if got.Sequence == 0 {
		t.Error("relayed events must carry a sequence")
	}
}

func TestPingPongOverWebSocket(t *testing.T) {
	startTestServer(t, ":18093")
	conn := dialClient(t, "ws://localhost:18093/ws")

	ping := &protocol.Envelope{
		ID:        "ping-1",
		Kind:      protocol.KindPing,
		SessionID: "global",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	writeEnvelope(t, conn, ping)

	pong := readEnvelope(t, conn)
	if pong.Kind != protocol.KindPong || pong.RequestID != "ping-1" {
		t.Fatalf("unexpected pong: %+v", pong)
	}
}

func TestHealthEndpoint(t *testing.T) {
	startTestServer(t, ":18094")

	resp, err := http.Get("http://localhost:18094/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	startTestServer(t, ":18095")

	resp, err := http.Get("http://localhost:18095/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestUnknownMethodOverWebSocket(t *testing.T) {
	startTestServer(t, ":18096")
	conn := dialClient(t, "ws://localhost:18096/ws")

	req, _ := protocol.NewRequest("global", "no.such", nil, "")
	writeEnvelope(t, conn, req)

	resp := readEnvelope(t, conn)
	if resp.ErrorCode != protocol.ErrCodeUnknownMethod {
		t.Errorf("expected unknown method error, got %+v", resp)
	}
}
