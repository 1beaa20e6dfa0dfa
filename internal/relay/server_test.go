package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/bsdeploy/internal/service"
)

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// startRelay serves s over httptest and returns a dial helper. Each dial
// waits until the server has emitted connected.
func startRelay(t *testing.T, s *Server) func() *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)

	connected := make(chan struct{}, 4)
	s.On(service.EventConnected, func(error) { connected <- struct{}{} })

	return func() *websocket.Conn {
		t.Helper()
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		select {
		case <-connected:
		case <-time.After(time.Second):
			t.Fatal("server did not report connected")
		}
		return conn
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
}

func TestExecuteRouted(t *testing.T) {
	s := NewServer("")
	got := make(chan ExecuteRequest, 1)
	s.Repl().OnExecute(func(req ExecuteRequest) { got <- req })

	conn := startRelay(t, s)()
	writeJSON(t, conn, map[string]any{"service": "repl", "event": "execute", "payload": []any{"print(1)"}})

	select {
	case req := <-got:
		if req.Source != "print(1)" {
			t.Errorf("Source = %q, want print(1)", req.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("execute not delivered")
	}
}

func TestBadMessagesDroppedWithoutClosing(t *testing.T) {
	s := NewServer("")
	got := make(chan ExecuteRequest, 4)
	s.Repl().OnExecute(func(req ExecuteRequest) { got <- req })

	conn := startRelay(t, s)()
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	writeJSON(t, conn, map[string]any{"service": "device", "event": "execute", "payload": []any{"x"}})
	writeJSON(t, conn, map[string]any{"service": "repl", "event": "execute", "payload": []any{42}})
	writeJSON(t, conn, map[string]any{"service": "repl", "event": "execute", "payload": []any{"a", "b"}})
	writeJSON(t, conn, map[string]any{"service": "repl", "event": "bogus", "payload": []any{}})
	writeJSON(t, conn, map[string]any{"service": "repl", "event": "executeCell", "payload": []any{"ok"}})

	select {
	case req := <-got:
		if req.Source != "ok" {
			t.Errorf("first delivered request = %q, want ok", req.Source)
		}
	case <-time.After(time.Second):
		t.Fatal("valid message after bad ones was not delivered")
	}
}

func TestSecondClientRefused(t *testing.T) {
	s := NewServer("")
	ts := httptest.NewServer(s)
	defer ts.Close()

	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("first Dial() error = %v", err)
	}
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err == nil {
		t.Fatal("second Dial() succeeded, want refusal")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("second Dial() response = %v, want 409", resp)
	}
}

func TestClientCanReattach(t *testing.T) {
	s := NewServer("")
	disconnected := make(chan struct{}, 1)
	s.On(service.EventDisconnected, func(error) { disconnected <- struct{}{} })
	dial := startRelay(t, s)

	first := dial()
	first.Close()
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("no disconnected event")
	}
	if s.Connected() {
		t.Error("Connected() = true after client left")
	}

	dial()
	if !s.Connected() {
		t.Error("Connected() = false after second client attached")
	}
}

func TestSendWithoutClient(t *testing.T) {
	s := NewServer("")
	err := s.Repl().Log(context.Background(), "hello")
	if !errors.Is(err, ErrNoClient) {
		t.Errorf("Log() error = %v, want ErrNoClient", err)
	}
	if !errors.Is(err, service.ErrNotConnected) {
		t.Errorf("Log() error = %v, want it to match ErrNotConnected", err)
	}
}

func TestOutboundEnvelopes(t *testing.T) {
	s := NewServer("")
	conn := startRelay(t, s)()
	repl := s.Repl()
	ctx := context.Background()

	sends := []struct {
		send func() error
		want string
	}{
		{func() error { return repl.FinishCompilation(ctx, 12.5, "") }, `{"service":"repl","event":"finishCompilation","payload":[12.5,null]}`},
		{func() error { return repl.FinishCompilation(ctx, -1, "line 1: bad") }, `{"service":"repl","event":"finishCompilation","payload":[-1,"line 1: bad"]}`},
		{func() error { return repl.FinishLoading(ctx, 3) }, `{"service":"repl","event":"finishLoading","payload":[3]}`},
		{func() error { return repl.FinishExecution(ctx, 17.3) }, `{"service":"repl","event":"finishExecution","payload":[17.3]}`},
		{func() error { return repl.Log(ctx, "hi") }, `{"service":"repl","event":"log","payload":["hi"]}`},
		{func() error { return repl.Error(ctx, "boom") }, `{"service":"repl","event":"error","payload":["boom"]}`},
	}
	for _, tt := range sends {
		if err := tt.send(); err != nil {
			t.Fatalf("send error = %v", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		if string(data) != tt.want {
			t.Errorf("got  %s\nwant %s", data, tt.want)
		}
	}
}

func TestServeUntilCancelled(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Addr(), nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", s.Addr(), err)
	}
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServiceLookup(t *testing.T) {
	s := NewServer("")
	svc, err := s.Service(ReplName)
	if err != nil {
		t.Fatalf("Service(repl) error = %v", err)
	}
	if svc != s.Repl() {
		t.Error("Service(repl) did not return the cached repl service")
	}
	if _, err := s.Service("device"); !errors.Is(err, service.ErrUnknownService) {
		t.Errorf("Service(device) error = %v, want ErrUnknownService", err)
	}
}

func TestDecodeRequest(t *testing.T) {
	raw := func(vs ...string) []json.RawMessage {
		out := make([]json.RawMessage, len(vs))
		for i, v := range vs {
			out[i] = json.RawMessage(v)
		}
		return out
	}
	tests := []struct {
		name    string
		event   string
		payload []json.RawMessage
		want    Request
		wantErr bool
	}{
		{"execute", EventExecute, raw(`"x = 1"`), ExecuteRequest{Source: "x = 1"}, false},
		{"execute cell", EventExecuteCell, raw(`""`), ExecuteRequest{}, false},
		{"execute main", EventExecuteMain, nil, ExecuteMainRequest{}, false},
		{"execute missing source", EventExecute, nil, nil, true},
		{"execute number", EventExecute, raw(`1`), nil, true},
		{"execute main with args", EventExecuteMain, raw(`"x"`), nil, true},
		{"unknown", "compile", raw(`"x"`), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeRequest(tt.event, tt.payload)
			if tt.wantErr {
				var perr *PayloadError
				if !errors.As(err, &perr) {
					t.Errorf("decodeRequest() error = %v, want *PayloadError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeRequest() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("decodeRequest() = %#v, want %#v", got, tt.want)
			}
		})
	}
}
