// Package relay serves the local WebSocket the editor client connects to.
// Messages are JSON envelopes {service, event, payload} routed to cached
// services by name; only one client may be attached at a time.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/bsdeploy/internal/service"
)

// DefaultAddr is where the editor client expects the relay.
const DefaultAddr = "localhost:8080"

// ErrNoClient is returned by Send when no client is attached.
var ErrNoClient = fmt.Errorf("relay: no client attached: %w", service.ErrNotConnected)

type dispatcher interface {
	dispatch(name string, payload []json.RawMessage) error
}

// Server is the local-socket connection. Lifecycle events (connected,
// disconnected, error) are published on the embedded bus.
type Server struct {
	*service.Lifecycle

	addr     string
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	reserved bool // a client is attached or mid-handshake
	client   *websocket.Conn
	repl     *Repl
	services map[string]dispatcher

	writeMu sync.Mutex
}

// NewServer creates a relay that will listen on addr.
func NewServer(addr string) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		Lifecycle: service.NewLifecycle(),
		addr:      addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay only binds to local addresses; editors connect from
			// arbitrary origins (file://, dev servers).
			CheckOrigin: func(*http.Request) bool { return true },
		},
		services: make(map[string]dispatcher),
	}
}

// Listen binds the listening socket. Serve calls it when needed; calling it
// first lets Addr report an OS-assigned port.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Serve accepts clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		// Hijacked connections are not closed by Shutdown.
		s.mu.Lock()
		if s.client != nil {
			_ = s.client.Close()
		}
		s.mu.Unlock()
	}()

	slog.Info("[RELAY] listening", "addr", "ws://"+ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return fmt.Errorf("relay: serve: %w", err)
}

// ServeHTTP upgrades the request when no other client is attached and
// refuses it with 409 Conflict otherwise.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.reserved {
		s.mu.Unlock()
		slog.Warn("[RELAY] refusing second client", "remote", r.RemoteAddr)
		http.Error(w, "another client is already attached", http.StatusConflict)
		return
	}
	s.reserved = true
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		slog.Warn("[RELAY] upgrade failed", "remote", r.RemoteAddr, "error", err)
		s.mu.Lock()
		s.reserved = false
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.client = conn
	s.mu.Unlock()

	slog.Info("[RELAY] client connected", "remote", r.RemoteAddr)
	s.Emit(service.EventConnected, nil)

	s.readLoop(conn)

	s.mu.Lock()
	s.client = nil
	s.reserved = false
	s.mu.Unlock()
	_ = conn.Close()

	slog.Info("[RELAY] client disconnected", "remote", r.RemoteAddr)
	s.Emit(service.EventDisconnected, nil)
}

// readLoop handles messages in arrival order until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, net.ErrClosed) {
				slog.Warn("[RELAY] read failed", "error", err)
				s.Emit(service.EventError, err)
			}
			return
		}
		s.route(data)
	}
}

func (s *Server) route(data []byte) {
	var msg service.Message[json.RawMessage]
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("[RELAY] dropping malformed message", "error", err, "bytes", len(data))
		return
	}

	s.mu.Lock()
	svc, ok := s.services[msg.Service]
	s.mu.Unlock()
	if !ok {
		slog.Warn("[RELAY] dropping message for unknown service", "service", msg.Service, "event", msg.Event)
		return
	}
	if err := svc.dispatch(msg.Event, msg.Payload); err != nil {
		slog.Warn("[RELAY] dropping message", "service", msg.Service, "error", err)
	}
}

// Send writes msg as a JSON text message to the attached client. Nothing
// is queued when no client is attached.
func (s *Server) Send(ctx context.Context, msg service.Message[any]) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: encode %s/%s: %w", msg.Service, msg.Event, err)
	}

	s.mu.Lock()
	conn := s.client
	s.mu.Unlock()
	if conn == nil {
		slog.Warn("[RELAY] no client attached, dropping message", "service", msg.Service, "event", msg.Event)
		return ErrNoClient
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay: write %s/%s: %w", msg.Service, msg.Event, err)
	}
	return nil
}

// Connected reports whether a client is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Service returns the cached service registered under name.
func (s *Server) Service(name string) (service.Handler[Request], error) {
	switch name {
	case ReplName:
		return s.Repl(), nil
	default:
		return nil, fmt.Errorf("relay: %w: %q", service.ErrUnknownService, name)
	}
}

// Repl returns the repl service, creating it on first use. Messages for
// the repl service are dropped until it exists.
func (s *Server) Repl() *Repl {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.repl == nil {
		s.repl = newRepl(s)
		s.services[ReplName] = s.repl
	}
	return s.repl
}
