// Package service multiplexes named logical channels over a single
// physical connection.
//
// A Service owns an event bus for inbound traffic and a Sender for
// outbound messages. Connections (BLE, WebSocket relay) implement Sender
// and route inbound frames to the cached Service by name.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/chaz8081/bsdeploy/internal/event"
)

// Connection lifecycle events, published on a connection's Lifecycle bus.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

var (
	// ErrNotConnected is returned when sending on a link that is not up.
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownService is returned for a service name a connection does not host.
	ErrUnknownService = errors.New("unknown service")
	// ErrConnectTimeout is returned when link establishment exceeds its deadline.
	ErrConnectTimeout = errors.New("connect timed out")
	// ErrUnexpectedDisconnect is carried by the disconnected event when the
	// link dropped without a Disconnect call.
	ErrUnexpectedDisconnect = errors.New("unexpected disconnect")
)

// Lifecycle is the bus on which a connection reports connected,
// disconnected and error events. The payload is nil for orderly
// transitions.
type Lifecycle = event.Bus[error]

// NewLifecycle creates an empty lifecycle bus.
func NewLifecycle() *Lifecycle {
	return event.NewBus[error]()
}

// Message is the envelope a Service hands to its connection.
type Message[P any] struct {
	Service string `json:"service"`
	Event   string `json:"event"`
	Payload []P    `json:"payload"`
}

// Sender transmits messages over a physical link.
type Sender[P any] interface {
	Send(ctx context.Context, msg Message[P]) error
}

// Service is a named channel: inbound payloads of type E are dispatched on
// the embedded bus, outbound payloads of type P go to the connection.
type Service[E, P any] struct {
	*event.Bus[E]
	name string
	conn Sender[P]
}

// New creates a Service bound to conn.
func New[E, P any](name string, conn Sender[P]) *Service[E, P] {
	if conn == nil {
		panic("service: New called with nil sender")
	}
	return &Service[E, P]{
		Bus:  event.NewBus[E](),
		name: name,
		conn: conn,
	}
}

// Name returns the service name used in envelopes.
func (s *Service[E, P]) Name() string { return s.name }

// HandleMessage is called by the owning connection for each inbound
// message addressed to this service. It reports whether any listener ran.
func (s *Service[E, P]) HandleMessage(name string, payload E) bool {
	return s.Emit(name, payload)
}

// Send asks the connection to transmit payload under eventName.
func (s *Service[E, P]) Send(ctx context.Context, eventName string, payload ...P) error {
	msg := Message[P]{Service: s.name, Event: eventName, Payload: payload}
	if err := s.conn.Send(ctx, msg); err != nil {
		return fmt.Errorf("service %s: send %s: %w", s.name, eventName, err)
	}
	return nil
}

// Handler is what a connection needs to route an inbound message to a
// cached service.
type Handler[E any] interface {
	Name() string
	HandleMessage(name string, payload E) bool
}

var _ Handler[int] = (*Service[int, string])(nil)
