package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chaz8081/bsdeploy/internal/event"
	"github.com/chaz8081/bsdeploy/internal/service"
)

// ReplName is the service name the editor client addresses.
const ReplName = "repl"

// Inbound repl events.
const (
	EventExecute     = "execute"     // payload [source]
	EventExecuteCell = "executeCell" // payload [source]
	EventExecuteMain = "executeMain" // payload []
)

// Outbound repl events.
const (
	EventFinishCompilation = "finishCompilation"
	EventFinishLoading     = "finishLoading"
	EventFinishExecution   = "finishExecution"
	EventLog               = "log"
	EventError             = "error"
)

// Request is a decoded inbound repl message: ExecuteRequest or
// ExecuteMainRequest.
type Request interface {
	replRequest()
}

// ExecuteRequest asks the host to compile Source as an increment of the
// running program and execute it.
type ExecuteRequest struct {
	Source string
}

// ExecuteMainRequest asks the host to reset the device and run the
// project's main file from scratch.
type ExecuteMainRequest struct{}

func (ExecuteRequest) replRequest()     {}
func (ExecuteMainRequest) replRequest() {}

// PayloadError reports an inbound payload whose shape does not match its
// event.
type PayloadError struct {
	Event  string
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("relay: %s payload: %s", e.Event, e.Reason)
}

// decodeRequest validates payload against the shape event expects.
func decodeRequest(name string, payload []json.RawMessage) (Request, error) {
	switch name {
	case EventExecute, EventExecuteCell:
		if len(payload) != 1 {
			return nil, &PayloadError{Event: name, Reason: fmt.Sprintf("want 1 element, got %d", len(payload))}
		}
		var source string
		if err := json.Unmarshal(payload[0], &source); err != nil {
			return nil, &PayloadError{Event: name, Reason: "source must be a string"}
		}
		return ExecuteRequest{Source: source}, nil
	case EventExecuteMain:
		if len(payload) != 0 {
			return nil, &PayloadError{Event: name, Reason: fmt.Sprintf("want no elements, got %d", len(payload))}
		}
		return ExecuteMainRequest{}, nil
	default:
		return nil, &PayloadError{Event: name, Reason: "unknown event"}
	}
}

// Repl is the interactive-session service exposed to the editor client.
type Repl struct {
	*service.Service[Request, any]
}

func newRepl(conn service.Sender[any]) *Repl {
	return &Repl{Service: service.New[Request, any](ReplName, conn)}
}

func (r *Repl) dispatch(name string, payload []json.RawMessage) error {
	req, err := decodeRequest(name, payload)
	if err != nil {
		return err
	}
	r.HandleMessage(name, req)
	return nil
}

// OnExecute subscribes fn to execute and executeCell requests.
func (r *Repl) OnExecute(fn func(ExecuteRequest)) []event.ID {
	listener := func(req Request) {
		if e, ok := req.(ExecuteRequest); ok {
			fn(e)
		}
	}
	return []event.ID{r.On(EventExecute, listener), r.On(EventExecuteCell, listener)}
}

// OnExecuteMain subscribes fn to executeMain requests.
func (r *Repl) OnExecuteMain(fn func()) event.ID {
	return r.On(EventExecuteMain, func(Request) { fn() })
}

// FinishCompilation reports the compile time in milliseconds, or -1 and
// the diagnostics when compilation failed.
func (r *Repl) FinishCompilation(ctx context.Context, ms float64, errMsg string) error {
	if errMsg == "" {
		return r.Send(ctx, EventFinishCompilation, ms, nil)
	}
	return r.Send(ctx, EventFinishCompilation, ms, errMsg)
}

// FinishLoading reports how long the packet took to send, in milliseconds.
func (r *Repl) FinishLoading(ctx context.Context, ms float64) error {
	return r.Send(ctx, EventFinishLoading, ms)
}

// FinishExecution reports the device-measured execution time.
func (r *Repl) FinishExecution(ctx context.Context, ms float64) error {
	return r.Send(ctx, EventFinishExecution, ms)
}

// Log forwards one line of device output.
func (r *Repl) Log(ctx context.Context, text string) error {
	return r.Send(ctx, EventLog, text)
}

// Error forwards a device runtime error.
func (r *Repl) Error(ctx context.Context, text string) error {
	return r.Send(ctx, EventError, text)
}
