package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/bsdeploy/internal/ble/protocol"
	"github.com/chaz8081/bsdeploy/internal/compiler"
	"github.com/chaz8081/bsdeploy/internal/relay"
	"github.com/chaz8081/bsdeploy/internal/service"
)

// Relay serves editor requests over srv until ctx is done. Device output
// is forwarded to the attached client. Requests are handled one at a
// time on the client's read goroutine, so a second execute never overlaps
// the first.
func (s *Session) Relay(ctx context.Context, srv *relay.Server) error {
	if err := srv.Listen(); err != nil {
		return err
	}

	repl := srv.Repl()
	dev := s.link.Device()

	logID := dev.OnLog(func(text string) { _ = repl.Log(ctx, text) })
	errID := dev.OnError(func(text string) { _ = repl.Error(ctx, text) })
	defer dev.Off(protocol.EventLog, logID)
	defer dev.Off(protocol.EventError, errID)

	execIDs := repl.OnExecute(func(req relay.ExecuteRequest) {
		s.serveRequest(ctx, repl, func() (*compiler.Executable, time.Duration, error) {
			return s.compile(ctx, "increment", req.Source)
		})
	})
	mainID := repl.OnExecuteMain(func() {
		s.serveRequest(ctx, repl, func() (*compiler.Executable, time.Duration, error) {
			if _, err := s.Init(ctx); err != nil {
				return nil, 0, err
			}
			src, err := readMain(s.opts.MainPath)
			if err != nil {
				return nil, 0, err
			}
			return s.compile(ctx, "main", src)
		})
	})
	defer repl.Off(relay.EventExecute, execIDs[0])
	defer repl.Off(relay.EventExecuteCell, execIDs[1])
	defer repl.Off(relay.EventExecuteMain, mainID)

	connID := srv.On(service.EventConnected, func(error) { s.printer.Info("editor connected") })
	discID := srv.On(service.EventDisconnected, func(error) { s.printer.Info("editor disconnected") })
	defer srv.Off(service.EventConnected, connID)
	defer srv.Off(service.EventDisconnected, discID)

	s.printer.Info("connect to ws://" + srv.Addr())
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	if c := context.Cause(ctx); errors.Is(c, service.ErrUnexpectedDisconnect) {
		return fmt.Errorf("runner: %w", c)
	}
	return nil
}

// Serve runs the main file, unless skipMain is set, and then relays editor
// requests until ctx is done. A missing main file is skipped.
func (s *Session) Serve(ctx context.Context, srv *relay.Server, skipMain bool) error {
	if !skipMain {
		rep, ran, err := s.RunMainIfPresent(ctx)
		if err != nil {
			return err
		}
		if ran {
			s.printer.Info(rep.String())
		}
	}
	return s.Relay(ctx, srv)
}

// serveRequest compiles, executes and reports each stage to the client.
func (s *Session) serveRequest(ctx context.Context, repl *relay.Repl, compile func() (*compiler.Executable, time.Duration, error)) {
	exe, took, err := compile()
	if err != nil {
		_ = repl.FinishCompilation(ctx, -1, errorMessage(err))
		return
	}
	_ = repl.FinishCompilation(ctx, milliseconds(took), "")

	res, err := s.execute(ctx, exe)
	if err != nil {
		_ = repl.Error(ctx, err.Error())
		return
	}
	_ = repl.FinishLoading(ctx, milliseconds(res.SendingTime))
	_ = repl.FinishExecution(ctx, res.ExecutionTime)
}

func errorMessage(err error) string {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return compileErr.Error()
	}
	return err.Error()
}
