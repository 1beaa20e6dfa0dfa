package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/bsdeploy/internal/ble/protocol"
	"github.com/chaz8081/bsdeploy/internal/compiler"
	"github.com/chaz8081/bsdeploy/internal/device"
	"github.com/chaz8081/bsdeploy/internal/event"
	"github.com/chaz8081/bsdeploy/internal/service"
)

// ErrNotInitialized is returned when compiling before the device reported
// its memory layout.
var ErrNotInitialized = errors.New("runner: device not initialized")

// DeviceLink is the connection a session drives. *ble.Connection
// implements it.
type DeviceLink interface {
	Connect(ctx context.Context, timeout time.Duration) error
	Disconnect(ctx context.Context) error
	Device() *device.Service
	On(name string, fn event.Listener[error]) event.ID
	Off(name string, ids ...event.ID)
}

// Printer shows session output to the user.
type Printer interface {
	Info(msg string)
	Log(text string)
	Error(text string)
}

// LineReader supplies REPL input. It returns io.EOF when input ends.
type LineReader interface {
	ReadLine() (string, error)
}

// Options configures a Session.
type Options struct {
	ConnectTimeout time.Duration
	MainPath       string
	Logger         *slog.Logger
}

// Report holds the timings of one compile-and-execute round.
type Report struct {
	CompileTime   time.Duration
	SendingTime   time.Duration
	ExecutionTime float64 // ms, as measured by the device
}

func (r Report) String() string {
	return fmt.Sprintf("compiled in %s, sent in %s, executed in %.3f ms",
		r.CompileTime.Round(time.Millisecond), r.SendingTime.Round(time.Millisecond), r.ExecutionTime)
}

// Session runs programs on one device.
type Session struct {
	link     DeviceLink
	compiler compiler.Compiler
	printer  Printer
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	layout *protocol.MemoryLayout
	cancel context.CancelCauseFunc
	detach func() // removes the listeners installed by Connect
}

// NewSession creates a session over link.
func NewSession(link DeviceLink, comp compiler.Compiler, printer Printer, opts Options) *Session {
	if link == nil || comp == nil || printer == nil {
		panic("runner: NewSession requires a link, a compiler and a printer")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{link: link, compiler: comp, printer: printer, opts: opts, logger: logger}
}

// Connect establishes the link and forwards device output to the printer.
// The returned context is cancelled with ErrUnexpectedDisconnect as its
// cause if the link drops; use it for the rest of the session.
func (s *Session) Connect(ctx context.Context) (context.Context, error) {
	out := Step(s.logger, "connect", func() Outcome {
		return Failed(s.link.Connect(ctx, s.opts.ConnectTimeout))
	})
	if out.Status == StatusFailed {
		return ctx, out.Err
	}

	s.release()
	sessionCtx, cancel := context.WithCancelCause(ctx)

	discID := s.link.On(service.EventDisconnected, func(err error) {
		if err != nil {
			s.printer.Error("device disconnected")
			cancel(err)
		}
	})
	dev := s.link.Device()
	logID := dev.OnLog(s.printer.Log)
	errID := dev.OnError(s.printer.Error)

	s.mu.Lock()
	s.cancel = cancel
	s.detach = func() {
		s.link.Off(service.EventDisconnected, discID)
		dev.Off(protocol.EventLog, logID)
		dev.Off(protocol.EventError, errID)
	}
	s.mu.Unlock()
	return sessionCtx, nil
}

// release removes the listeners and cancels the context of a previous
// Connect.
func (s *Session) release() {
	s.mu.Lock()
	cancel, detach := s.cancel, s.detach
	s.cancel, s.detach = nil, nil
	s.mu.Unlock()
	if detach != nil {
		detach()
	}
	if cancel != nil {
		cancel(nil)
	}
}

// Close disconnects the link and removes the session's listeners.
func (s *Session) Close(ctx context.Context) error {
	defer s.release()
	out := Step(s.logger, "disconnect", func() Outcome {
		return Failed(s.link.Disconnect(ctx))
	})
	return out.Err
}

// Init resets the device and records its memory layout.
func (s *Session) Init(ctx context.Context) (protocol.MemoryLayout, error) {
	var layout protocol.MemoryLayout
	out := Step(s.logger, "init device", func() Outcome {
		var err error
		layout, err = s.link.Device().Init(ctx)
		return Failed(err)
	})
	if out.Status == StatusFailed {
		return layout, cause(ctx, out.Err)
	}
	s.mu.Lock()
	s.layout = &layout
	s.mu.Unlock()
	return layout, nil
}

// Layout returns the memory layout recorded by Init.
func (s *Session) Layout() (protocol.MemoryLayout, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layout == nil {
		return protocol.MemoryLayout{}, false
	}
	return *s.layout, true
}

// RunMain compiles and executes the project's main file.
func (s *Session) RunMain(ctx context.Context) (Report, error) {
	src, err := readMain(s.opts.MainPath)
	if err != nil {
		return Report{}, err
	}
	return s.run(ctx, "main", src)
}

func readMain(path string) (string, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("runner: read main file: %w", err)
	}
	return string(src), nil
}

// RunMainIfPresent runs the main file when it exists and reports whether
// it ran.
func (s *Session) RunMainIfPresent(ctx context.Context) (Report, bool, error) {
	var rep Report
	out := Step(s.logger, "run main", func() Outcome {
		if _, err := os.Stat(s.opts.MainPath); errors.Is(err, os.ErrNotExist) {
			return Skipped(s.opts.MainPath + " does not exist")
		}
		var err error
		rep, err = s.RunMain(ctx)
		return Failed(err)
	})
	return rep, out.Status == StatusOK, out.Err
}

// RunSource compiles src as an increment and executes it.
func (s *Session) RunSource(ctx context.Context, src string) (Report, error) {
	return s.run(ctx, "increment", src)
}

func (s *Session) run(ctx context.Context, what, src string) (Report, error) {
	exe, took, err := s.compile(ctx, what, src)
	rep := Report{CompileTime: took}
	if err != nil {
		return rep, err
	}
	res, err := s.execute(ctx, exe)
	rep.SendingTime = res.SendingTime
	rep.ExecutionTime = res.ExecutionTime
	return rep, err
}

// compile returns *compiler.CompileError unwrapped so callers can show the
// diagnostics verbatim.
func (s *Session) compile(ctx context.Context, what, src string) (*compiler.Executable, time.Duration, error) {
	layout, ok := s.Layout()
	if !ok {
		return nil, 0, ErrNotInitialized
	}

	var exe *compiler.Executable
	var took time.Duration
	out := Step(s.logger, "compile "+what, func() Outcome {
		start := time.Now()
		var err error
		exe, err = s.compiler.Compile(ctx, layout, src)
		took = time.Since(start)
		return Failed(err)
	})
	if out.Status == StatusFailed {
		return nil, took, cause(ctx, out.Err)
	}
	return exe, took, nil
}

func (s *Session) execute(ctx context.Context, exe *compiler.Executable) (device.Result, error) {
	var res device.Result
	out := Step(s.logger, "execute", func() Outcome {
		var err error
		res, err = s.link.Device().Execute(ctx, exe)
		return Failed(err)
	})
	return res, cause(ctx, out.Err)
}

// REPL reads lines from r and runs each as an increment until r reports
// io.EOF. Compilation errors are printed and the loop continues.
func (s *Session) REPL(ctx context.Context, r LineReader) error {
	for {
		if ctx.Err() != nil {
			return cause(ctx, ctx.Err())
		}
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("runner: read input: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		rep, err := s.RunSource(ctx, line)
		var compileErr *compiler.CompileError
		switch {
		case errors.As(err, &compileErr):
			s.printer.Error(compileErr.Error())
		case err != nil:
			return err
		default:
			s.printer.Info(rep.String())
		}
	}
}

// cause replaces a bare cancellation with the reason the session context
// was cancelled, such as an unexpected disconnect.
func cause(ctx context.Context, err error) error {
	if err == nil || !errors.Is(err, context.Canceled) {
		return err
	}
	if c := context.Cause(ctx); c != nil && !errors.Is(c, context.Canceled) {
		return fmt.Errorf("runner: %w", c)
	}
	return err
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
