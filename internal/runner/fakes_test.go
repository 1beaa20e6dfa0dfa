package runner

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/bsdeploy/internal/ble/protocol"
	"github.com/chaz8081/bsdeploy/internal/compiler"
	"github.com/chaz8081/bsdeploy/internal/device"
	"github.com/chaz8081/bsdeploy/internal/service"
)

var testLayout = protocol.MemoryLayout{
	IRAM:   protocol.Region{Address: 0x40080000, Size: 0x1000},
	DRAM:   protocol.Region{Address: 0x3ffb0000, Size: 0x1000},
	IFlash: protocol.Region{Address: 0x400d0000, Size: 0x1000},
	DFlash: protocol.Region{Address: 0x3f400000, Size: 0x1000},
}

// fakeLink answers device requests synchronously from inside Send: init
// gets a memory frame, execute gets the configured log and exectime frames.
type fakeLink struct {
	*service.Lifecycle

	mu         sync.Mutex
	dev        *device.Service
	connectErr error
	dropLink   bool // emit an unexpected disconnect instead of answering execute
	logs       []string
	execTimes  []protocol.ExecTime
	sent       []string
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		Lifecycle: service.NewLifecycle(),
		execTimes: []protocol.ExecTime{{ID: protocol.AuxEntryID, Time: 1}, {ID: protocol.MainEntryID, Time: 2}},
	}
}

func (f *fakeLink) Connect(context.Context, time.Duration) error { return f.connectErr }

func (f *fakeLink) Disconnect(context.Context) error {
	f.Emit(service.EventDisconnected, nil)
	return nil
}

func (f *fakeLink) Device() *device.Service {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dev == nil {
		f.dev = device.New(f)
	}
	return f.dev
}

func (f *fakeLink) MTU() int { return protocol.DefaultMTU }

func (f *fakeLink) Send(_ context.Context, msg service.Message[[]byte]) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg.Event)
	dev := f.dev
	f.mu.Unlock()

	switch msg.Event {
	case device.EventInit:
		dev.HandleMessage(protocol.EventMemory, protocol.Memory{Layout: testLayout})
	case device.EventExecute:
		if f.dropLink {
			f.Emit(service.EventDisconnected, service.ErrUnexpectedDisconnect)
			return nil
		}
		for _, l := range f.logs {
			dev.HandleMessage(protocol.EventLog, protocol.Log{Text: l})
		}
		for _, et := range f.execTimes {
			dev.HandleMessage(protocol.EventExecTime, et)
		}
	}
	return nil
}

func (f *fakeLink) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// fakeCompiler returns a one-entry executable for any source containing
// no "error", and a CompileError otherwise.
type fakeCompiler struct {
	mu      sync.Mutex
	sources []string
}

func (c *fakeCompiler) Compile(_ context.Context, layout protocol.MemoryLayout, source string) (*compiler.Executable, error) {
	c.mu.Lock()
	c.sources = append(c.sources, source)
	c.mu.Unlock()
	if strings.Contains(source, "error") {
		return nil, &compiler.CompileError{Messages: []string{"1:1 " + source}}
	}
	return &compiler.Executable{
		IRAM:        &compiler.Segment{Address: layout.IRAM.Address, Data: []byte{0, 0, 0, 0}},
		EntryPoints: []compiler.EntryPoint{{IsMain: true, Address: layout.IRAM.Address}},
	}, nil
}

func (c *fakeCompiler) compiled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sources...)
}

type recordingPrinter struct {
	mu     sync.Mutex
	infos  []string
	logs   []string
	errors []string
}

func (p *recordingPrinter) Info(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infos = append(p.infos, msg)
}

func (p *recordingPrinter) Log(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, text)
}

func (p *recordingPrinter) Error(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors = append(p.errors, text)
}

func (p *recordingPrinter) snapshot() (logs, errs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.logs...), append([]string(nil), p.errors...)
}

// scriptedReader yields lines then io.EOF.
type scriptedReader struct {
	lines []string
	i     int
}

func (r *scriptedReader) ReadLine() (string, error) {
	if r.i >= len(r.lines) {
		return "", io.EOF
	}
	line := r.lines[r.i]
	r.i++
	return line, nil
}
