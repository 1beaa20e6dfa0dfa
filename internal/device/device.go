// Package device implements the device service: the channel that loads
// executables onto the microcontroller and receives its result frames.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/bsdeploy/internal/ble/protocol"
	"github.com/chaz8081/bsdeploy/internal/compiler"
	"github.com/chaz8081/bsdeploy/internal/event"
	"github.com/chaz8081/bsdeploy/internal/service"
)

// Name is the service name the BLE connection routes frames to.
const Name = "device"

// Outbound event names.
const (
	EventInit    = "init"
	EventExecute = "execute"
)

// Result reports the timings of one Execute call. ExecutionTime is the sum
// of every exectime frame the device sent, in the device's unit (ms).
type Result struct {
	SendingTime   time.Duration
	ExecutionTime float64
}

// Link is the connection a device service sends units on. MTU is read
// each time a packet is built, so it may change after a connect.
type Link interface {
	service.Sender[[]byte]
	MTU() int
}

// Service is the device channel over a connection that carries raw units.
//
// Execute and Init must not overlap on one Service: the completion frames
// carry no request identifier.
type Service struct {
	*service.Service[protocol.Frame, []byte]
	link Link
}

// New creates a device service on link.
func New(link Link) *Service {
	return &Service{
		Service: service.New[protocol.Frame, []byte](Name, link),
		link:    link,
	}
}

// Init resets the device and returns the memory layout it reports. It
// waits until a memory frame arrives or ctx is done.
func (s *Service) Init(ctx context.Context) (protocol.MemoryLayout, error) {
	layouts := make(chan protocol.MemoryLayout, 1)
	id := s.Once(protocol.EventMemory, func(f protocol.Frame) {
		if m, ok := f.(protocol.Memory); ok {
			layouts <- m.Layout
		}
	})
	defer s.Off(protocol.EventMemory, id)

	units := protocol.NewBuilder(s.link.MTU()).Reset().Build()
	if err := s.Send(ctx, EventInit, units...); err != nil {
		return protocol.MemoryLayout{}, fmt.Errorf("device: init: %w", err)
	}

	select {
	case layout := <-layouts:
		slog.Debug("[DEVICE] memory layout",
			"iram", layout.IRAM, "dram", layout.DRAM, "iflash", layout.IFlash, "dflash", layout.DFlash)
		return layout, nil
	case <-ctx.Done():
		return protocol.MemoryLayout{}, fmt.Errorf("device: init: %w", ctx.Err())
	}
}

// Execute loads every present segment of exe, jumps to each entry point
// and waits for the main entry point's exectime frame.
func (s *Service) Execute(ctx context.Context, exe *compiler.Executable) (Result, error) {
	units := s.packet(exe)

	done := make(chan float64, 1)
	var total float64
	id := s.On(protocol.EventExecTime, func(f protocol.Frame) {
		et, ok := f.(protocol.ExecTime)
		if !ok {
			return
		}
		total += float64(et.Time)
		if et.ID == protocol.MainEntryID {
			select {
			case done <- total:
			default:
			}
		}
	})
	defer s.Off(protocol.EventExecTime, id)

	start := time.Now()
	if err := s.Send(ctx, EventExecute, units...); err != nil {
		return Result{}, fmt.Errorf("device: execute: %w", err)
	}
	res := Result{SendingTime: time.Since(start)}
	slog.Debug("[DEVICE] packet sent", "units", len(units), "bytes", exe.Size(), "elapsed", res.SendingTime)

	select {
	case res.ExecutionTime = <-done:
		return res, nil
	case <-ctx.Done():
		return res, fmt.Errorf("device: execute: %w", ctx.Err())
	}
}

func (s *Service) packet(exe *compiler.Executable) [][]byte {
	b := protocol.NewBuilder(s.link.MTU())
	for _, seg := range exe.Segments() {
		b.Load(seg.Address, seg.Data)
	}
	for _, ep := range exe.EntryPoints {
		id := protocol.AuxEntryID
		if ep.IsMain {
			id = protocol.MainEntryID
		}
		b.Jump(id, ep.Address)
	}
	return b.Build()
}

// OnLog subscribes fn to device log output.
func (s *Service) OnLog(fn func(text string)) event.ID {
	return s.On(protocol.EventLog, func(f protocol.Frame) {
		if l, ok := f.(protocol.Log); ok {
			fn(l.Text)
		}
	})
}

// OnError subscribes fn to runtime errors reported by the device.
func (s *Service) OnError(fn func(text string)) event.ID {
	return s.On(protocol.EventError, func(f protocol.Frame) {
		if e, ok := f.(protocol.Error); ok {
			fn(e.Text)
		}
	})
}

// OnProfile subscribes fn to profiler reports.
func (s *Service) OnProfile(fn func(functionID uint8, paramTypes []string)) event.ID {
	return s.On(protocol.EventProfile, func(f protocol.Frame) {
		if p, ok := f.(protocol.Profile); ok {
			fn(p.FunctionID, p.ParamTypes)
		}
	})
}
