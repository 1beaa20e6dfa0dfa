package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/bsdeploy/internal/ble/protocol"
	"github.com/chaz8081/bsdeploy/internal/device"
	"github.com/chaz8081/bsdeploy/internal/service"
)

// DefaultConnectTimeout bounds Connect when the caller passes zero.
const DefaultConnectTimeout = 2 * time.Second

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Connection.
type Options struct {
	DeviceName         string
	ServiceUUID        string
	CharacteristicUUID string
	MTU                int           // upper bound on unit size
	WriteDelay         time.Duration // pause between unit writes, 0 for none
}

// DefaultOptions returns the settings the stock firmware advertises.
func DefaultOptions() Options {
	return Options{
		DeviceName:         DefaultDeviceName,
		ServiceUUID:        DefaultServiceUUID,
		CharacteristicUUID: DefaultCharacteristicUUID,
		MTU:                protocol.DefaultMTU,
	}
}

// ErrMTUTooSmall is returned by Connect when the negotiated write payload
// cannot hold a marker plus the largest command header.
var ErrMTUTooSmall = errors.New("ble: negotiated MTU too small")

// link is one established peripheral plus its subscribed characteristic.
type link struct {
	peripheral Peripheral
	char       Characteristic
	mtu        int // negotiated write payload, 0 if unknown

	// dropped is set by the driver's disconnect callback, including while
	// the link is still being established.
	dropped atomic.Bool
}

func (l *link) teardown() error {
	return errors.Join(l.char.Unsubscribe(), l.peripheral.Disconnect())
}

// Connection is the BLE transport for the device service. Lifecycle events
// (connected, disconnected, error) are published on the embedded bus.
type Connection struct {
	*service.Lifecycle

	adapter Adapter
	opts    Options

	mu     sync.Mutex
	state  State
	link   *link
	device *device.Service

	// writeMu keeps the units of one message contiguous on the link.
	writeMu sync.Mutex
}

// NewConnection creates a disconnected Connection that will use adapter.
func NewConnection(adapter Adapter, opts Options) *Connection {
	if adapter == nil {
		panic("ble: NewConnection called with nil adapter")
	}
	def := DefaultOptions()
	if opts.DeviceName == "" {
		opts.DeviceName = def.DeviceName
	}
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = def.CharacteristicUUID
	}
	if opts.MTU <= 0 {
		opts.MTU = def.MTU
	}
	if opts.MTU < protocol.MinMTU {
		panic(fmt.Sprintf("ble: MTU %d is below the minimum of %d", opts.MTU, protocol.MinMTU))
	}
	return &Connection{
		Lifecycle: service.NewLifecycle(),
		adapter:   adapter,
		opts:      opts,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MTU returns the unit size for packets: the configured MTU, lowered to
// the negotiated payload size when that is smaller.
func (c *Connection) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	mtu := c.opts.MTU
	if c.link != nil && c.link.mtu > 0 && c.link.mtu < mtu {
		mtu = c.link.mtu
	}
	return mtu
}

// Connect powers on the adapter, finds the device by its advertised name,
// connects, discovers the characteristic and subscribes to it. The whole
// sequence is bounded by timeout; on expiry it returns ErrConnectTimeout and
// tears down whatever the sequence produces afterwards.
func (c *Connection) Connect(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("ble: connect: connection is %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		link *link
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		l, err := c.establish(ctx)
		ch <- result{l, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			c.setState(StateDisconnected)
			if ctx.Err() != nil {
				return c.timeoutError(ctx)
			}
			c.Emit(service.EventError, r.err)
			return r.err
		}
		c.mu.Lock()
		if r.link.dropped.Load() {
			c.state = StateDisconnected
			c.mu.Unlock()
			_ = r.link.teardown()
			slog.Warn("[BLE] device dropped the link while connecting", "device", c.opts.DeviceName)
			err := fmt.Errorf("ble: connect to %q: %w", c.opts.DeviceName, service.ErrUnexpectedDisconnect)
			c.Emit(service.EventDisconnected, err)
			return err
		}
		c.link = r.link
		c.state = StateConnected
		c.mu.Unlock()
		slog.Info("[BLE] connected", "device", c.opts.DeviceName, "mtu", c.MTU())
		c.Emit(service.EventConnected, nil)
		return nil

	case <-ctx.Done():
		c.setState(StateDisconnected)
		go func() {
			if r := <-ch; r.link != nil {
				slog.Debug("[BLE] tearing down late connection")
				if err := r.link.teardown(); err != nil {
					slog.Warn("[BLE] teardown after timeout failed", "error", err)
				}
			}
		}()
		return c.timeoutError(ctx)
	}
}

func (c *Connection) timeoutError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("ble: connect to %q: %w", c.opts.DeviceName, service.ErrConnectTimeout)
	}
	return fmt.Errorf("ble: connect to %q: %w", c.opts.DeviceName, ctx.Err())
}

func (c *Connection) establish(ctx context.Context) (*link, error) {
	if err := c.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	dev, err := c.adapter.Find(ctx, c.opts.ServiceUUID, c.opts.DeviceName)
	if err != nil {
		return nil, err
	}
	slog.Debug("[BLE] found device", "name", dev.Name, "address", dev.Address, "rssi", dev.RSSI)

	p, err := c.adapter.Connect(ctx, dev.Address)
	if err != nil {
		return nil, err
	}

	char, err := p.DiscoverCharacteristic(c.opts.ServiceUUID, c.opts.CharacteristicUUID)
	if err != nil {
		_ = p.Disconnect()
		return nil, fmt.Errorf("ble: discover characteristic: %w", err)
	}

	l := &link{peripheral: p, char: char}
	if mtu, err := char.MTU(); err != nil {
		slog.Debug("[BLE] MTU unavailable, using configured value", "error", err)
	} else if mtu < protocol.MinMTU {
		_ = p.Disconnect()
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMTUTooSmall, mtu, protocol.MinMTU)
	} else {
		l.mtu = mtu
	}

	p.OnDisconnect(func() {
		l.dropped.Store(true)
		c.handleDisconnect(l)
	})
	if err := char.Subscribe(c.handleNotification); err != nil {
		_ = p.Disconnect()
		return nil, fmt.Errorf("ble: subscribe: %w", err)
	}
	return l, nil
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// handleDisconnect runs on the driver goroutine when l drops.
func (c *Connection) handleDisconnect(l *link) {
	c.mu.Lock()
	if c.link != l || c.state != StateConnected {
		// Requested disconnect, or a link that was never attached.
		c.mu.Unlock()
		return
	}
	c.link = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	slog.Warn("[BLE] device disconnected unexpectedly", "device", c.opts.DeviceName)
	c.Emit(service.EventDisconnected, service.ErrUnexpectedDisconnect)
}

// handleNotification parses one notification and routes it to the device
// service. Frames arrive in order on one driver goroutine.
func (c *Connection) handleNotification(data []byte) {
	frame := protocol.Parse(data)
	if frame.Tag() == protocol.OpNone {
		slog.Debug("[BLE] dropping unrecognized notification", "bytes", len(data))
		return
	}

	c.mu.Lock()
	svc := c.device
	c.mu.Unlock()
	if svc == nil {
		return
	}
	svc.HandleMessage(frame.Event(), frame)
}

// Send writes every unit of msg to the characteristic in order.
func (c *Connection) Send(ctx context.Context, msg service.Message[[]byte]) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("ble: send %s/%s: %w", msg.Service, msg.Event, service.ErrNotConnected)
	}
	char := c.link.char
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for i, unit := range msg.Payload {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ble: send %s/%s: %w", msg.Service, msg.Event, err)
		}
		if err := char.Write(unit); err != nil {
			return fmt.Errorf("ble: write unit %d/%d: %w", i+1, len(msg.Payload), err)
		}
		if c.opts.WriteDelay > 0 && i < len(msg.Payload)-1 {
			select {
			case <-time.After(c.opts.WriteDelay):
			case <-ctx.Done():
				return fmt.Errorf("ble: send %s/%s: %w", msg.Service, msg.Event, ctx.Err())
			}
		}
	}
	return nil
}

// Disconnect unsubscribes and drops the link. It is a no-op when not
// connected.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	l := c.link
	c.state = StateDisconnecting
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- l.teardown() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.mu.Lock()
	c.link = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	slog.Info("[BLE] disconnected", "device", c.opts.DeviceName)
	c.Emit(service.EventDisconnected, nil)
	if err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

// Service returns the cached service registered under name.
func (c *Connection) Service(name string) (service.Handler[protocol.Frame], error) {
	switch name {
	case device.Name:
		return c.Device(), nil
	default:
		return nil, fmt.Errorf("ble: %w: %q", service.ErrUnknownService, name)
	}
}

// Device returns the device service, creating it on first use.
func (c *Connection) Device() *device.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		c.device = device.New(c)
	}
	return c.device
}
