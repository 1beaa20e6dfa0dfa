package ble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"tinygo.org/x/bluetooth"
)

// SystemAdapter wraps tinygo-org/bluetooth. It works on any host platform
// the driver supports (CoreBluetooth on macOS, BlueZ on Linux, WinRT on
// Windows). Units are written without response, the one write mode every
// backend provides.
type SystemAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects enabled, scanning and the peripherals map.
	mu          sync.Mutex
	enabled     bool
	scanning    bool
	peripherals map[string]*systemPeripheral // keyed by device address
}

// NewSystemAdapter creates a SystemAdapter over the host's default adapter.
func NewSystemAdapter() *SystemAdapter {
	return &SystemAdapter{
		adapter:     bluetooth.DefaultAdapter,
		peripherals: make(map[string]*systemPeripheral),
	}
}

// Compile-time check that SystemAdapter implements Adapter.
var _ Adapter = (*SystemAdapter)(nil)

var errScanInProgress = errors.New("ble: scan already in progress")

// Enable powers on the adapter. Later calls are no-ops.
func (a *SystemAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// The driver reports peripheral disconnects through the adapter-level
	// handler only.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.mu.Lock()
		p, ok := a.peripherals[device.Address.String()]
		a.mu.Unlock()
		if ok {
			p.fireDisconnect()
		}
	})
	a.enabled = true
	return nil
}

func (a *SystemAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := parseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	err = a.scan(ctx, func(result bluetooth.ScanResult) bool {
		if !result.HasServiceUUID(uuid) {
			return false
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if !seen[addr] {
			seen[addr] = true
			devices = append(devices, Device{Name: result.LocalName(), Address: addr, RSSI: int(result.RSSI)})
		}
		return false
	})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *SystemAdapter) Find(ctx context.Context, serviceUUID, name string) (Device, error) {
	uuid, err := parseUUID(serviceUUID)
	if err != nil {
		return Device{}, err
	}

	var found *Device
	err = a.scan(ctx, func(result bluetooth.ScanResult) bool {
		if found != nil || !result.HasServiceUUID(uuid) || result.LocalName() != name {
			return false
		}
		found = &Device{Name: name, Address: result.Address.String(), RSSI: int(result.RSSI)}
		return true
	})
	if found != nil {
		return *found, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Device{}, fmt.Errorf("ble: find %q: %w", name, ctxErr)
	}
	if err != nil {
		return Device{}, fmt.Errorf("ble: find %q: %w", name, err)
	}
	return Device{}, fmt.Errorf("ble: find %q: scan ended without a match", name)
}

// scan runs one driver scan until match returns true or ctx is done. The
// driver invokes the callback from a single goroutine.
func (a *SystemAdapter) scan(ctx context.Context, match func(bluetooth.ScanResult) bool) error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return errScanInProgress
	}
	a.scanning = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()
	defer close(done)

	return a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if match(result) {
			_ = adapter.StopScan()
		}
	})
}

func (a *SystemAdapter) Connect(ctx context.Context, address string) (Peripheral, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// The driver's Connect blocks with its own timeout and cannot be
	// cancelled; a result arriving after ctx is done is disconnected.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, r.err)
		}
		p := &systemPeripheral{adapter: a, address: address, device: r.device}
		a.mu.Lock()
		a.peripherals[address] = p
		a.mu.Unlock()
		return p, nil
	}
}

func (a *SystemAdapter) forget(address string) {
	a.mu.Lock()
	delete(a.peripherals, address)
	a.mu.Unlock()
}

// parseUUID accepts the 16-bit short form ("00ff") as well as full
// 128-bit UUID strings.
func parseUUID(s string) (bluetooth.UUID, error) {
	if len(s) == 4 {
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("ble: parse UUID %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	}
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("ble: parse UUID %q: %w", s, err)
	}
	return uuid, nil
}

type systemPeripheral struct {
	adapter *SystemAdapter
	address string
	device  bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (p *systemPeripheral) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := parseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	chrUUID, err := parseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := p.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{chrUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	return &systemCharacteristic{char: chars[0]}, nil
}

func (p *systemPeripheral) Disconnect() error {
	err := p.device.Disconnect()
	p.adapter.forget(p.address)
	return err
}

func (p *systemPeripheral) OnDisconnect(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCb = cb
}

func (p *systemPeripheral) fireDisconnect() {
	p.adapter.forget(p.address)
	p.mu.Lock()
	cb := p.disconnectCb
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type systemCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

var (
	_ Peripheral     = (*systemPeripheral)(nil)
	_ Characteristic = (*systemCharacteristic)(nil)
)

func (c *systemCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *systemCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}

func (c *systemCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}

// attHeaderSize is the ATT write header subtracted from the negotiated MTU.
const attHeaderSize = 3

func (c *systemCharacteristic) MTU() (int, error) {
	mtu, err := c.char.GetMTU()
	if err != nil {
		return 0, err
	}
	return int(mtu) - attHeaderSize, nil
}
