package ble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/bsdeploy/internal/ble/protocol"
	"github.com/chaz8081/bsdeploy/internal/compiler"
	"github.com/chaz8081/bsdeploy/internal/service"
)

func testDevices() []Device {
	return []Device{{Name: DefaultDeviceName, Address: "AA:BB:CC:DD:EE:FF", RSSI: -45}}
}

func connected(t *testing.T, adapter *mockAdapter, opts Options) *Connection {
	t.Helper()
	conn := NewConnection(adapter, opts)
	if err := conn.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return conn
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectEstablishesLink(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	conn := NewConnection(adapter, DefaultOptions())

	var events []string
	conn.On(service.EventConnected, func(err error) {
		if err != nil {
			t.Errorf("connected event carried %v", err)
		}
		events = append(events, service.EventConnected)
	})

	if err := conn.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if conn.State() != StateConnected {
		t.Errorf("State() = %s, want connected", conn.State())
	}
	if len(events) != 1 {
		t.Errorf("connected events = %d, want 1", len(events))
	}
	if adapter.latestPeripheral().char.callback == nil {
		t.Error("characteristic not subscribed")
	}
}

func TestConnectTwiceFails(t *testing.T) {
	conn := connected(t, newMockAdapter(testDevices()), DefaultOptions())
	if err := conn.Connect(context.Background(), time.Second); err == nil {
		t.Error("second Connect() = nil, want error")
	}
}

func TestConnectTimeout(t *testing.T) {
	// No device advertises the name, so Find waits until the deadline.
	adapter := newMockAdapter(nil)
	conn := NewConnection(adapter, DefaultOptions())

	start := time.Now()
	err := conn.Connect(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, service.ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Connect() took %v, want about 50ms", elapsed)
	}
	if conn.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", conn.State())
	}
}

func TestConnectTimeoutTearsDownLateLink(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	adapter.findGate = make(chan struct{})
	conn := NewConnection(adapter, DefaultOptions())

	err := conn.Connect(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, service.ErrConnectTimeout) {
		t.Fatalf("Connect() error = %v, want ErrConnectTimeout", err)
	}

	// Let the abandoned sequence finish; its link must not be used.
	close(adapter.findGate)
	waitFor(t, "late peripheral teardown", func() bool {
		p := adapter.latestPeripheral()
		return p != nil && p.isDisconnected()
	})
	if conn.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", conn.State())
	}
	err = conn.Send(context.Background(), service.Message[[]byte]{Payload: [][]byte{{1}}})
	if !errors.Is(err, service.ErrNotConnected) {
		t.Errorf("Send() after timeout error = %v, want ErrNotConnected", err)
	}
}

func TestConnectEnableFailure(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	adapter.enableErr = errors.New("adapter powered off")
	conn := NewConnection(adapter, DefaultOptions())

	var reported error
	conn.On(service.EventError, func(err error) { reported = err })

	if err := conn.Connect(context.Background(), time.Second); err == nil {
		t.Fatal("Connect() = nil, want error")
	}
	if reported == nil {
		t.Error("error event not emitted")
	}
	if conn.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", conn.State())
	}
}

func TestSendWritesUnitsInOrder(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	conn := connected(t, adapter, DefaultOptions())

	units := [][]byte{{0x03, 0x00, 0x03}, {0x03, 0x00, 0x02, 1, 0, 0, 0, 2, 0, 0, 0}}
	if err := conn.Send(context.Background(), service.Message[[]byte]{Service: "device", Event: "init", Payload: units}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	writes := adapter.latestPeripheral().char.written()
	if len(writes) != len(units) {
		t.Fatalf("got %d writes, want %d", len(writes), len(units))
	}
	for i := range units {
		if !bytes.Equal(writes[i], units[i]) {
			t.Errorf("write %d = %x, want %x", i, writes[i], units[i])
		}
	}
}

func TestSendWriteError(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	conn := connected(t, adapter, DefaultOptions())
	adapter.latestPeripheral().char.writeErr = errors.New("gatt busy")

	if err := conn.Send(context.Background(), service.Message[[]byte]{Payload: [][]byte{{1}}}); err == nil {
		t.Error("Send() = nil, want write error")
	}
}

func TestSendNotConnected(t *testing.T) {
	conn := NewConnection(newMockAdapter(nil), DefaultOptions())
	err := conn.Send(context.Background(), service.Message[[]byte]{Payload: [][]byte{{1}}})
	if !errors.Is(err, service.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestNotificationsRouteToDevice(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	conn := connected(t, adapter, DefaultOptions())
	char := adapter.latestPeripheral().char

	var mu sync.Mutex
	var logs, errs []string
	conn.Device().OnLog(func(s string) { mu.Lock(); logs = append(logs, s); mu.Unlock() })
	conn.Device().OnError(func(s string) { mu.Lock(); errs = append(errs, s); mu.Unlock() })

	char.SimulateNotification(protocol.AppendFrame(nil, protocol.Log{Text: "hello"}))
	char.SimulateNotification([]byte{0x42, 0x00})
	char.SimulateNotification(nil)
	char.SimulateNotification([]byte{byte(protocol.OpError), 'H', 'i', 0x00})

	mu.Lock()
	defer mu.Unlock()
	if len(logs) != 1 || logs[0] != "hello" {
		t.Errorf("logs = %q, want [hello]", logs)
	}
	if len(errs) != 1 || errs[0] != "Hi" {
		t.Errorf("errors = %q, want [Hi]", errs)
	}
}

func TestNotificationBeforeDeviceServiceIsDropped(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	connected(t, adapter, DefaultOptions())

	// Must not panic or create the service.
	adapter.latestPeripheral().char.SimulateNotification(protocol.AppendFrame(nil, protocol.Log{Text: "early"}))
}

func TestExecuteOverConnection(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	conn := connected(t, adapter, DefaultOptions())
	char := adapter.latestPeripheral().char

	type outcome struct {
		exec float64
		err  error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := conn.Device().Execute(context.Background(), &compiler.Executable{
			IRAM:        &compiler.Segment{Address: 0x40080000, Data: []byte{1, 2, 3, 4}},
			EntryPoints: []compiler.EntryPoint{{IsMain: true, Address: 0x40080000}},
		})
		results <- outcome{res.ExecutionTime, err}
	}()

	waitFor(t, "packet write", func() bool { return len(char.written()) > 0 })
	char.SimulateNotification(protocol.AppendFrame(nil, protocol.ExecTime{ID: protocol.AuxEntryID, Time: 1.5}))
	char.SimulateNotification(protocol.AppendFrame(nil, protocol.ExecTime{ID: protocol.MainEntryID, Time: 2.5}))

	select {
	case o := <-results:
		if o.err != nil {
			t.Fatalf("Execute() error = %v", o.err)
		}
		if o.exec != 4.0 {
			t.Errorf("ExecutionTime = %v, want 4", o.exec)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not complete")
	}
}

func TestUnexpectedDisconnect(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	conn := connected(t, adapter, DefaultOptions())

	got := make(chan error, 1)
	conn.On(service.EventDisconnected, func(err error) { got <- err })

	adapter.latestPeripheral().SimulateDisconnect()

	select {
	case err := <-got:
		if !errors.Is(err, service.ErrUnexpectedDisconnect) {
			t.Errorf("disconnected event = %v, want ErrUnexpectedDisconnect", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnected event")
	}
	if conn.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", conn.State())
	}
	err := conn.Send(context.Background(), service.Message[[]byte]{Payload: [][]byte{{1}}})
	if !errors.Is(err, service.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectWhileConnecting(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	adapter.dropOnSubscribe = true
	conn := NewConnection(adapter, DefaultOptions())

	var events []error
	conn.On(service.EventDisconnected, func(err error) { events = append(events, err) })
	conn.On(service.EventConnected, func(error) { t.Error("connected emitted for a dropped link") })

	err := conn.Connect(context.Background(), time.Second)
	if !errors.Is(err, service.ErrUnexpectedDisconnect) {
		t.Fatalf("Connect() error = %v, want ErrUnexpectedDisconnect", err)
	}
	if conn.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", conn.State())
	}
	if len(events) != 1 || !errors.Is(events[0], service.ErrUnexpectedDisconnect) {
		t.Errorf("disconnected events = %v, want one ErrUnexpectedDisconnect", events)
	}
	if !adapter.latestPeripheral().char.unsubscribed {
		t.Error("dropped link was not torn down")
	}
	err = conn.Send(context.Background(), service.Message[[]byte]{Payload: [][]byte{{1}}})
	if !errors.Is(err, service.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestDisconnect(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	conn := connected(t, adapter, DefaultOptions())
	p := adapter.latestPeripheral()

	var events []error
	conn.On(service.EventDisconnected, func(err error) { events = append(events, err) })

	if err := conn.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !p.char.unsubscribed {
		t.Error("characteristic not unsubscribed")
	}
	if !p.isDisconnected() {
		t.Error("peripheral not disconnected")
	}
	if conn.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", conn.State())
	}

	// The driver's own callback for the requested disconnect is ignored.
	p.SimulateDisconnect()
	if len(events) != 1 || events[0] != nil {
		t.Errorf("disconnected events = %v, want one nil", events)
	}

	if err := conn.Disconnect(context.Background()); err != nil {
		t.Errorf("second Disconnect() error = %v, want nil", err)
	}
}

func TestMTU(t *testing.T) {
	tests := []struct {
		name       string
		configured int
		negotiated int
		want       int
	}{
		{"negotiated smaller", protocol.DefaultMTU, 244, 244},
		{"configured smaller", 100, 244, 100},
		{"not negotiated", 200, 0, 200},
		{"negotiated minimum", protocol.DefaultMTU, protocol.MinMTU, protocol.MinMTU},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter(testDevices())
			adapter.charMTU = tt.negotiated
			opts := DefaultOptions()
			opts.MTU = tt.configured
			conn := connected(t, adapter, opts)
			if got := conn.MTU(); got != tt.want {
				t.Errorf("MTU() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConnectRejectsTinyMTU(t *testing.T) {
	adapter := newMockAdapter(testDevices())
	adapter.charMTU = protocol.MinMTU - 1
	conn := NewConnection(adapter, DefaultOptions())

	err := conn.Connect(context.Background(), time.Second)
	if !errors.Is(err, ErrMTUTooSmall) {
		t.Fatalf("Connect() error = %v, want ErrMTUTooSmall", err)
	}
	if conn.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", conn.State())
	}
	if !adapter.latestPeripheral().isDisconnected() {
		t.Error("peripheral left connected")
	}
}

func TestNewConnectionPanicsOnTinyMTU(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewConnection with MTU below minimum should panic")
		}
	}()
	opts := DefaultOptions()
	opts.MTU = protocol.MinMTU - 1
	NewConnection(newMockAdapter(nil), opts)
}

func TestServiceLookup(t *testing.T) {
	conn := NewConnection(newMockAdapter(nil), DefaultOptions())

	svc, err := conn.Service("device")
	if err != nil {
		t.Fatalf("Service(device) error = %v", err)
	}
	if svc != conn.Device() {
		t.Error("Service(device) did not return the cached device service")
	}
	if _, err := conn.Service("repl"); !errors.Is(err, service.ErrUnknownService) {
		t.Errorf("Service(repl) error = %v, want ErrUnknownService", err)
	}
}

func TestScanDevicesSortsByRSSI(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "far", Address: "1", RSSI: -90},
		{Name: "near", Address: "2", RSSI: -40},
		{Name: "mid", Address: "3", RSSI: -60},
	})
	devices, err := ScanDevices(context.Background(), adapter, DefaultServiceUUID, time.Second)
	if err != nil {
		t.Fatalf("ScanDevices() error = %v", err)
	}
	var names []string
	for _, d := range devices {
		names = append(names, d.Name)
	}
	if len(names) != 3 || names[0] != "near" || names[2] != "far" {
		t.Errorf("order = %v, want [near mid far]", names)
	}
}

func TestStateString(t *testing.T) {
	if StateDisconnecting.String() != "disconnecting" {
		t.Errorf("String() = %q", StateDisconnecting.String())
	}
}
