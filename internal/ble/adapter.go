// Package ble connects to a BlueScript device over Bluetooth Low Energy and
// carries the device protocol over a single GATT characteristic.
package ble

import "context"

// Defaults advertised by the device firmware.
const (
	DefaultDeviceName         = "BLUESCRIPT"
	DefaultServiceUUID        = "00ff"
	DefaultCharacteristicUUID = "ff01"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic and waits for the acknowledgement.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
	// MTU returns the usable payload size of one write.
	MTU() (int, error)
}

// Device represents a discovered BLE peripheral. Address is a MAC on Linux
// and a CoreBluetooth UUID on macOS.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Peripheral represents an active BLE link to a device.
type Peripheral interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the link.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID
	// until ctx is done.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Find scans until a device advertising serviceUUID under the local
	// name name is seen, then stops scanning.
	Find(ctx context.Context, serviceUUID, name string) (Device, error)
	// Connect establishes a link to the device at address.
	Connect(ctx context.Context, address string) (Peripheral, error)
}
