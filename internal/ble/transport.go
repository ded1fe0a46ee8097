package ble

import (
	"context"
	"errors"
	"time"
)

// Dongle identity. The vLinker family advertises a fixed name and exposes one
// vendor service carrying both the write and notify characteristics.
const (
	// DeviceName is the advertised name the scanner matches on.
	DeviceName = "IOS-Vlink"

	// VendorServiceUUID is the primary vendor service.
	VendorServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"

	// Standard services that must resolve on connect. They produce no
	// application data; failing to find them means discovery failed.
	ServiceDeviceInformation = 0x180A
	ServiceGATT              = 0x1801
	ServiceGenericAccess     = 0x1800
)

// DefaultScanWindow bounds how long a scan waits for the dongle to respond.
const DefaultScanWindow = 15 * time.Second

// Transport errors, surfaced to the state machine which turns them into
// state transitions.
var (
	ErrDeviceNotFound         = errors.New("ble: device not found")
	ErrUserCancelled          = errors.New("ble: scan cancelled")
	ErrServiceDiscoveryFailed = errors.New("ble: service discovery failed")
	ErrWriteFailed            = errors.New("ble: write failed")
	ErrNotConnected           = errors.New("ble: not connected")
)

// Characteristics describes what discovery selected: exactly one writable
// characteristic and the set of vendor-service characteristics subscribed
// for notifications. UUIDs are kept as strings for logging only.
type Characteristics struct {
	Writer    string
	Notifying []string
}

// Transport abstracts the BLE primitives the connection manager drives.
// There are two implementations: tinygo-bluetooth against real hardware, and
// a scripted mock for tests and demo mode.
type Transport interface {
	// Scan searches for a device whose advertised name equals nameFilter.
	// It fails with ErrDeviceNotFound when the window elapses and with
	// ErrUserCancelled when ctx is cancelled mid-scan.
	Scan(ctx context.Context, nameFilter string, window time.Duration) error

	// Connect establishes the GATT connection to the scanned device.
	Connect(ctx context.Context) error

	// Discover resolves the vendor service plus the standard Device
	// Information, GATT and Generic Access services, selects the writer
	// and subscribes every notifying characteristic of the vendor service.
	// Characteristics outside the vendor service are never subscribed.
	Discover(ctx context.Context) (Characteristics, error)

	// Write sends raw bytes to the selected writer, without requiring an
	// acknowledgment when the platform supports that.
	Write(p []byte) error

	// Notifications streams raw notification payloads as received.
	Notifications() <-chan string

	// Disconnected fires once when the link drops unexpectedly.
	Disconnected() <-chan error

	// Close tears the connection down.
	Close() error
}
