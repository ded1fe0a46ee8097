package ble

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// vLinker vendor characteristic UUIDs. The BLE stack does not expose GATT
// property flags, so "write capability" is resolved against the known
// layout of this dongle family: fff1 notifies, fff2 accepts writes.
const (
	vendorNotifyCharUUID = "0000fff1-0000-1000-8000-00805f9b34fb"
	vendorWriteCharUUID  = "0000fff2-0000-1000-8000-00805f9b34fb"
)

// TinyGoTransport drives a real dongle through tinygo.org/x/bluetooth.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter

	mu     sync.Mutex
	addr   bluetooth.Address
	found  bool
	device *bluetooth.Device
	writer *bluetooth.DeviceCharacteristic

	notifCh chan string
	discCh  chan error
}

// NewTinyGoTransport returns a transport on the platform default adapter.
func NewTinyGoTransport() *TinyGoTransport {
	return &TinyGoTransport{
		adapter: bluetooth.DefaultAdapter,
		notifCh: make(chan string, 64),
		discCh:  make(chan error, 1),
	}
}

func (t *TinyGoTransport) Scan(ctx context.Context, nameFilter string, window time.Duration) error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	if window <= 0 {
		window = DefaultScanWindow
	}

	ch := make(chan bluetooth.ScanResult, 1)
	go func() {
		err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.LocalName() != nameFilter {
				return
			}
			adapter.StopScan()
			select {
			case ch <- result:
			default:
			}
		})
		if err != nil {
			log.Printf("[ble] scan error: %v", err)
		}
	}()

	select {
	case result := <-ch:
		log.Printf("[ble] found %s (%s, rssi %d)", result.LocalName(), result.Address.String(), result.RSSI)
		t.mu.Lock()
		t.addr = result.Address
		t.found = true
		t.mu.Unlock()
		return nil
	case <-time.After(window):
		t.adapter.StopScan()
		return fmt.Errorf("%w: no %q within %v", ErrDeviceNotFound, nameFilter, window)
	case <-ctx.Done():
		t.adapter.StopScan()
		return fmt.Errorf("%w: %v", ErrUserCancelled, ctx.Err())
	}
}

func (t *TinyGoTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	found := t.found
	addr := t.addr
	t.mu.Unlock()
	if !found {
		return ErrNotConnected
	}

	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		select {
		case t.discCh <- fmt.Errorf("ble: unexpected disconnect from %s", addr.String()):
		default:
		}
	})

	device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("ble: connect %s: %w", addr.String(), err)
	}
	t.mu.Lock()
	t.device = &device
	t.mu.Unlock()
	log.Printf("[ble] connected to %s", addr.String())
	return nil
}

func (t *TinyGoTransport) Discover(ctx context.Context) (Characteristics, error) {
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device == nil {
		return Characteristics{}, ErrNotConnected
	}

	services, err := device.DiscoverServices(nil)
	if err != nil {
		return Characteristics{}, fmt.Errorf("%w: %v", ErrServiceDiscoveryFailed, err)
	}

	required := map[string]bool{
		VendorServiceUUID: false,
		bluetooth.New16BitUUID(ServiceDeviceInformation).String(): false,
		bluetooth.New16BitUUID(ServiceGATT).String():              false,
		bluetooth.New16BitUUID(ServiceGenericAccess).String():     false,
	}

	var vendor *bluetooth.DeviceService
	for i := range services {
		uuid := strings.ToLower(services[i].UUID().String())
		if _, ok := required[uuid]; ok {
			required[uuid] = true
		}
		if uuid == VendorServiceUUID {
			vendor = &services[i]
		}
	}
	for uuid, ok := range required {
		if !ok {
			return Characteristics{}, fmt.Errorf("%w: service %s not resolved", ErrServiceDiscoveryFailed, uuid)
		}
	}

	chars, err := vendor.DiscoverCharacteristics(nil)
	if err != nil {
		return Characteristics{}, fmt.Errorf("%w: %v", ErrServiceDiscoveryFailed, err)
	}

	// First writable characteristic becomes the single writer; every vendor
	// characteristic that accepts a subscription gets one. Nothing outside
	// the vendor service is subscribed, notify-capable or not.
	var out Characteristics
	for i := range chars {
		c := chars[i]
		uuid := strings.ToLower(c.UUID().String())

		if out.Writer == "" && uuid == vendorWriteCharUUID {
			t.mu.Lock()
			t.writer = &c
			t.mu.Unlock()
			out.Writer = uuid
			continue
		}

		err := c.EnableNotifications(func(buf []byte) {
			select {
			case t.notifCh <- string(buf):
			default:
				log.Printf("[ble] notification buffer full, dropping frame")
			}
		})
		if err != nil {
			// Not notify-capable; fine.
			continue
		}
		out.Notifying = append(out.Notifying, uuid)
	}

	if out.Writer == "" {
		return out, fmt.Errorf("%w: no writable characteristic in vendor service", ErrServiceDiscoveryFailed)
	}
	log.Printf("[ble] writer %s, %d notifying characteristic(s)", out.Writer, len(out.Notifying))
	return out, nil
}

func (t *TinyGoTransport) Write(p []byte) error {
	t.mu.Lock()
	writer := t.writer
	t.mu.Unlock()
	if writer == nil {
		return ErrNotConnected
	}
	if _, err := writer.WriteWithoutResponse(p); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (t *TinyGoTransport) Notifications() <-chan string { return t.notifCh }
func (t *TinyGoTransport) Disconnected() <-chan error   { return t.discCh }

func (t *TinyGoTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writer = nil
	if t.device != nil {
		err := t.device.Disconnect()
		t.device = nil
		return err
	}
	return nil
}
