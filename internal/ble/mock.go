package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockTransport is a scripted dongle: it implements Transport without any
// hardware, answering AT commands with OK and DID queries with synthesized
// frames followed by a prompt. It powers -demo mode and the protocol tests.
type MockTransport struct {
	mu        sync.Mutex
	connected bool
	soc       float64 // simulated state of charge, percent
	started   time.Time

	// ReplyDelay spaces the scripted response after each write.
	ReplyDelay time.Duration
	// DropReplies suppresses responses entirely, for watchdog tests.
	DropReplies bool

	notifCh chan string
	discCh  chan error

	writes []string
}

// NewMockTransport returns a simulated dongle starting at 92% SOC and
// discharging slowly while connected.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		soc:        92.0,
		ReplyDelay: 20 * time.Millisecond,
		notifCh:    make(chan string, 64),
		discCh:     make(chan error, 1),
	}
}

func (m *MockTransport) Scan(ctx context.Context, nameFilter string, window time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUserCancelled, ctx.Err())
	case <-time.After(10 * time.Millisecond):
	}
	if nameFilter != DeviceName {
		return fmt.Errorf("%w: no %q", ErrDeviceNotFound, nameFilter)
	}
	return nil
}

func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.started = time.Now()
	return nil
}

func (m *MockTransport) Discover(ctx context.Context) (Characteristics, error) {
	return Characteristics{
		Writer:    "0000fff2-0000-1000-8000-00805f9b34fb",
		Notifying: []string{"0000fff1-0000-1000-8000-00805f9b34fb"},
	}, nil
}

func (m *MockTransport) Write(p []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	cmd := strings.TrimSuffix(string(p), "\r")
	m.writes = append(m.writes, cmd)
	drop := m.DropReplies
	delay := m.ReplyDelay
	m.mu.Unlock()

	if drop {
		return nil
	}
	go func() {
		time.Sleep(delay)
		for _, frame := range m.respond(cmd) {
			m.push(frame)
		}
	}()
	return nil
}

// respond builds the scripted reply frames for one command. Every reply ends
// with the dongle's idle prompt.
func (m *MockTransport) respond(cmd string) []string {
	switch {
	case cmd == "ATZ":
		return []string{"ELM327 v2.2", ">"}
	case strings.HasPrefix(cmd, "AT"):
		return []string{"OK", ">"}
	case cmd == "22B046":
		raw := int(m.currentSOC() * 9.5)
		return []string{fmt.Sprintf("62B046%04X", raw), ">"}
	case cmd == "22B061":
		return []string{"62B061263A", ">"} // 97.86% SOH
	case cmd == "22B042":
		return []string{"62B04205B8", ">"} // 366 V
	case cmd == "22B043":
		return []string{"62B0439B84", ">"} // -4.7 A
	case cmd == "22B056":
		return []string{"62B0569600", ">"} // 35 C
	default:
		return []string{"?", ">"}
	}
}

// currentSOC discharges at roughly 2.4%/hour of connected time.
func (m *MockTransport) currentSOC() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	soc := m.soc - time.Since(m.started).Hours()*2.4
	if soc < 0 {
		soc = 0
	}
	return soc
}

func (m *MockTransport) push(frame string) {
	select {
	case m.notifCh <- frame:
	default:
	}
}

// Inject delivers an arbitrary frame as if the dongle notified it.
func (m *MockTransport) Inject(frame string) { m.push(frame) }

// DropLink simulates an unexpected disconnect.
func (m *MockTransport) DropLink() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	select {
	case m.discCh <- fmt.Errorf("ble: simulated link drop"):
	default:
	}
}

// Writes returns a copy of every command written so far, CR stripped.
func (m *MockTransport) Writes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *MockTransport) Notifications() <-chan string { return m.notifCh }
func (m *MockTransport) Disconnected() <-chan error   { return m.discCh }

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}
