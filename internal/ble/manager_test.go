package ble

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shaunagostinho/vlink-dash/internal/obd"
	"github.com/shaunagostinho/vlink-dash/internal/telemetry"
)

type recordingListener struct {
	states   chan State
	readings chan obd.Reading
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		states:   make(chan State, 64),
		readings: make(chan obd.Reading, 64),
	}
}

func (l *recordingListener) OnStateChanged(s State)  { l.states <- s }
func (l *recordingListener) OnReading(r obd.Reading) { l.readings <- r }

func (l *recordingListener) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-l.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %q", want)
		}
	}
}

func fastManagerConfig() ManagerConfig {
	return ManagerConfig{
		DeviceName: DeviceName,
		ScanWindow: 100 * time.Millisecond,
		Reconnect: ReconnectConfig{
			InitialDelay:      5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		Engine: obd.EngineConfig{
			PollInterval:      time.Hour,
			InterCommandDelay: time.Millisecond,
			ResponseTimeout:   time.Second,
		},
	}
}

func TestManagerLifecycleToReady(t *testing.T) {
	mock := NewMockTransport()
	mock.ReplyDelay = time.Millisecond
	store := telemetry.NewStore(0, 0)
	m := NewManager(fastManagerConfig(), mock, store)

	l := newRecordingListener()
	defer m.Subscribe(l)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	for _, want := range []State{StateScanning, StateConnecting, StateDiscovering, StateConfiguring, StateReady} {
		l.waitFor(t, want)
	}

	// The immediate SOC poll lands in the store shortly after ready.
	deadline := time.After(5 * time.Second)
	for store.SOCLen() == 0 {
		select {
		case <-deadline:
			t.Fatal("SOC poll never reached the store")
		case <-time.After(time.Millisecond):
		}
	}
	if _, ok := store.Latest(obd.KindSOC); !ok {
		t.Fatal("latest SOC reading missing")
	}
}

func TestManagerReconnectsAfterLinkDrop(t *testing.T) {
	mock := NewMockTransport()
	mock.ReplyDelay = time.Millisecond
	store := telemetry.NewStore(0, 0)
	m := NewManager(fastManagerConfig(), mock, store)

	l := newRecordingListener()
	defer m.Subscribe(l)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	l.waitFor(t, StateReady)
	mock.DropLink()
	l.waitFor(t, StateDisconnected)
	// The backoff elapses and a fresh session comes up on its own.
	l.waitFor(t, StateReady)
}

func TestManagerScanFailureIsTerminal(t *testing.T) {
	mock := NewMockTransport()
	store := telemetry.NewStore(0, 0)
	cfg := fastManagerConfig()
	cfg.DeviceName = "NotTheDongle" // mock only answers to the real name

	m := NewManager(cfg, mock, store)
	l := newRecordingListener()
	defer m.Subscribe(l)()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Fatalf("err = %v, want ErrDeviceNotFound", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run never returned")
	}
	if m.State() != StateError {
		t.Fatalf("state = %q, want error", m.State())
	}
}

// droppingTransport connects fine but loses the link immediately, so every
// session fails before the dongle is configured.
type droppingTransport struct {
	notif chan string
	disc  chan error
}

func newDroppingTransport() *droppingTransport {
	return &droppingTransport{
		notif: make(chan string),
		disc:  make(chan error, 8),
	}
}

func (d *droppingTransport) Scan(context.Context, string, time.Duration) error { return nil }

func (d *droppingTransport) Connect(context.Context) error {
	d.disc <- fmt.Errorf("link fell over")
	return nil
}

func (d *droppingTransport) Discover(context.Context) (Characteristics, error) {
	return Characteristics{Writer: "w"}, nil
}

func (d *droppingTransport) Write([]byte) error          { return nil }
func (d *droppingTransport) Notifications() <-chan string { return d.notif }
func (d *droppingTransport) Disconnected() <-chan error   { return d.disc }
func (d *droppingTransport) Close() error                 { return nil }

func TestManagerGivesUpAfterMaxReconnectAttempts(t *testing.T) {
	store := telemetry.NewStore(0, 0)
	cfg := fastManagerConfig()
	cfg.Reconnect.MaxAttempts = 2

	m := NewManager(cfg, newDroppingTransport(), store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Run(ctx) }()

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want reconnect exhaustion", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run never gave up")
	}
	if m.State() != StateError {
		t.Fatalf("state = %q, want error", m.State())
	}
}

func TestMockTransportSpeaksTheProtocol(t *testing.T) {
	mock := NewMockTransport()
	if err := mock.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := mock.Write([]byte("22B046\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var frames []string
	deadline := time.After(5 * time.Second)
	for len(frames) < 2 {
		select {
		case f := <-mock.Notifications():
			frames = append(frames, f)
		case <-deadline:
			t.Fatalf("frames = %v, want data + prompt", frames)
		}
	}
	if _, err := obd.DecodeFrame(frames[0], time.Now()); err != nil {
		t.Errorf("mock SOC frame %q does not decode: %v", frames[0], err)
	}
	if !obd.IsPrompt(frames[1]) {
		t.Errorf("frame %q is not the idle prompt", frames[1])
	}
}
