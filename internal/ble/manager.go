package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shaunagostinho/vlink-dash/internal/obd"
	"github.com/shaunagostinho/vlink-dash/internal/telemetry"
)

// State names one phase of the connection lifecycle. Transitions only move
// forward through the setup phases; any failure lands in StateError and an
// unexpected link loss lands in StateDisconnected before a reconnect attempt.
type State string

const (
	StateIdle         State = "idle"
	StateScanning     State = "scanning"
	StateConnecting   State = "connecting"
	StateDiscovering  State = "discoveringServices"
	StateConfiguring  State = "configuringDongle"
	StateReady        State = "ready"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// ErrLinkDropped wraps the transport's unexpected-disconnect error. It is the
// only failure the manager retries on its own.
var ErrLinkDropped = errors.New("ble: link dropped")

// Listener receives connection and telemetry events. Callbacks run on the
// manager's goroutines and must not block.
type Listener interface {
	OnStateChanged(State)
	OnReading(obd.Reading)
}

// ReconnectConfig bounds the automatic reconnect after an unexpected
// disconnect. Setup failures (device not found, discovery failed) are not
// retried; they end the run.
type ReconnectConfig struct {
	MaxAttempts       int           // 0 means retry forever
	InitialDelay      time.Duration // first wait before re-scanning
	BackoffMultiplier float64       // applied per consecutive failure
	MaxDelay          time.Duration // cap on the grown delay
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	return c
}

// ManagerConfig collects the session parameters.
type ManagerConfig struct {
	DeviceName string
	ScanWindow time.Duration
	Reconnect  ReconnectConfig
	Engine     obd.EngineConfig
}

// Manager is the connection state machine: it drives a Transport through
// scan, connect and service discovery, hands the link to the command engine,
// and watches for link loss. Every decoded reading flows through the manager
// into the store and out to the listeners.
type Manager struct {
	cfg       ManagerConfig
	transport Transport
	engine    *obd.Engine
	store     *telemetry.Store

	writeErrCh chan error

	mu        sync.Mutex
	state     State
	ready     bool
	listeners map[int]Listener
	nextID    int
}

// NewManager wires a Manager to a transport and store. The command engine is
// owned by the manager; callers submit commands through Submit.
func NewManager(cfg ManagerConfig, transport Transport, store *telemetry.Store) *Manager {
	if cfg.DeviceName == "" {
		cfg.DeviceName = DeviceName
	}
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = DefaultScanWindow
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()

	m := &Manager{
		cfg:        cfg,
		transport:  transport,
		store:      store,
		writeErrCh: make(chan error, 1),
		state:      StateIdle,
		listeners:  make(map[int]Listener),
	}
	m.engine = obd.NewEngine(cfg.Engine, obd.Callbacks{
		OnConfigured: m.handleConfigured,
		OnReading:    m.handleReading,
		OnWriteError: m.handleWriteError,
	})
	return m
}

// Subscribe registers a listener and returns its unsubscribe function. The
// current state is delivered immediately so late subscribers don't miss it.
func (m *Manager) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	state := m.state
	m.mu.Unlock()

	l.OnStateChanged(state)
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Submit forwards an on-demand command to the engine's queue.
func (m *Manager) Submit(cmd string) error {
	return m.engine.Submit(cmd)
}

// Run drives connection sessions until ctx is cancelled. An unexpected
// disconnect moves to StateDisconnected and retries with growing backoff;
// every other failure moves to StateError and returns.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	delay := m.cfg.Reconnect.InitialDelay

	for {
		reachedReady, err := m.session(ctx)
		if ctx.Err() != nil {
			m.setState(StateIdle)
			return ctx.Err()
		}
		if !errors.Is(err, ErrLinkDropped) {
			log.Printf("[ble] session failed: %v", err)
			m.setState(StateError)
			return err
		}

		if reachedReady {
			// The link worked; start the backoff over.
			attempt = 0
			delay = m.cfg.Reconnect.InitialDelay
		}
		attempt++
		if m.cfg.Reconnect.MaxAttempts > 0 && attempt > m.cfg.Reconnect.MaxAttempts {
			err := fmt.Errorf("ble: giving up after %d reconnect attempts", m.cfg.Reconnect.MaxAttempts)
			log.Printf("[ble] %v", err)
			m.setState(StateError)
			return err
		}

		m.setState(StateDisconnected)
		log.Printf("[ble] link lost (%v), reconnecting in %v (attempt %d)", err, delay, attempt)
		select {
		case <-ctx.Done():
			m.setState(StateIdle)
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * m.cfg.Reconnect.BackoffMultiplier)
		if delay > m.cfg.Reconnect.MaxDelay {
			delay = m.cfg.Reconnect.MaxDelay
		}
	}
}

// session runs one full connect cycle: scan, connect, discover, configure,
// then block until the link drops or ctx ends. reachedReady reports whether
// the dongle finished its init sequence this session.
func (m *Manager) session(ctx context.Context) (reachedReady bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer m.transport.Close()

	m.mu.Lock()
	m.ready = false
	m.mu.Unlock()

	// Drop a write error left over from a previous session.
	select {
	case <-m.writeErrCh:
	default:
	}

	m.setState(StateScanning)
	if err := m.transport.Scan(sctx, m.cfg.DeviceName, m.cfg.ScanWindow); err != nil {
		return false, err
	}

	m.setState(StateConnecting)
	if err := m.transport.Connect(sctx); err != nil {
		return false, err
	}

	m.setState(StateDiscovering)
	chars, err := m.transport.Discover(sctx)
	if err != nil {
		return false, err
	}
	log.Printf("[ble] discovery complete: writer %s, %d notifying", chars.Writer, len(chars.Notifying))

	// Fresh session, fresh history.
	m.store.Reset()
	m.setState(StateConfiguring)

	engDone := make(chan struct{})
	go func() {
		m.engine.Run(sctx, m.transport.Write, m.transport.Notifications())
		close(engDone)
	}()

	var sessionErr error
	select {
	case <-ctx.Done():
		sessionErr = ctx.Err()
	case derr := <-m.transport.Disconnected():
		sessionErr = fmt.Errorf("%w: %v", ErrLinkDropped, derr)
	case werr := <-m.writeErrCh:
		sessionErr = werr
	}

	cancel()
	<-engDone

	m.mu.Lock()
	reachedReady = m.ready
	m.mu.Unlock()
	return reachedReady, sessionErr
}

func (m *Manager) handleConfigured() {
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.setState(StateReady)
}

// handleReading records a decoded reading and fans it out. SOC readings also
// extend the history and refresh the cached depletion forecast.
func (m *Manager) handleReading(r obd.Reading) {
	m.store.SetLatest(r)
	if r.Kind == obd.KindSOC {
		m.store.AppendSOC(telemetry.SOCSample{
			Timestamp: r.Timestamp,
			Raw:       int(r.Raw),
			Percent:   r.Value,
		})
		f, ok := telemetry.ForecastDepletion(m.store.SOCSnapshot())
		m.store.SetForecast(f, ok)
	}
	for _, l := range m.snapshotListeners() {
		l.OnReading(r)
	}
}

func (m *Manager) handleWriteError(err error) {
	select {
	case m.writeErrCh <- err:
	default:
	}
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	m.mu.Unlock()

	log.Printf("[ble] state %s -> %s", prev, next)
	for _, l := range m.snapshotListeners() {
		l.OnStateChanged(next)
	}
}

func (m *Manager) snapshotListeners() []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		out = append(out, l)
	}
	return out
}
