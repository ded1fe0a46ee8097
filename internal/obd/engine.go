package obd

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
)

// Queue-discipline errors, rejected synchronously at the call site and never
// enqueued.
var (
	ErrNotConnected    = errors.New("obd: not connected")
	ErrNoWriter        = errors.New("obd: no writer selected")
	ErrCommandTooShort = errors.New("obd: command too short")
	ErrQueueFull       = errors.New("obd: command queue full")
)

// EngineConfig tunes the protocol timing. Zero values take the defaults;
// tests shrink them to milliseconds.
type EngineConfig struct {
	// PollInterval spaces the steady-state SOC queries.
	PollInterval time.Duration
	// InterCommandDelay keeps the dongle from being flooded between a
	// response and the next queued command.
	InterCommandDelay time.Duration
	// ResponseTimeout is the watchdog: a command that produces no
	// notification at all is retried once, then abandoned, so the queue
	// can never hang forever.
	ResponseTimeout time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.InterCommandDelay <= 0 {
		c.InterCommandDelay = 250 * time.Millisecond
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	return c
}

// Callbacks let the connection manager observe the engine without the engine
// knowing about BLE or storage.
type Callbacks struct {
	// OnConfigured fires once per session when the init sequence drains.
	OnConfigured func()
	// OnReading fires for every successfully decoded frame.
	OnReading func(Reading)
	// OnWriteError fires when a write to the transport fails.
	OnWriteError func(error)
}

// pendingRequest is the single in-flight command. At most one exists; a new
// command is never written while one is unresolved.
type pendingRequest struct {
	cmd       string
	sentAt    time.Time
	responded bool
	retried   bool
}

// Engine turns the declarative command vocabulary into a strictly sequential
// request/response protocol: the fixed init sequence first, then periodic
// SOC polling, with on-demand commands joining the same single-slot queue.
//
// All queue state lives in the Run loop goroutine; submissions, notifications
// and timers are channels into it, so no handler ever races another.
type Engine struct {
	cfg EngineConfig
	cb  Callbacks

	mu        sync.Mutex
	running   bool
	hasWriter bool

	submitCh chan string
}

// NewEngine creates an Engine. Callbacks may be partially nil.
func NewEngine(cfg EngineConfig, cb Callbacks) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		cb:       cb,
		submitCh: make(chan string, 32),
	}
}

// Submit queues an on-demand command: a DID query or free-form console
// input. It never preempts a command in flight; it queues behind it.
func (e *Engine) Submit(cmd string) error {
	cmd = strings.TrimSpace(cmd)
	if len(cmd) < 2 {
		return ErrCommandTooShort
	}
	e.mu.Lock()
	running, hasWriter := e.running, e.hasWriter
	e.mu.Unlock()
	if !running {
		return ErrNotConnected
	}
	if !hasWriter {
		return ErrNoWriter
	}
	select {
	case e.submitCh <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *Engine) setSession(running, hasWriter bool) {
	e.mu.Lock()
	e.running = running
	e.hasWriter = hasWriter
	e.mu.Unlock()
}

// Run drives one connection session until ctx is cancelled: it writes the
// init sequence command by command, each only after the previous one's
// response (or watchdog fallback), then polls SOC once immediately and on
// the configured interval. Cancellation clears the pending slot so a future
// session starts fresh instead of resuming a stale request.
func (e *Engine) Run(ctx context.Context, write func([]byte) error, notif <-chan string) {
	e.setSession(true, write != nil)
	defer e.setSession(false, false)

	// Drop submissions left over from a previous session.
	for {
		select {
		case <-e.submitCh:
			continue
		default:
		}
		break
	}

	initQueue := append([]string(nil), InitSequence...)
	var queue []string
	var pending *pendingRequest
	configured := false

	var respTimer, delayTimer *time.Timer
	var respC, delayC <-chan time.Time
	var pollTicker *time.Ticker
	var pollC <-chan time.Time

	defer func() {
		if respTimer != nil {
			respTimer.Stop()
		}
		if delayTimer != nil {
			delayTimer.Stop()
		}
		if pollTicker != nil {
			pollTicker.Stop()
		}
	}()

	send := func(cmd string) {
		if write == nil {
			// No writer selected; the session idles and Submit rejects.
			return
		}
		if err := write([]byte(cmd + "\r")); err != nil {
			log.Printf("[obd] write %q failed: %v", cmd, err)
			if e.cb.OnWriteError != nil {
				e.cb.OnWriteError(err)
			}
			return
		}
		pending = &pendingRequest{cmd: cmd, sentAt: time.Now()}
		respTimer = time.NewTimer(e.cfg.ResponseTimeout)
		respC = respTimer.C
	}

	next := func() (string, bool) {
		if len(initQueue) > 0 {
			cmd := initQueue[0]
			initQueue = initQueue[1:]
			return cmd, true
		}
		if len(queue) > 0 {
			cmd := queue[0]
			queue = queue[1:]
			return cmd, true
		}
		return "", false
	}

	trySend := func() {
		if pending != nil || delayC != nil {
			return
		}
		if cmd, ok := next(); ok {
			send(cmd)
		}
	}

	// advance runs after a command resolves (response observed or
	// abandoned): flips to steady-state polling once the init sequence has
	// drained, and spaces the next queued command by the fixed delay.
	advance := func() {
		pending = nil
		if respTimer != nil {
			respTimer.Stop()
			respC = nil
		}
		if !configured && len(initQueue) == 0 {
			configured = true
			log.Printf("[obd] dongle configured, polling every %v", e.cfg.PollInterval)
			queue = append(queue, CmdQuerySOC)
			pollTicker = time.NewTicker(e.cfg.PollInterval)
			pollC = pollTicker.C
			if e.cb.OnConfigured != nil {
				e.cb.OnConfigured()
			}
		}
		if len(initQueue) > 0 || len(queue) > 0 {
			delayTimer = time.NewTimer(e.cfg.InterCommandDelay)
			delayC = delayTimer.C
		}
	}

	trySend()

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-notif:
			if !ok {
				return
			}
			// The first notification after a submission — prompt or
			// not — resolves the pending command.
			if pending != nil && !pending.responded {
				pending.responded = true
				advance()
			}
			if IsPrompt(frame) {
				// Idle indicator, never forwarded to the decoder.
				continue
			}
			r, err := DecodeFrame(frame, time.Now())
			if err != nil {
				log.Printf("[obd] dropped frame %q: %v", frame, err)
				continue
			}
			if e.cb.OnReading != nil {
				e.cb.OnReading(*r)
			}

		case cmd := <-e.submitCh:
			queue = append(queue, cmd)
			trySend()

		case <-pollC:
			queue = append(queue, CmdQuerySOC)
			trySend()

		case <-delayC:
			delayC = nil
			trySend()

		case <-respC:
			respC = nil
			if pending == nil {
				continue
			}
			if !pending.retried {
				cmd := pending.cmd
				log.Printf("[obd] no response to %q within %v, retrying", cmd, e.cfg.ResponseTimeout)
				send(cmd)
				if pending != nil {
					pending.retried = true
				}
				continue
			}
			log.Printf("[obd] %q abandoned after retry", pending.cmd)
			advance()
		}
	}
}
