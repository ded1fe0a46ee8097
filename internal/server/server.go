package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/vlink-dash/internal/ble"
	"github.com/shaunagostinho/vlink-dash/internal/logger"
	"github.com/shaunagostinho/vlink-dash/internal/mqtt"
	"github.com/shaunagostinho/vlink-dash/internal/obd"
	"github.com/shaunagostinho/vlink-dash/internal/telemetry"
)

// Server exposes the telemetry engine over HTTP: a WebSocket feed for the
// dashboard, a config API and an on-demand command endpoint. It subscribes to
// the connection manager so state changes and fresh readings go out
// immediately instead of waiting for the next broadcast tick.
type Server struct {
	cfg     *Config
	manager *ble.Manager
	store   *telemetry.Store
	webFS   fs.FS
	logger  *logger.Logger
	pub     *mqtt.Publisher // nil when publishing is disabled

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	State      string                      `json:"state"`
	Readings   map[obd.Kind]obd.Reading    `json:"readings,omitempty"`
	SOC        []telemetry.SOCSample       `json:"soc,omitempty"`
	GPS        *telemetry.GPSSample        `json:"gps,omitempty"`
	Forecast   *telemetry.Forecast         `json:"forecast,omitempty"`
	Buckets    []telemetry.DischargeBucket `json:"buckets,omitempty"`
	RollingLog []telemetry.PairedEntry     `json:"rollingLog,omitempty"`
	LogReady   bool                        `json:"logReady"`
	Stamp      int64                       `json:"stamp"` // Unix ms
}

// socTailLen bounds how much SOC history each frame carries; the full history
// is available from the snapshot endpoint.
const socTailLen = 120

// New creates a new Server. pub may be nil.
func New(cfg *Config, manager *ble.Manager, store *telemetry.Store, webFS fs.FS, pub *mqtt.Publisher) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		store:   store,
		webFS:   webFS,
		pub:     pub,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnStateChanged implements ble.Listener: push the new state to all clients.
func (s *Server) OnStateChanged(state ble.State) {
	s.broadcast(Frame{State: string(state), Stamp: time.Now().UnixMilli()})
}

// OnReading implements ble.Listener: push a fresh snapshot to all clients.
func (s *Server) OnReading(obd.Reading) {
	s.broadcast(s.snapshot())
}

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	unsubscribe := s.manager.Subscribe(s)
	defer unsubscribe()

	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)

	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

// broadcastLoop sends a snapshot every second so clients stay current even
// between readings, and feeds the CSV logger and MQTT publisher.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-ticker.C:
			frame := s.snapshot()
			s.broadcast(frame)
			s.logger.Record(frame.Readings, frame.GPS)
			if s.pub != nil {
				s.pub.Publish(frame)
			}
		}
	}
}

// snapshot assembles the full client view from the store.
func (s *Server) snapshot() Frame {
	frame := Frame{
		State:    string(s.manager.State()),
		Readings: s.store.LatestAll(),
		SOC:      s.store.SOCTail(socTailLen),
		Stamp:    time.Now().UnixMilli(),
	}

	gpsHist := s.store.GPSSnapshot()
	if len(gpsHist) > 0 {
		last := gpsHist[len(gpsHist)-1]
		frame.GPS = &last
	}

	if f, ok := s.store.ForecastResult(); ok {
		frame.Forecast = &f
	}

	var currentSOC float64
	if r, ok := s.store.Latest(obd.KindSOC); ok {
		currentSOC = r.Value
	}
	frame.Buckets = telemetry.DischargeBySpeed(s.store.SOCSnapshot(), gpsHist, currentSOC)
	frame.RollingLog, frame.LogReady = s.store.RollingLog()

	return frame
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", total)

	// Initial snapshot so new clients render without waiting for a tick
	if data, err := json.Marshal(s.snapshot()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", total)
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.logger.SetEnabled(s.cfg.Logging.Enabled)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// handleCommand queues a free-form dongle command behind the poll traffic.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}

	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", 400)
		return
	}

	if err := s.manager.Submit(req.Command); err != nil {
		switch {
		case errors.Is(err, obd.ErrCommandTooShort):
			http.Error(w, err.Error(), 400)
		case errors.Is(err, obd.ErrQueueFull):
			http.Error(w, err.Error(), 429)
		case errors.Is(err, obd.ErrNotConnected), errors.Is(err, obd.ErrNoWriter):
			http.Error(w, err.Error(), 409)
		default:
			http.Error(w, err.Error(), 500)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"queued"}`))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
