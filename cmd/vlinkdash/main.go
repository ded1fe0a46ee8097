package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/vlink-dash/internal/ble"
	"github.com/shaunagostinho/vlink-dash/internal/gps"
	"github.com/shaunagostinho/vlink-dash/internal/mqtt"
	"github.com/shaunagostinho/vlink-dash/internal/obd"
	"github.com/shaunagostinho/vlink-dash/internal/server"
	"github.com/shaunagostinho/vlink-dash/internal/telemetry"
	"github.com/shaunagostinho/vlink-dash/web"
)

func main() {
	configPath := flag.String("config", "/etc/vlink-dash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated dongle and GPS")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] vlink-dash starting")

	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.BLE.Transport = "demo"
		cfg.GPS.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	store := telemetry.NewStore(cfg.Telemetry.SOCCapacity, cfg.Telemetry.GPSCapacity)

	// BLE transport + connection manager
	var transport ble.Transport
	switch cfg.BLE.Transport {
	case "demo":
		transport = ble.NewMockTransport()
	default:
		transport = ble.NewTinyGoTransport()
	}

	manager := ble.NewManager(ble.ManagerConfig{
		DeviceName: cfg.BLE.DeviceName,
		ScanWindow: cfg.BLE.ScanWindow(),
		Reconnect: ble.ReconnectConfig{
			MaxAttempts:       cfg.BLE.ReconnectAttempts,
			InitialDelay:      time.Duration(cfg.BLE.ReconnectDelaySec) * time.Second,
			BackoffMultiplier: cfg.BLE.BackoffMultiplier,
		},
		Engine: obd.EngineConfig{
			PollInterval:      cfg.OBD.PollInterval(),
			InterCommandDelay: cfg.OBD.InterCommandDelay(),
			ResponseTimeout:   cfg.OBD.ResponseTimeout(),
		},
	}, transport, store)

	go func() {
		if err := manager.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[main] connection manager exited: %v", err)
		}
	}()

	// GPS provider + sampler
	var gpsProv gps.Provider
	switch cfg.GPS.Type {
	case "nmea":
		gpsProv = gps.NewNMEA(cfg.NMEA())
	case "disabled":
		gpsProv = nil
	default:
		gpsProv = gps.NewDemoGPS()
	}

	if gpsProv != nil {
		sampler := gps.NewSampler(gpsProv, store, cfg.GPS.SampleInterval())
		go func() {
			connectWithRetry(ctx, "gps", gpsProv, 10)
			sampler.Run(ctx)
		}()
	}

	// Optional MQTT mirror
	var pub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		pub = mqtt.New(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		})
		if err := pub.Connect(); err != nil {
			log.Printf("[main] mqtt: %v (will keep retrying)", err)
		}
		defer pub.Close()
	}

	// Start server — works immediately even while the dongle is connecting
	srv := server.New(cfg, manager, store, web.FS, pub)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectable is satisfied by gps.Provider.
type connectable interface {
	Connect() error
	Close() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
