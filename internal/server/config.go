package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/vlink-dash/internal/gps"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	BLE       BLEConfig       `yaml:"ble" json:"ble"`
	OBD       OBDConfig       `yaml:"obd" json:"obd"`
	GPS       GPSConfig       `yaml:"gps" json:"gps"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	MQTT      MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	Server    ServerConfig    `yaml:"server" json:"server"`

	path string // file path for save/load
}

// BLEConfig selects the dongle and bounds the reconnect behavior.
type BLEConfig struct {
	Transport         string  `yaml:"transport" json:"transport"`     // "hardware" or "demo"
	DeviceName        string  `yaml:"device_name" json:"deviceName"`  // advertised name to scan for
	ScanWindowSec     int     `yaml:"scan_window_sec" json:"scanWindowSec"`
	ReconnectAttempts int     `yaml:"reconnect_attempts" json:"reconnectAttempts"` // 0 = forever
	ReconnectDelaySec int     `yaml:"reconnect_delay_sec" json:"reconnectDelaySec"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoffMultiplier"`
}

// OBDConfig tunes the command engine timing.
type OBDConfig struct {
	PollIntervalSec      int `yaml:"poll_interval_sec" json:"pollIntervalSec"`
	InterCommandDelayMs  int `yaml:"inter_command_delay_ms" json:"interCommandDelayMs"`
	ResponseTimeoutSec   int `yaml:"response_timeout_sec" json:"responseTimeoutSec"`
}

type GPSConfig struct {
	Type              string `yaml:"type" json:"type"`          // "nmea" or "demo" or "disabled"
	PortPath          string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate          int    `yaml:"baud_rate" json:"baudRate"`
	SampleIntervalSec int    `yaml:"sample_interval_sec" json:"sampleIntervalSec"`
}

// TelemetryConfig bounds the in-memory histories.
type TelemetryConfig struct {
	SOCCapacity int `yaml:"soc_capacity" json:"socCapacity"`
	GPSCapacity int `yaml:"gps_capacity" json:"gpsCapacity"`
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

// MQTTConfig publishes telemetry to a broker when enabled.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	ClientID string `yaml:"client_id" json:"clientId"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	Topic    string `yaml:"topic" json:"topic"`
	QoS      int    `yaml:"qos" json:"qos"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// NMEA returns the GPS provider config in the provider's own shape.
func (c *Config) NMEA() gps.NMEAConfig {
	return gps.NMEAConfig{PortPath: c.GPS.PortPath, BaudRate: c.GPS.BaudRate}
}

// ScanWindow returns the scan window as a duration.
func (c *BLEConfig) ScanWindow() time.Duration {
	return time.Duration(c.ScanWindowSec) * time.Second
}

// PollInterval returns the SOC poll interval as a duration.
func (c *OBDConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// InterCommandDelay returns the inter-command spacing as a duration.
func (c *OBDConfig) InterCommandDelay() time.Duration {
	return time.Duration(c.InterCommandDelayMs) * time.Millisecond
}

// ResponseTimeout returns the watchdog timeout as a duration.
func (c *OBDConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutSec) * time.Second
}

// SampleInterval returns the GPS sampling interval as a duration.
func (c *GPSConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalSec) * time.Second
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BLE: BLEConfig{
			Transport:         "hardware",
			DeviceName:        "IOS-Vlink",
			ScanWindowSec:     15,
			ReconnectAttempts: 0,
			ReconnectDelaySec: 2,
			BackoffMultiplier: 2,
		},
		OBD: OBDConfig{
			PollIntervalSec:     30,
			InterCommandDelayMs: 250,
			ResponseTimeoutSec:  5,
		},
		GPS: GPSConfig{
			Type:              "demo",
			PortPath:          "/dev/ttyGPS",
			BaudRate:          9600,
			SampleIntervalSec: 5,
		},
		Telemetry: TelemetryConfig{
			SOCCapacity: 4096,
			GPSCapacity: 1000,
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/vlink-dash",
			Interval: 1000,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "tcp://localhost:1883",
			ClientID: "vlink-dash",
			Topic:    "vlink/telemetry",
			QoS:      0,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Real env takes precedence over .env values
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BLE_TRANSPORT, BLE_DEVICE_NAME, BLE_SCAN_WINDOW_SEC,
// OBD_POLL_SEC, GPS_TYPE, GPS_PORT, GPS_BAUD, LISTEN_ADDR, LOG_ENABLED,
// LOG_PATH, MQTT_ENABLED, MQTT_BROKER, MQTT_USERNAME, MQTT_PASSWORD
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BLE_TRANSPORT"); v != "" {
		c.BLE.Transport = v
	}
	if v := os.Getenv("BLE_DEVICE_NAME"); v != "" {
		c.BLE.DeviceName = v
	}
	if v := os.Getenv("BLE_SCAN_WINDOW_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BLE.ScanWindowSec = n
		}
	}
	if v := os.Getenv("OBD_POLL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OBD.PollIntervalSec = n
		}
	}
	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/vlink-dash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. port paths, broker credentials).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
