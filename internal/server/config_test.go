package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BLE.DeviceName != "IOS-Vlink" {
		t.Errorf("device name = %q", cfg.BLE.DeviceName)
	}
	if got := cfg.OBD.PollInterval(); got != 30*time.Second {
		t.Errorf("poll interval = %v, want 30s", got)
	}
	if got := cfg.OBD.InterCommandDelay(); got != 250*time.Millisecond {
		t.Errorf("inter-command delay = %v, want 250ms", got)
	}
	if got := cfg.OBD.ResponseTimeout(); got != 5*time.Second {
		t.Errorf("response timeout = %v, want 5s", got)
	}
	if cfg.MQTT.Enabled {
		t.Error("mqtt enabled by default")
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
}

func TestLoadConfigMissingFileFallsBack(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg.BLE.DeviceName != "IOS-Vlink" {
		t.Errorf("defaults not applied: %q", cfg.BLE.DeviceName)
	}
}

func TestLoadConfigReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("ble:\n  device_name: MyDongle\n  scan_window_sec: 30\ngps:\n  type: nmea\n  port_path: /dev/ttyAMA0\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadConfig(path)
	if cfg.BLE.DeviceName != "MyDongle" {
		t.Errorf("device name = %q, want MyDongle", cfg.BLE.DeviceName)
	}
	if cfg.BLE.ScanWindow() != 30*time.Second {
		t.Errorf("scan window = %v, want 30s", cfg.BLE.ScanWindow())
	}
	if cfg.GPS.Type != "nmea" || cfg.GPS.PortPath != "/dev/ttyAMA0" {
		t.Errorf("gps = %+v", cfg.GPS)
	}
	// Untouched sections keep their defaults.
	if cfg.OBD.PollIntervalSec != 30 {
		t.Errorf("poll interval = %d, want default 30", cfg.OBD.PollIntervalSec)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BLE_DEVICE_NAME", "EnvDongle")
	t.Setenv("GPS_TYPE", "disabled")
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("MQTT_ENABLED", "true")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	if cfg.BLE.DeviceName != "EnvDongle" {
		t.Errorf("device name = %q", cfg.BLE.DeviceName)
	}
	if cfg.GPS.Type != "disabled" {
		t.Errorf("gps type = %q", cfg.GPS.Type)
	}
	if cfg.Server.ListenAddr != ":9999" {
		t.Errorf("listen addr = %q", cfg.Server.ListenAddr)
	}
	if !cfg.MQTT.Enabled {
		t.Error("mqtt not enabled")
	}
}

func TestUpdateFromJSONDeepMerges(t *testing.T) {
	cfg := DefaultConfig()
	patch := []byte(`{"obd":{"pollIntervalSec":10},"logging":{"enabled":true}}`)

	if err := cfg.UpdateFromJSON(patch); err != nil {
		t.Fatalf("UpdateFromJSON: %v", err)
	}
	if cfg.OBD.PollIntervalSec != 10 {
		t.Errorf("poll interval = %d, want 10", cfg.OBD.PollIntervalSec)
	}
	if !cfg.Logging.Enabled {
		t.Error("logging not enabled")
	}
	// Sibling fields inside patched sections survive.
	if cfg.OBD.InterCommandDelayMs != 250 {
		t.Errorf("inter-command delay = %d, want 250", cfg.OBD.InterCommandDelayMs)
	}
	if cfg.BLE.DeviceName != "IOS-Vlink" {
		t.Errorf("untouched section changed: %q", cfg.BLE.DeviceName)
	}
}

func TestUpdateFromJSONRejectsGarbage(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateFromJSON([]byte("{not json")); err == nil {
		t.Fatal("garbage patch accepted")
	}
}
