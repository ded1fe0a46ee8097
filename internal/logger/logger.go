package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/vlink-dash/internal/obd"
	"github.com/shaunagostinho/vlink-dash/internal/telemetry"
)

// Logger records timestamped battery + GPS data to CSV files with automatic
// rotation. This is a diagnostic trace, not the telemetry history; the
// in-memory store stays the source of truth for the dashboard.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows
)

var csvHeader = []string{
	"timestamp",
	"soc_pct", "soc_raw", "soc_pct_low", "soc_pct_high",
	"soh_pct", "pack_voltage_v", "pack_current_a", "batt_temp_c",
	"gps_lat", "gps_lon", "gps_speed_ms", "gps_heading", "gps_accuracy_m",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/vlink-dash"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 100*time.Millisecond {
		interval = time.Second // SOC moves slowly, 1 Hz is plenty
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a battery + GPS snapshot if the minimum interval has elapsed.
// Either argument may be empty/nil; the missing columns stay blank.
func (l *Logger) Record(readings map[obd.Kind]obd.Reading, g *telemetry.GPSSample) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	row := buildRow(now, readings, g)
	if err := l.writer.Write(row); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("vlink_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, readings map[obd.Kind]obd.Reading, g *telemetry.GPSSample) []string {
	row := make([]string, len(csvHeader))

	row[0] = ts.Format(time.RFC3339Nano)

	if r, ok := readings[obd.KindSOC]; ok {
		row[1] = fmt.Sprintf("%.2f", r.Value)
		row[2] = fmt.Sprintf("%d", r.Raw)
		row[3] = fmt.Sprintf("%.2f", r.PercentLow)
		row[4] = fmt.Sprintf("%.2f", r.PercentHigh)
	}
	if r, ok := readings[obd.KindSOH]; ok {
		row[5] = fmt.Sprintf("%.2f", r.Value)
	}
	if r, ok := readings[obd.KindVoltage]; ok {
		row[6] = fmt.Sprintf("%.2f", r.Value)
	}
	if r, ok := readings[obd.KindCurrent]; ok {
		row[7] = fmt.Sprintf("%.3f", r.Value)
	}
	if r, ok := readings[obd.KindBatteryTemp]; ok {
		row[8] = fmt.Sprintf("%.1f", r.Value)
	}

	if g != nil {
		row[9] = fmt.Sprintf("%.6f", g.Lat)
		row[10] = fmt.Sprintf("%.6f", g.Lon)
		if g.Speed != nil {
			row[11] = fmt.Sprintf("%.2f", *g.Speed)
		}
		row[12] = fmt.Sprintf("%.1f", g.Heading)
		row[13] = fmt.Sprintf("%.1f", g.Accuracy)
	}

	return row
}
