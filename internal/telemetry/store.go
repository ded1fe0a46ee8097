package telemetry

import (
	"sync"
	"time"

	"github.com/shaunagostinho/vlink-dash/internal/obd"
)

// SOCSample is one decoded state-of-charge observation.
type SOCSample struct {
	Timestamp time.Time `json:"timestamp"`
	Raw       int       `json:"raw"`
	Percent   float64   `json:"percent"`
}

// GPSSample is one position fix. Speed is in m/s and nil when neither the
// receiver nor the distance fallback produced one.
type GPSSample struct {
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   float64   `json:"heading"`
	Accuracy  float64   `json:"accuracy"`
}

// PairedEntry is one row of the combined rolling log: a GPS fix matched to
// an SOC sample taken within the pairing tolerance.
type PairedEntry struct {
	SOC SOCSample `json:"soc"`
	GPS GPSSample `json:"gps"`
}

const (
	// DefaultSOCCapacity bounds the SOC history. Far larger than the
	// prediction window so charts get a usable tail.
	DefaultSOCCapacity = 4096
	// DefaultGPSCapacity bounds the GPS history to the most recent fixes.
	DefaultGPSCapacity = 1000

	// PairTolerance is the maximum timestamp distance for a rolling-log pair.
	PairTolerance = 30 * time.Second
	// PairCount is how many paired rows the rolling log view wants.
	PairCount = 10
)

// Store owns the bounded, time-ascending SOC and GPS histories plus the
// latest single-value readings. Both sequences evict oldest-first and are
// only handed out as copies; nothing outside the store mutates them.
//
// History lives for the lifetime of a session — Reset clears it when a fresh
// connection starts.
type Store struct {
	mu sync.RWMutex

	soc    []SOCSample
	gps    []GPSSample
	socCap int
	gpsCap int

	latest map[obd.Kind]obd.Reading

	forecast   Forecast
	forecastOK bool
}

// NewStore creates a Store. Non-positive capacities fall back to defaults.
func NewStore(socCap, gpsCap int) *Store {
	if socCap <= 0 {
		socCap = DefaultSOCCapacity
	}
	if gpsCap <= 0 {
		gpsCap = DefaultGPSCapacity
	}
	return &Store{
		socCap: socCap,
		gpsCap: gpsCap,
		latest: make(map[obd.Kind]obd.Reading),
	}
}

// AppendSOC records a new SOC sample, evicting the oldest entry when full.
// Arrival order is assumed monotonic; there is no reordering.
func (s *Store) AppendSOC(sample SOCSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soc = append(s.soc, sample)
	if len(s.soc) > s.socCap {
		s.soc = s.soc[len(s.soc)-s.socCap:]
	}
}

// AppendGPS records a new GPS sample, evicting the oldest entry when full.
func (s *Store) AppendGPS(sample GPSSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gps = append(s.gps, sample)
	if len(s.gps) > s.gpsCap {
		s.gps = s.gps[len(s.gps)-s.gpsCap:]
	}
}

// SetLatest stores the most recent decoded reading for its kind. Non-SOC
// quantities only keep latest-value semantics, no time series.
func (s *Store) SetLatest(r obd.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[r.Kind] = r
}

// Latest returns the most recent reading of a kind, if one was decoded.
func (s *Store) Latest(kind obd.Kind) (obd.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.latest[kind]
	return r, ok
}

// LatestAll returns a copy of all latest readings keyed by kind.
func (s *Store) LatestAll() map[obd.Kind]obd.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[obd.Kind]obd.Reading, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// SOCSnapshot returns a copy of the SOC history, oldest first.
func (s *Store) SOCSnapshot() []SOCSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SOCSample, len(s.soc))
	copy(out, s.soc)
	return out
}

// SOCTail returns a copy of at most the latest n SOC samples, oldest first.
func (s *Store) SOCTail(n int) []SOCSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if len(s.soc) > n {
		start = len(s.soc) - n
	}
	out := make([]SOCSample, len(s.soc)-start)
	copy(out, s.soc[start:])
	return out
}

// GPSSnapshot returns a copy of the GPS history, oldest first.
func (s *Store) GPSSnapshot() []GPSSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GPSSample, len(s.gps))
	copy(out, s.gps)
	return out
}

// SOCLen returns the current SOC history length.
func (s *Store) SOCLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.soc)
}

// SetForecast caches the most recent depletion regression result so readers
// don't refit the line on every snapshot.
func (s *Store) SetForecast(f Forecast, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forecast = f
	s.forecastOK = ok
}

// ForecastResult returns the cached forecast; ok is false while there is no
// valid fit yet.
func (s *Store) ForecastResult() (Forecast, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.forecast, s.forecastOK
}

// Reset drops all history, latest readings and the cached forecast. Called
// when a new session starts so a reconnect never resumes stale state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soc = nil
	s.gps = nil
	s.latest = make(map[obd.Kind]obd.Reading)
	s.forecast = Forecast{}
	s.forecastOK = false
}

// RollingLog walks both histories from their tails backward in lockstep and
// pairs a GPS sample with an SOC sample when their timestamps are within
// PairTolerance; otherwise it advances whichever side's current element is
// chronologically later. It returns up to PairCount pairs, newest first.
//
// ok is false while fewer than PairCount pairs exist — callers show a
// "waiting for data" state instead of a partial view.
func (s *Store) RollingLog() (pairs []PairedEntry, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := len(s.soc) - 1
	j := len(s.gps) - 1
	for i >= 0 && j >= 0 && len(pairs) < PairCount {
		ds := s.soc[i].Timestamp.Sub(s.gps[j].Timestamp)
		if ds < 0 {
			ds = -ds
		}
		if ds < PairTolerance {
			pairs = append(pairs, PairedEntry{SOC: s.soc[i], GPS: s.gps[j]})
			i--
			j--
			continue
		}
		if s.soc[i].Timestamp.After(s.gps[j].Timestamp) {
			i--
		} else {
			j--
		}
	}
	return pairs, len(pairs) == PairCount
}
