package gps

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/shaunagostinho/vlink-dash/internal/telemetry"
)

// DefaultSampleInterval spaces position fixes for the telemetry history.
const DefaultSampleInterval = 5 * time.Second

// Sampler polls a Provider on a fixed interval and feeds valid fixes into the
// telemetry store. When the receiver reports no speed, the sampler estimates
// one from the great-circle distance to the previous fix.
type Sampler struct {
	provider Provider
	store    *telemetry.Store
	interval time.Duration

	mu      sync.Mutex
	prev    *telemetry.GPSSample
	prevRaw *Data
}

// NewSampler creates a Sampler. A non-positive interval takes the default.
func NewSampler(provider Provider, store *telemetry.Store, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{provider: provider, store: store, interval: interval}
}

// Run polls until ctx is cancelled. Read errors are logged and skipped; the
// provider stays connected for the lifetime of the loop.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(time.Now())
		}
	}
}

func (s *Sampler) sample(now time.Time) {
	data, err := s.provider.Read()
	if err != nil {
		log.Printf("[gps] read failed: %v", err)
		return
	}
	if data == nil || !data.Valid {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sample := telemetry.GPSSample{
		Timestamp: now,
		Lat:       data.Latitude,
		Lon:       data.Longitude,
		Heading:   data.Heading,
		// Rough horizontal error from dilution, assuming ~5 m base UERE.
		Accuracy: data.HDOP * 5,
	}

	switch {
	case data.HasSpeed:
		ms := data.Speed / 3.6 // km/h to m/s
		sample.Speed = &ms
	case s.prev != nil:
		// Receiver omitted speed; estimate it from the distance covered
		// since the previous fix. A fix with no predecessor stays nil.
		dt := now.Sub(s.prev.Timestamp).Seconds()
		if dt > 0 {
			ms := Haversine(s.prev.Lat, s.prev.Lon, sample.Lat, sample.Lon) / dt
			sample.Speed = &ms
		}
	}

	s.store.AppendGPS(sample)
	s.prev = &sample
	s.prevRaw = data
}

// LastFix returns the most recent raw fix, for status endpoints.
func (s *Sampler) LastFix() *Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prevRaw
}

// Haversine returns the great-circle distance between two coordinates in
// meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000.0 // meters

	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}
