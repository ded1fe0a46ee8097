package gps

import (
	"math"
	"testing"
	"time"

	"github.com/shaunagostinho/vlink-dash/internal/telemetry"
)

type scriptedProvider struct {
	fixes []*Data
	i     int
}

func (p *scriptedProvider) Name() string   { return "scripted" }
func (p *scriptedProvider) Connect() error { return nil }
func (p *scriptedProvider) Close() error   { return nil }

func (p *scriptedProvider) Read() (*Data, error) {
	if p.i >= len(p.fixes) {
		return p.fixes[len(p.fixes)-1], nil
	}
	fix := p.fixes[p.i]
	p.i++
	return fix, nil
}

func TestSamplerConvertsReceiverSpeed(t *testing.T) {
	store := telemetry.NewStore(0, 0)
	prov := &scriptedProvider{fixes: []*Data{
		{Valid: true, Latitude: 43.65, Longitude: -79.38, Speed: 36, HasSpeed: true},
	}}
	s := NewSampler(prov, store, time.Second)

	s.sample(time.Now())

	snap := store.GPSSnapshot()
	if len(snap) != 1 {
		t.Fatalf("samples = %d, want 1", len(snap))
	}
	if snap[0].Speed == nil || math.Abs(*snap[0].Speed-10) > 1e-9 {
		t.Fatalf("speed = %v, want 10 m/s", snap[0].Speed)
	}
}

func TestSamplerFallsBackToDistanceSpeed(t *testing.T) {
	store := telemetry.NewStore(0, 0)
	prov := &scriptedProvider{fixes: []*Data{
		{Valid: true, Latitude: 0, Longitude: 0},
		{Valid: true, Latitude: 0, Longitude: 0.001},
	}}
	s := NewSampler(prov, store, time.Second)

	t0 := time.Now()
	s.sample(t0)
	s.sample(t0.Add(10 * time.Second))

	snap := store.GPSSnapshot()
	if len(snap) != 2 {
		t.Fatalf("samples = %d, want 2", len(snap))
	}
	// First fix has no predecessor, so no speed at all.
	if snap[0].Speed != nil {
		t.Fatalf("first sample speed = %v, want nil", *snap[0].Speed)
	}
	// ~111.2 m covered in 10 s.
	want := Haversine(0, 0, 0, 0.001) / 10
	if snap[1].Speed == nil || math.Abs(*snap[1].Speed-want) > 1e-6 {
		t.Fatalf("fallback speed = %v, want %v", snap[1].Speed, want)
	}
}

func TestSamplerSkipsInvalidFixes(t *testing.T) {
	store := telemetry.NewStore(0, 0)
	prov := &scriptedProvider{fixes: []*Data{
		{Valid: false, Latitude: 1, Longitude: 1},
	}}
	s := NewSampler(prov, store, time.Second)

	s.sample(time.Now())

	if len(store.GPSSnapshot()) != 0 {
		t.Fatal("invalid fix was recorded")
	}
}
