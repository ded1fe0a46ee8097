package telemetry

import (
	"testing"
	"time"

	"github.com/shaunagostinho/vlink-dash/internal/obd"
)

func socAt(t time.Time, pct float64) SOCSample {
	return SOCSample{Timestamp: t, Raw: int(pct * 9.5), Percent: pct}
}

func gpsAt(t time.Time, lat, lon float64) GPSSample {
	return GPSSample{Timestamp: t, Lat: lat, Lon: lon}
}

func TestStoreEvictsOldestSOC(t *testing.T) {
	s := NewStore(3, 3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		s.AppendSOC(socAt(base.Add(time.Duration(i)*time.Second), float64(90-i)))
	}

	snap := s.SOCSnapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	// Oldest two evicted; remaining ascending.
	if snap[0].Percent != 88 || snap[2].Percent != 86 {
		t.Fatalf("snapshot = %v", snap)
	}
	for i := 1; i < len(snap); i++ {
		if !snap[i].Timestamp.After(snap[i-1].Timestamp) {
			t.Fatal("snapshot not time-ascending")
		}
	}
}

func TestStoreEvictsOldestGPS(t *testing.T) {
	s := NewStore(10, 2)
	base := time.Now()
	for i := 0; i < 4; i++ {
		s.AppendGPS(gpsAt(base.Add(time.Duration(i)*time.Second), float64(i), 0))
	}
	snap := s.GPSSnapshot()
	if len(snap) != 2 || snap[0].Lat != 2 || snap[1].Lat != 3 {
		t.Fatalf("snapshot = %v", snap)
	}
}

func TestStoreSOCTail(t *testing.T) {
	s := NewStore(100, 100)
	base := time.Now()
	for i := 0; i < 10; i++ {
		s.AppendSOC(socAt(base.Add(time.Duration(i)*time.Second), float64(i)))
	}
	tail := s.SOCTail(3)
	if len(tail) != 3 || tail[0].Percent != 7 || tail[2].Percent != 9 {
		t.Fatalf("tail = %v", tail)
	}
	if got := s.SOCTail(50); len(got) != 10 {
		t.Fatalf("oversized tail len = %d, want 10", len(got))
	}
}

func TestStoreLatestReadings(t *testing.T) {
	s := NewStore(0, 0)
	if _, ok := s.Latest(obd.KindVoltage); ok {
		t.Fatal("Latest on empty store reported ok")
	}
	s.SetLatest(obd.Reading{Kind: obd.KindVoltage, Value: 366})
	s.SetLatest(obd.Reading{Kind: obd.KindVoltage, Value: 365})
	r, ok := s.Latest(obd.KindVoltage)
	if !ok || r.Value != 365 {
		t.Fatalf("Latest = %+v ok=%v, want 365", r, ok)
	}
	if all := s.LatestAll(); len(all) != 1 {
		t.Fatalf("LatestAll len = %d, want 1", len(all))
	}
}

func TestStoreReset(t *testing.T) {
	s := NewStore(10, 10)
	s.AppendSOC(socAt(time.Now(), 90))
	s.AppendGPS(gpsAt(time.Now(), 1, 2))
	s.SetLatest(obd.Reading{Kind: obd.KindSOC, Value: 90})
	s.SetForecast(Forecast{Slope: -1}, true)

	s.Reset()

	if s.SOCLen() != 0 || len(s.GPSSnapshot()) != 0 || len(s.LatestAll()) != 0 {
		t.Fatal("Reset left history behind")
	}
	if _, ok := s.ForecastResult(); ok {
		t.Fatal("Reset left a cached forecast")
	}
}

func TestRollingLogWaitsForTenPairs(t *testing.T) {
	s := NewStore(100, 100)
	base := time.Now()

	for i := 0; i < 9; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		s.AppendSOC(socAt(ts, float64(90-i)))
		s.AppendGPS(gpsAt(ts.Add(2*time.Second), 43.65, -79.38))
	}

	pairs, ok := s.RollingLog()
	if ok {
		t.Fatalf("ok = true with %d pairs, want waiting state", len(pairs))
	}

	ts := base.Add(9 * time.Minute)
	s.AppendSOC(socAt(ts, 81))
	s.AppendGPS(gpsAt(ts.Add(2*time.Second), 43.65, -79.38))

	pairs, ok = s.RollingLog()
	if !ok || len(pairs) != PairCount {
		t.Fatalf("pairs = %d ok = %v, want %d pairs", len(pairs), ok, PairCount)
	}
	// Newest first.
	if pairs[0].SOC.Percent != 81 || pairs[9].SOC.Percent != 90 {
		t.Fatalf("pair order wrong: first %.0f last %.0f", pairs[0].SOC.Percent, pairs[9].SOC.Percent)
	}
}

func TestRollingLogSkipsOutOfTolerancePairs(t *testing.T) {
	s := NewStore(100, 100)
	base := time.Now()

	// SOC every minute; GPS only near the even-minute samples, and one fix
	// a full minute away from everything else.
	for i := 0; i < 20; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		s.AppendSOC(socAt(ts, float64(90-i)))
		if i%2 == 0 {
			s.AppendGPS(gpsAt(ts.Add(5*time.Second), 43.65, -79.38))
		}
	}

	pairs, ok := s.RollingLog()
	if !ok {
		t.Fatalf("expected %d pairs, got %d", PairCount, len(pairs))
	}
	for _, p := range pairs {
		ds := p.SOC.Timestamp.Sub(p.GPS.Timestamp)
		if ds < 0 {
			ds = -ds
		}
		if ds >= PairTolerance {
			t.Fatalf("pair outside tolerance: %v", ds)
		}
	}
}
