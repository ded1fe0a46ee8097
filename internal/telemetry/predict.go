package telemetry

import (
	"sort"
	"time"
)

const (
	// MinForecastSamples is the smallest SOC history that yields a forecast.
	MinForecastSamples = 12
	// MaxForecastWindow caps how far back the regression looks.
	MaxForecastWindow = 24

	// MinMovingSpeed gates discharge observations: below ~1.8 km/h the
	// vehicle is considered parked and the interval is skipped.
	MinMovingSpeed = 0.5 // m/s

	// BucketWidthKmh is the width of one discharge-analysis speed bin.
	BucketWidthKmh = 10
)

// Forecast is the result of the depletion regression: the fitted line and the
// time until its x-intercept (predicted SOC == 0), measured from the most
// recent sample in the window.
type Forecast struct {
	Slope      float64       `json:"slope"`     // percent per second
	Intercept  float64       `json:"intercept"` // percent at window start
	ETA        time.Duration `json:"-"`
	ETASeconds float64       `json:"etaSeconds"`
}

// ForecastDepletion fits an ordinary least-squares line of SOC percent
// against elapsed seconds since the first sample in the window, using the
// latest MaxForecastWindow samples.
//
// ok is false when fewer than MinForecastSamples exist or the fitted slope is
// exactly zero (the x-intercept is undefined); callers must treat that as "no
// forecast yet", never as an error and never as Inf/NaN.
func ForecastDepletion(samples []SOCSample) (Forecast, bool) {
	if len(samples) < MinForecastSamples {
		return Forecast{}, false
	}
	if len(samples) > MaxForecastWindow {
		samples = samples[len(samples)-MaxForecastWindow:]
	}

	t0 := samples[0].Timestamp
	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := s.Timestamp.Sub(t0).Seconds()
		y := s.Percent
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		// All samples share one timestamp; no line to fit.
		return Forecast{}, false
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	if slope == 0 {
		return Forecast{}, false
	}

	xZero := -intercept / slope
	xLast := samples[len(samples)-1].Timestamp.Sub(t0).Seconds()
	etaSec := xZero - xLast

	return Forecast{
		Slope:      slope,
		Intercept:  intercept,
		ETA:        time.Duration(etaSec * float64(time.Second)),
		ETASeconds: etaSec,
	}, true
}

// DischargeBucket aggregates discharge-rate observations within one fixed
// 10 km/h speed bin.
type DischargeBucket struct {
	SpeedFloorKmh int     `json:"speedFloorKmh"`
	MeanRate      float64 `json:"meanRate"` // percent per hour
	Samples       int     `json:"samples"`
	RangeKm       float64 `json:"rangeKm"` // 0 when no current SOC or rate <= 0
}

// DischargeBySpeed correlates consecutive SOC sample pairs with the GPS
// samples inside each pair's time window. An interval contributes an
// observation only when the window's mean speed exceeds MinMovingSpeed; the
// observation's rate is the SOC drop divided by elapsed hours.
//
// Observations are binned into 10 km/h-wide buckets reporting the arithmetic
// mean rate and sample count. When currentSOC > 0, each bucket also carries a
// range estimate: hours-to-empty at the bucket's mean rate, converted to
// distance at the bucket's midpoint speed.
//
// An empty result means "insufficient data" (e.g. the vehicle never moved),
// never a division by zero.
func DischargeBySpeed(soc []SOCSample, gps []GPSSample, currentSOC float64) []DischargeBucket {
	type agg struct {
		sum   float64
		count int
	}
	bins := make(map[int]*agg)

	for i := 1; i < len(soc); i++ {
		prev, cur := soc[i-1], soc[i]
		elapsed := cur.Timestamp.Sub(prev.Timestamp)
		if elapsed <= 0 {
			continue
		}

		var speedSum float64
		var speedN int
		for _, g := range gps {
			if g.Timestamp.Before(prev.Timestamp) || g.Timestamp.After(cur.Timestamp) {
				continue
			}
			if g.Speed == nil {
				continue
			}
			speedSum += *g.Speed
			speedN++
		}
		if speedN == 0 {
			continue
		}
		avgSpeed := speedSum / float64(speedN)
		if avgSpeed <= MinMovingSpeed {
			continue
		}

		rate := (prev.Percent - cur.Percent) / elapsed.Hours()
		floor := int(avgSpeed*3.6/BucketWidthKmh) * BucketWidthKmh

		b := bins[floor]
		if b == nil {
			b = &agg{}
			bins[floor] = b
		}
		b.sum += rate
		b.count++
	}

	if len(bins) == 0 {
		return nil
	}

	floors := make([]int, 0, len(bins))
	for f := range bins {
		floors = append(floors, f)
	}
	sort.Ints(floors)

	out := make([]DischargeBucket, 0, len(bins))
	for _, f := range floors {
		b := bins[f]
		mean := b.sum / float64(b.count)
		bucket := DischargeBucket{
			SpeedFloorKmh: f,
			MeanRate:      mean,
			Samples:       b.count,
		}
		if currentSOC > 0 && mean > 0 {
			hours := currentSOC / mean
			midpoint := float64(f) + BucketWidthKmh/2.0
			bucket.RangeKm = hours * midpoint
		}
		out = append(out, bucket)
	}
	return out
}
