package obd

import (
	"errors"
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestDecodeSOC(t *testing.T) {
	// 0x036A = 874 raw
	r, err := DecodeFrame("62B046036A", time.Now())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if r.Kind != KindSOC {
		t.Fatalf("kind = %q, want soc", r.Kind)
	}
	if r.Raw != 874 {
		t.Fatalf("raw = %d, want 874", r.Raw)
	}
	if !almostEqual(r.Value, 874.0/9.5) {
		t.Errorf("value = %v, want %v", r.Value, 874.0/9.5)
	}
	if !almostEqual(r.PercentHigh, 874.0/9.3) || !almostEqual(r.PercentLow, 874.0/9.7) {
		t.Errorf("calibration variants = %v/%v", r.PercentLow, r.PercentHigh)
	}
}

func TestDecodeFormulas(t *testing.T) {
	tests := []struct {
		frame string
		kind  Kind
		value float64
	}{
		{"62B061263A", KindSOH, 0x263A / 100.0},
		{"62B04205B8", KindVoltage, 0x05B8 / 4.0},
		{"62B0439B84", KindCurrent, (float64(0x9B84) - 40000) * 0.025},
		{"62B0569600", KindBatteryTemp, 0x96/2.0 - 40},
		{"62B0565000", KindBatteryTemp, 0}, // A=0x50: formula hits exactly 0 C
	}
	for _, tt := range tests {
		r, err := DecodeFrame(tt.frame, time.Now())
		if err != nil {
			t.Errorf("DecodeFrame(%q): %v", tt.frame, err)
			continue
		}
		if r.Kind != tt.kind {
			t.Errorf("DecodeFrame(%q) kind = %q, want %q", tt.frame, r.Kind, tt.kind)
		}
		if !almostEqual(r.Value, tt.value) {
			t.Errorf("DecodeFrame(%q) value = %v, want %v", tt.frame, r.Value, tt.value)
		}
	}
}

func TestDecodeCaseAndWhitespace(t *testing.T) {
	r, err := DecodeFrame("  62b046036a \r\n", time.Now())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if r.Raw != 874 {
		t.Fatalf("raw = %d, want 874", r.Raw)
	}
}

func TestDecodeRejectsNonPositiveResponse(t *testing.T) {
	for _, frame := range []string{"OK", "ELM327 v2.2", "7F2231", "SEARCHING...", "?"} {
		if _, err := DecodeFrame(frame, time.Now()); !errors.Is(err, ErrNotPositiveResponse) {
			t.Errorf("DecodeFrame(%q) err = %v, want ErrNotPositiveResponse", frame, err)
		}
	}
}

func TestDecodeShortFrame(t *testing.T) {
	if _, err := DecodeFrame("62B0", time.Now()); !errors.Is(err, ErrShortFrame) {
		t.Errorf("err = %v, want ErrShortFrame", err)
	}
}

func TestDecodeAmbiguousFrames(t *testing.T) {
	tests := []string{
		"62B046",               // no data block at all
		"62B046036A62B0460370", // two concatenated responses
		"62B046ZZZZ",           // non-hex where the block should be
		"62B04603",             // truncated block
	}
	for _, frame := range tests {
		if _, err := DecodeFrame(frame, time.Now()); !errors.Is(err, ErrAmbiguousFrame) {
			t.Errorf("DecodeFrame(%q) err = %v, want ErrAmbiguousFrame", frame, err)
		}
	}
}

func TestDecodeUnknownDID(t *testing.T) {
	if _, err := DecodeFrame("62B99912AB", time.Now()); !errors.Is(err, ErrUnknownDID) {
		t.Errorf("err = %v, want ErrUnknownDID", err)
	}
}

func TestDecodeTempSuppressedAtZero(t *testing.T) {
	// raw == 0 would decode to -40 which is the sensor's "no data" marker
	if _, err := DecodeFrame("62B0560000", time.Now()); !errors.Is(err, ErrSuppressedReading) {
		t.Errorf("err = %v, want ErrSuppressedReading", err)
	}
}

func TestIsPrompt(t *testing.T) {
	for _, frame := range []string{">", " > ", "", "  \r\n"} {
		if !IsPrompt(frame) {
			t.Errorf("IsPrompt(%q) = false, want true", frame)
		}
	}
	for _, frame := range []string{"OK", "62B046036A", "> 62"} {
		if IsPrompt(frame) {
			t.Errorf("IsPrompt(%q) = true, want false", frame)
		}
	}
}
