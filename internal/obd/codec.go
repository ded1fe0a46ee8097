package obd

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the quantity carried by a decoded Reading.
type Kind string

const (
	KindSOC         Kind = "soc"
	KindSOH         Kind = "soh"
	KindVoltage     Kind = "voltage"
	KindCurrent     Kind = "current"
	KindBatteryTemp Kind = "batteryTemp"
)

// Reading is a typed value decoded from a single notification frame.
//
// For SOC readings Value holds the canonical /9.5 percent estimate;
// PercentLow and PercentHigh carry the /9.7 and /9.3 calibration variants,
// kept for diagnostic logging (the intent of the extra divisors is unclear,
// so all three survive decoding).
type Reading struct {
	Kind        Kind      `json:"kind"`
	Value       float64   `json:"value"`
	PercentLow  float64   `json:"percentLow,omitempty"`
	PercentHigh float64   `json:"percentHigh,omitempty"`
	Raw         uint16    `json:"raw"`
	RawA        byte      `json:"rawA"`
	RawB        byte      `json:"rawB"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decode errors. All of them mean "log and drop" — framing noise is expected
// with BLE notification fragmentation and is never fatal.
var (
	ErrNotPositiveResponse = fmt.Errorf("obd: frame is not a 62 positive response")
	ErrShortFrame          = fmt.Errorf("obd: frame too short for a response id")
	ErrAmbiguousFrame      = fmt.Errorf("obd: frame has zero or multiple data blocks")
	ErrUnknownDID          = fmt.Errorf("obd: unknown data identifier")
	ErrSuppressedReading   = fmt.Errorf("obd: reading suppressed")
	ErrNotANumber          = fmt.Errorf("obd: conversion produced NaN")
)

// IsPrompt reports whether a notification payload is the dongle's idle
// indicator rather than data. A bare ">" or an empty string means the dongle
// is ready for the next command.
func IsPrompt(frame string) bool {
	t := strings.TrimSpace(frame)
	return t == "" || t == ">"
}

// DecodeFrame validates and decodes one notification payload.
//
// A frame is accepted only when it starts with the ASCII digits "62"
// (positive response marker). The 6-character response id ("62" + DID) is
// then located in the frame and exactly one 4-hex-digit data block must
// immediately follow an occurrence of it; concatenated or partial
// multi-frame notifications produce zero or several candidate blocks and are
// dropped as ambiguous.
func DecodeFrame(frame string, ts time.Time) (*Reading, error) {
	frame = strings.ToUpper(strings.TrimSpace(frame))

	if len(frame) < 2 || frame[:2] != "62" {
		return nil, ErrNotPositiveResponse
	}
	if len(frame) < 6 {
		return nil, ErrShortFrame
	}

	respID := frame[:6]
	did := respID[2:]

	block, err := soleDataBlock(frame, respID)
	if err != nil {
		return nil, err
	}

	a, errA := strconv.ParseUint(block[:2], 16, 8)
	b, errB := strconv.ParseUint(block[2:], 16, 8)
	if errA != nil || errB != nil {
		// Cannot happen after the hex scan, but a malformed block is
		// conversion noise, not a fault.
		return nil, ErrNotANumber
	}
	raw := uint16(a)*256 + uint16(b)

	r := &Reading{
		Raw:       raw,
		RawA:      byte(a),
		RawB:      byte(b),
		Timestamp: ts,
	}

	switch did {
	case DIDSOC:
		r.Kind = KindSOC
		r.Value = float64(raw) / 9.5
		r.PercentHigh = float64(raw) / 9.3
		r.PercentLow = float64(raw) / 9.7
	case DIDSOH:
		r.Kind = KindSOH
		r.Value = float64(raw) / 100
	case DIDVoltage:
		r.Kind = KindVoltage
		r.Value = float64(raw) / 4
	case DIDCurrent:
		r.Kind = KindCurrent
		r.Value = (float64(raw) - 40000) * 0.025
	case DIDBatteryTemp:
		// raw == 0 is the sensor's "no data" marker; the formula would
		// yield -40 which must not be recorded.
		if raw == 0 {
			return nil, ErrSuppressedReading
		}
		r.Kind = KindBatteryTemp
		r.Value = float64(a)/2 - 40
	default:
		return nil, ErrUnknownDID
	}

	if math.IsNaN(r.Value) {
		return nil, ErrNotANumber
	}
	return r, nil
}

// soleDataBlock scans the frame for 4-hex-digit blocks immediately following
// occurrences of the response id and returns the block only when exactly one
// exists.
func soleDataBlock(frame, respID string) (string, error) {
	var blocks []string
	for i := 0; i < len(frame); {
		j := strings.Index(frame[i:], respID)
		if j < 0 {
			break
		}
		pos := i + j + len(respID)
		if pos+4 <= len(frame) && isHex4(frame[pos:pos+4]) {
			blocks = append(blocks, frame[pos:pos+4])
		}
		i = i + j + 1
	}
	if len(blocks) != 1 {
		return "", ErrAmbiguousFrame
	}
	return blocks[0], nil
}

func isHex4(s string) bool {
	if len(s) != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		c := s[i]
		if !((c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
