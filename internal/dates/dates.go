// Package dates resolves the order date of an imported row: spreadsheet serial day
// counts, common written layouts, or the import time when the row has no date.
package dates

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// SerialThreshold is the value above which a numeric cell is a serial day count.
	SerialThreshold = 1000
	MinSerialYear   = 2000
	MaxSerialYear   = 2100
)

// SerialEpoch is day zero of the spreadsheet serial date system.
var SerialEpoch = time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)

var (
	ErrOutOfRange = errors.New("date out of range")
	ErrInvalid    = errors.New("invalid date")
)

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/2006 15:04",
	"1/2/2006 15:04",
	"01-02-2006",
	"1-2-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02-Jan-2006",
	"02 January 2006",
	time.RFC1123,
	time.RFC1123Z,
}

// Resolve turns an extracted date cell into a time. found=false means the row has
// no date column at all, which falls back to now.
func Resolve(raw string, found bool, now time.Time) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if !found || value == "" {
		return now, nil
	}
	if serial, err := strconv.ParseFloat(value, 64); err == nil && serial > SerialThreshold {
		return FromSerial(serial)
	}
	return Parse(value)
}

// FromSerial converts a serial day count, keeping the fractional day as time of day.
func FromSerial(serial float64) (time.Time, error) {
	if math.IsNaN(serial) || math.IsInf(serial, 0) {
		return time.Time{}, fmt.Errorf("serial %v: %w", serial, ErrInvalid)
	}
	ms := serial * float64(time.Hour/time.Millisecond) * 24
	// Far beyond the allowed years; guards the duration conversion from overflow.
	if math.Abs(ms) > float64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Time{}, fmt.Errorf("serial %v: %w", serial, ErrOutOfRange)
	}
	t := SerialEpoch.Add(time.Duration(math.Round(ms)) * time.Millisecond)
	if t.Year() < MinSerialYear || t.Year() > MaxSerialYear {
		return time.Time{}, fmt.Errorf("serial %v resolves to year %d: %w", serial, t.Year(), ErrOutOfRange)
	}
	return t, nil
}

func Parse(value string) (time.Time, error) {
	for _, layout := range layouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse %q: %w", value, ErrInvalid)
}
