package utils

import (
	"testing"
	"time"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    time.Duration
		expected string
	}{
		{"seconds", 45 * time.Second, "45s"},
		{"minutes and seconds", 5*time.Minute + 30*time.Second, "5m30s"},
		{"hours and minutes", 2*time.Hour + 15*time.Minute, "2h15m0s"},
		{"zero", 0, "0s"},
		{"negative", -5 * time.Minute, "5m0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDuration(tt.input); got != tt.expected {
				t.Errorf("FormatDuration(%v) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestUnixMillis(t *testing.T) {
	before := time.Now().UnixMilli()
	got := UnixMillis()
	after := time.Now().UnixMilli()

	if got < before || got > after {
		t.Errorf("UnixMillis() = %d, want between %d and %d", got, before, after)
	}
}

func TestFromUnixMillis(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	got := FromUnixMillis(now.UnixMilli())
	if !got.Equal(now) {
		t.Errorf("FromUnixMillis round-trip mismatch: got %v, want %v", got, now)
	}
}

func TestToUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("timezone database unavailable")
	}
	local := time.Date(2024, 1, 15, 10, 0, 0, 0, loc)
	got := ToUTC(local)
	if got.Location() != time.UTC {
		t.Errorf("ToUTC() location = %v, want UTC", got.Location())
	}
}
