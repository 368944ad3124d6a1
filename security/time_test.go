package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{name: "zero never expires", expiresAt: time.Time{}, want: false},
		{name: "future", expiresAt: now.Add(time.Minute), want: false},
		{name: "exactly now", expiresAt: now, want: false},
		{name: "one nanosecond past", expiresAt: now.Add(-time.Nanosecond), want: true},
		{name: "three seconds past", expiresAt: now.Add(-3 * time.Second), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt, now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEarliestDeadline(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(time.Hour)

	tests := []struct {
		name string
		x, y time.Time
		want time.Time
	}{
		{name: "both zero", want: time.Time{}},
		{name: "first zero", y: b, want: b},
		{name: "second zero", x: a, want: a},
		{name: "first earlier", x: a, y: b, want: a},
		{name: "second earlier", x: b, y: a, want: a},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EarliestDeadline(tt.x, tt.y); !got.Equal(tt.want) {
				t.Errorf("EarliestDeadline() = %v, want %v", got, tt.want)
			}
		})
	}
}
