package security

import (
	"testing"
	"time"
)

func TestIsExpiredAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{"zero never expires", time.Time{}, 0, false},
		{"future", now.Add(time.Minute), 0, false},
		{"past without grace", now.Add(-time.Second), 0, true},
		{"past within grace", now.Add(-3 * time.Second), DefaultClockSkewGracePeriod, false},
		{"past beyond grace", now.Add(-6 * time.Second), DefaultClockSkewGracePeriod, true},
		{"exact expiry instant", now, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpiredAt(now, tt.expiresAt, tt.grace); got != tt.want {
				t.Errorf("IsExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}
