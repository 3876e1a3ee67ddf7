package studio

import (
	"testing"
	"time"
)

func TestSessionIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	timeout := 30 * time.Minute
	tests := []struct {
		name string
		last time.Time
		want bool
	}{
		{"never active", time.Time{}, true},
		{"recent", now.Add(-time.Minute), false},
		{"exactly at timeout", now.Add(-timeout), false},
		{"expired", now.Add(-31 * time.Minute), true},
	}
	for _, tt := range tests {
		s := Session{LastActivity: tt.last}
		if got := s.Idle(now, timeout); got != tt.want {
			t.Errorf("%s: Idle = %v, want %v", tt.name, got, tt.want)
		}
	}
}
