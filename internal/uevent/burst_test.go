package uevent

import (
	"testing"
	"time"
)

func TestShouldAccumulate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		windowStart time.Time
		events      int
		want        bool
	}{
		{
			name:        "zero elapsed keeps accumulating",
			windowStart: now,
			events:      1,
			want:        true,
		},
		{
			name:        "zero elapsed at the count cap",
			windowStart: now,
			events:      maxAccumulationCount,
			want:        true,
		},
		{
			name:        "count cap exceeded stops regardless of time",
			windowStart: now,
			events:      maxAccumulationCount + 1,
			want:        false,
		},
		{
			name:        "window too long stops",
			windowStart: now.Add(-31 * time.Second),
			events:      2000,
			want:        false,
		},
		{
			name:        "fast arrival keeps accumulating",
			windowStart: now.Add(-100 * time.Millisecond),
			events:      50, // 500 events/s
			want:        true,
		},
		{
			name:        "slow arrival flushes",
			windowStart: now.Add(-2 * time.Second),
			events:      5, // 2 events/s
			want:        false,
		},
		{
			name:        "at the low-water mark flushes",
			windowStart: now.Add(-time.Second),
			events:      minBurstSpeed,
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldAccumulate(tt.windowStart, tt.events); got != tt.want {
				t.Errorf("shouldAccumulate(%v ago, %d) = %v, want %v",
					time.Since(tt.windowStart).Round(time.Millisecond), tt.events, got, tt.want)
			}
		})
	}
}
