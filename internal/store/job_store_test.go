package store

import (
	"testing"
	"time"
)

func TestQueueConfigBackoff(t *testing.T) {
	c := QueueConfig{BackoffBase: time.Second, BackoffMax: 5 * time.Second}.WithDefaults()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{30, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := c.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestQueueConfigDefaults(t *testing.T) {
	c := QueueConfig{}.WithDefaults()
	if c.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", c.MaxAttempts)
	}
	if c.Prefetch != 5 {
		t.Errorf("Prefetch = %d, want 5", c.Prefetch)
	}
	if c.Lease != time.Minute {
		t.Errorf("Lease = %v, want 1m", c.Lease)
	}
}
