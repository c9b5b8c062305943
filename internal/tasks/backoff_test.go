package tasks

import (
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second, MaxRetries: 5}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_WithDefaults(t *testing.T) {
	b := Backoff{}.withDefaults()
	if b.Base != time.Second || b.Max != 30*time.Second || b.MaxRetries != 5 {
		t.Errorf("defaults = %+v", b)
	}

	b = Backoff{Base: time.Minute, Max: time.Second}.withDefaults()
	if b.Max != time.Minute {
		t.Errorf("Max should not be below Base, got %v", b.Max)
	}
}
