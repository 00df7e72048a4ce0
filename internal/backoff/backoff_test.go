package backoff

import (
	"testing"
	"time"
)

func TestDefaultIsFixedDelay(t *testing.T) {
	p := Default()
	for attempt := 0; attempt < 5; attempt++ {
		if d := p.Delay(attempt); d != 3*time.Second {
			t.Errorf("Delay(%d) = %v, want 3s (fixed)", attempt, d)
		}
	}
}

func TestExponentialGrowthWithCap(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if d := p.Delay(tt.attempt); d != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, d, tt.want)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	p := Policy{Base: 2 * time.Second, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		if d < 2*time.Second || d > 3*time.Second {
			t.Fatalf("Delay with 0.5 jitter = %v, want within [2s, 3s]", d)
		}
	}
}

func TestZeroBaseFallsBackToDefault(t *testing.T) {
	var p Policy
	if d := p.Delay(0); d != 3*time.Second {
		t.Errorf("Delay(0) on zero policy = %v, want 3s", d)
	}
}
