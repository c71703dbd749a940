package monitoring

import (
	"testing"
	"time"
)

func TestBackoffNextDelay(t *testing.T) {
	tests := []struct {
		name       string
		config     backoffConfig
		attempt    int
		rng        float64
		wantExact  time.Duration
		wantMin    time.Duration
		wantMax    time.Duration
		checkExact bool
	}{
		{
			name:       "first failure",
			config:     backoffConfig{Initial: 5 * time.Second, Multiplier: 2, Max: 5 * time.Minute},
			attempt:    0,
			rng:        0.5,
			wantExact:  5 * time.Second,
			checkExact: true,
		},
		{
			name:       "second failure doubles",
			config:     backoffConfig{Initial: 5 * time.Second, Multiplier: 2, Max: 5 * time.Minute},
			attempt:    1,
			rng:        0.5,
			wantExact:  10 * time.Second,
			checkExact: true,
		},
		{
			name:       "third failure quadruples",
			config:     backoffConfig{Initial: 5 * time.Second, Multiplier: 2, Max: 5 * time.Minute},
			attempt:    2,
			rng:        0.5,
			wantExact:  20 * time.Second,
			checkExact: true,
		},
		{
			name:       "cap holds",
			config:     backoffConfig{Initial: 5 * time.Second, Multiplier: 2, Max: 30 * time.Second},
			attempt:    10,
			rng:        0.5,
			wantExact:  30 * time.Second,
			checkExact: true,
		},
		{
			name:    "jitter stays within bounds",
			config:  backoffConfig{Initial: 10 * time.Second, Multiplier: 2, Jitter: 0.2, Max: 5 * time.Minute},
			attempt: 0,
			rng:     0.99,
			wantMin: 8 * time.Second,
			wantMax: 12 * time.Second,
		},
		{
			name:    "jitter can shorten",
			config:  backoffConfig{Initial: 10 * time.Second, Multiplier: 2, Jitter: 0.2, Max: 5 * time.Minute},
			attempt: 0,
			rng:     0.0,
			wantMin: 8 * time.Second,
			wantMax: 12 * time.Second,
		},
		{
			name:       "negative attempt clamps to first",
			config:     backoffConfig{Initial: 5 * time.Second, Multiplier: 2, Max: 5 * time.Minute},
			attempt:    -3,
			rng:        0.5,
			wantExact:  5 * time.Second,
			checkExact: true,
		},
		{
			name:       "zero config falls back to sane defaults",
			config:     backoffConfig{},
			attempt:    1,
			rng:        0.5,
			wantExact:  4 * time.Second,
			checkExact: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.config.nextDelay(tt.attempt, tt.rng)
			if tt.checkExact {
				if got != tt.wantExact {
					t.Errorf("nextDelay(%d, %v) = %v, want %v", tt.attempt, tt.rng, got, tt.wantExact)
				}
				return
			}
			if got < tt.wantMin || got > tt.wantMax {
				t.Errorf("nextDelay(%d, %v) = %v, want within [%v, %v]", tt.attempt, tt.rng, got, tt.wantMin, tt.wantMax)
			}
		})
	}
}
