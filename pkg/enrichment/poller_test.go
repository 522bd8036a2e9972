package enrichment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPollInterval(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    time.Duration
	}{
		{name: "just submitted", elapsed: 0, want: 15 * time.Second},
		{name: "under two minutes", elapsed: 119 * time.Second, want: 15 * time.Second},
		{name: "at two minutes", elapsed: 2 * time.Minute, want: 30 * time.Second},
		{name: "under five minutes", elapsed: 4 * time.Minute, want: 30 * time.Second},
		{name: "at five minutes", elapsed: 5 * time.Minute, want: time.Minute},
		{name: "under ten minutes", elapsed: 9 * time.Minute, want: time.Minute},
		{name: "at ten minutes", elapsed: 10 * time.Minute, want: 2 * time.Minute},
		{name: "under twenty minutes", elapsed: 19 * time.Minute, want: 2 * time.Minute},
		{name: "at twenty minutes", elapsed: 20 * time.Minute, want: 5 * time.Minute},
		{name: "an hour", elapsed: time.Hour, want: 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PollInterval(tt.elapsed))
		})
	}
}

func TestPollIntervalNeverDecreases(t *testing.T) {
	prev := time.Duration(0)
	for elapsed := time.Duration(0); elapsed <= 30*time.Minute; elapsed += 10 * time.Second {
		interval := PollInterval(elapsed)
		assert.GreaterOrEqual(t, interval, prev, "interval shrank at elapsed=%s", elapsed)
		prev = interval
	}
}
