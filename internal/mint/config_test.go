package mint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig(), cfg)

	cfg = Config{BackoffBase: 2 * time.Second, BackoffCap: time.Second, PollMaxCount: 3}.withDefaults()
	assert.Equal(t, 2*time.Second, cfg.BackoffCap, "cap never below base")
	assert.Equal(t, 3, cfg.PollMaxCount)
	assert.Equal(t, DefaultConfig().CompressionMaxAttempts, cfg.CompressionMaxAttempts)
}

func TestNextBackoff(t *testing.T) {
	d := 100 * time.Millisecond
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, d)
		d = nextBackoff(d, 500*time.Millisecond)
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}, got)
}
