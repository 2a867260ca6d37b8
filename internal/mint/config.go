package mint

import "time"

// Config bounds retries, polling and submission for every attempt.
type Config struct {
	// CompressionMaxAttempts is the total number of Compress calls per attempt.
	CompressionMaxAttempts int
	// BackoffBase is the delay after the first failed compression; it doubles per
	// retry up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// CompressionBudget caps the wall time spent compressing, retries included.
	CompressionBudget time.Duration

	PollInterval time.Duration
	// PollMaxCount is the number of pending status responses tolerated before the
	// attempt is reported as an unknown outcome. Transient lookup errors do not count.
	PollMaxCount int
	// PollBudget caps the wall time spent polling, transient errors included.
	PollBudget time.Duration

	SubmissionTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CompressionMaxAttempts: 5,
		BackoffBase:            500 * time.Millisecond,
		BackoffCap:             10 * time.Second,
		CompressionBudget:      2 * time.Minute,
		PollInterval:           5 * time.Second,
		PollMaxCount:           60,
		PollBudget:             10 * time.Minute,
		SubmissionTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CompressionMaxAttempts <= 0 {
		c.CompressionMaxAttempts = def.CompressionMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = def.BackoffCap
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.CompressionBudget <= 0 {
		c.CompressionBudget = def.CompressionBudget
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.PollMaxCount <= 0 {
		c.PollMaxCount = def.PollMaxCount
	}
	if c.PollBudget <= 0 {
		c.PollBudget = def.PollBudget
	}
	if c.SubmissionTimeout <= 0 {
		c.SubmissionTimeout = def.SubmissionTimeout
	}
	return c
}

// nextBackoff doubles d without exceeding limit.
func nextBackoff(d, limit time.Duration) time.Duration {
	d *= 2
	if d > limit {
		return limit
	}
	return d
}
