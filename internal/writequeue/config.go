package writequeue

import "time"

// Config contains configuration for the write queue.
type Config struct {
	// Workers bounds concurrent deliveries across keys.
	// Default: 4
	Workers int

	// MaxAttempts is how many delivery attempts a retryable failure gets
	// before the entry moves to Failed.
	// Default: 5
	MaxAttempts int

	// BaseBackoff is the delay after the first failed attempt; it doubles
	// with every further attempt up to MaxBackoff.
	// Default: 500ms
	BaseBackoff time.Duration

	// MaxBackoff caps the retry delay.
	// Default: 1m
	MaxBackoff time.Duration

	// DeliveryTimeout bounds one submit call.
	// Default: 15s
	DeliveryTimeout time.Duration

	// SubmitRate limits submits per second. Zero disables the limiter.
	// Default: 10
	SubmitRate float64

	// SubmitBurst is the limiter burst.
	// Default: 5
	SubmitBurst int

	// MaxPending bounds how many keys may be queued. New keys beyond it are
	// dropped. Zero means unbounded.
	// Default: 1000
	MaxPending int

	// PollInterval is the longest the drain loop sleeps without a wake-up.
	// Default: 1s
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		MaxAttempts:     5,
		BaseBackoff:     500 * time.Millisecond,
		MaxBackoff:      time.Minute,
		DeliveryTimeout: 15 * time.Second,
		SubmitRate:      10,
		SubmitBurst:     5,
		MaxPending:      1000,
		PollInterval:    time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaults.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if c.SubmitRate < 0 {
		c.SubmitRate = 0
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = defaults.SubmitBurst
	}
	if c.MaxPending < 0 {
		c.MaxPending = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	return c
}

// backoff returns the delay before attempt+1 after attempt failures.
func (c Config) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := c.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return min(delay, c.MaxBackoff)
}
