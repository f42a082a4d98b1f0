package circuitbreaker

import "time"

// Settings is the user-facing breaker configuration, loaded by the config
// package from the `breaker` section.
type Settings struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
}

// ToConfig fills unset settings from DefaultConfig.
func (s Settings) ToConfig() Config {
	c := DefaultConfig()
	if s.MaxRequests > 0 {
		c.MaxRequests = s.MaxRequests
	}
	if s.Interval > 0 {
		c.Interval = s.Interval
	}
	if s.Timeout > 0 {
		c.Timeout = s.Timeout
	}
	if s.FailureThreshold > 0 {
		c.FailureThreshold = s.FailureThreshold
	}
	if s.SuccessThreshold > 0 {
		c.SuccessThreshold = s.SuccessThreshold
	}
	return c
}

// CacheConfig is tuned for the embedding cache: trip quickly, recover
// quickly, since a cache miss only costs an extra embedding call.
func CacheConfig() Config {
	return Config{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}
