package cache

import "time"

// Config holds cache TTL and sizing configuration
type Config struct {
	ProfileTTL         time.Duration
	ProfileNotFoundTTL time.Duration
	MaxEntries         int
	CleanupInterval    time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		ProfileTTL:         1 * time.Hour,
		ProfileNotFoundTTL: 1 * time.Minute, // retry unknown pubkeys soon, but not on every tick
		MaxEntries:         10000,
		CleanupInterval:    1 * time.Minute,
	}
}
