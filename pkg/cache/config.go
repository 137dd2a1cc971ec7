package cache

import (
	"errors"
	"time"
)

// Config holds the tunables of a Store.
type Config struct {
	// MaxEntries bounds the number of in-memory entries.
	MaxEntries int

	// MaxBytes bounds the summed encoded size of in-memory entries.
	// Zero disables the size budget.
	MaxBytes int

	// RealtimeThreshold is the TTL at or below which an entry is considered
	// throwaway and is not mirrored to durable storage unless asked to.
	RealtimeThreshold time.Duration

	// VolatilePatterns are substrings of keys that are never mirrored to
	// durable storage unless asked to (stock levels, live prices, order counts).
	VolatilePatterns []string

	// Namespace prefixes every key written to durable storage so the cache can
	// share a storage with other users.
	Namespace string
}

// DefaultConfig returns the configuration used by the storefront.
func DefaultConfig() Config {
	return Config{
		MaxEntries:        500,
		MaxBytes:          5 << 20,
		RealtimeThreshold: time.Minute,
		VolatilePatterns:  []string{"stock", "live_price", "order_count"},
		Namespace:         "freshness:",
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.MaxEntries <= 0 {
		return errors.New("cache: MaxEntries must be positive")
	}
	if c.MaxBytes < 0 {
		return errors.New("cache: MaxBytes must not be negative")
	}
	if c.RealtimeThreshold < 0 {
		return errors.New("cache: RealtimeThreshold must not be negative")
	}
	if c.Namespace == "" {
		return errors.New("cache: Namespace is required")
	}
	return nil
}
