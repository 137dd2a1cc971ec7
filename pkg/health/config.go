package health

import (
	"errors"
	"fmt"
	"time"
)

// Config tunes the Monitor.
type Config struct {
	// CheckInterval is how often the transport's connection state is inspected.
	CheckInterval time.Duration
	// HeartbeatInterval is how often a keepalive is sent while healthy. It
	// should be just under the idle-disconnect threshold of the intermediaries.
	HeartbeatInterval time.Duration
	// MaxAttempts is the number of consecutive failed connection attempts
	// after which the monitor gives up.
	MaxAttempts int
	// BaseDelay and MaxDelay bound the reconnect backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// ReprobeInterval is how often a given-up monitor tries once more.
	ReprobeInterval time.Duration
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		CheckInterval:     15 * time.Second,
		HeartbeatInterval: 25 * time.Second,
		MaxAttempts:       10,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		ReprobeInterval:   time.Minute,
		ConnectTimeout:    10 * time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("health: check interval must be positive, got %s", c.CheckInterval))
	}
	if c.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("health: heartbeat interval must not be negative, got %s", c.HeartbeatInterval))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("health: max attempts must be positive, got %d", c.MaxAttempts))
	}
	if c.BaseDelay < 0 || c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("health: invalid backoff bounds base=%s max=%s", c.BaseDelay, c.MaxDelay))
	}
	if c.ReprobeInterval <= 0 {
		errs = append(errs, fmt.Errorf("health: reprobe interval must be positive, got %s", c.ReprobeInterval))
	}
	return errors.Join(errs...)
}
