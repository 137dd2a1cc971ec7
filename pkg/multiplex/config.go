package multiplex

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	// MaxRetries is the number of resubscriptions allowed per logical name
	// within RetryResetWindow. The next failure stops retrying that name.
	MaxRetries int
	// RetryResetWindow is how long a name must go without a failure before
	// its retry count starts over.
	RetryResetWindow time.Duration
	// BaseDelay and MaxDelay bound the resubscribe backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// PollInterval is handed to the polling coordinator for fallbacks that
	// do not name their own interval. Zero defers to the coordinator.
	PollInterval time.Duration
	// JoinTimeout is passed to every physical channel.
	JoinTimeout time.Duration
	// Schema is the database schema of shared table channels.
	Schema string
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:       5,
		RetryResetWindow: 2 * time.Minute,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		JoinTimeout:      10 * time.Second,
		Schema:           "public",
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("multiplex: max retries must not be negative, got %d", c.MaxRetries))
	}
	if c.RetryResetWindow <= 0 {
		errs = append(errs, fmt.Errorf("multiplex: retry reset window must be positive, got %s", c.RetryResetWindow))
	}
	if c.BaseDelay < 0 || c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("multiplex: invalid backoff bounds base=%s max=%s", c.BaseDelay, c.MaxDelay))
	}
	if c.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("multiplex: poll interval must not be negative, got %s", c.PollInterval))
	}
	return errors.Join(errs...)
}
