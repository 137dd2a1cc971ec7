package freshness

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopfront/freshness/pkg/cache"
	"github.com/shopfront/freshness/pkg/health"
	"github.com/shopfront/freshness/pkg/multiplex"
	"github.com/shopfront/freshness/pkg/polling"
)

const (
	TransportGorilla = "gorillaws"
	TransportGWS     = "gws"

	// DefaultEnvPrefix is used by ConfigFromEnv when no prefix is given.
	DefaultEnvPrefix = "FRESHNESS"
)

// Config aggregates the configuration of every component.
type Config struct {
	Cache     cache.Config
	Health    health.Config
	Multiplex multiplex.Config
	Polling   polling.Config

	// DataURL is the base URL of the request/response data API.
	DataURL string
	// APIKey authenticates against both the data API and the change feed.
	APIKey string
	// RealtimeURL is the websocket URL of the change feed.
	RealtimeURL string
	// Transport picks the websocket implementation, TransportGorilla or
	// TransportGWS.
	Transport string

	// StorageDir enables the on-disk durable mirror of the cache.
	StorageDir string
	// StorageQuota bounds the durable mirror in bytes.
	StorageQuota int64
}

func DefaultConfig() Config {
	return Config{
		Cache:        cache.DefaultConfig(),
		Health:       health.DefaultConfig(),
		Multiplex:    multiplex.DefaultConfig(),
		Polling:      polling.DefaultConfig(),
		Transport:    TransportGorilla,
		StorageQuota: 5 << 20,
	}
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Health.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Multiplex.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Polling.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Transport {
	case "", TransportGorilla, TransportGWS:
	default:
		errs = append(errs, fmt.Errorf("freshness: unknown transport %q", c.Transport))
	}
	if c.StorageDir != "" && c.StorageQuota <= 0 {
		errs = append(errs, errors.New("freshness: storage quota must be positive when a storage dir is set"))
	}
	return errors.Join(errs...)
}

// ConfigFromEnv returns DefaultConfig overridden by environment variables
// named prefix + "_" + setting, e.g. FRESHNESS_HEALTH_CHECK_INTERVAL=20s.
// Durations use time.ParseDuration syntax.
func ConfigFromEnv(prefix string) (Config, error) {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	env := envReader{prefix: strings.TrimSuffix(prefix, "_") + "_"}
	cfg := DefaultConfig()

	env.string("DATA_URL", &cfg.DataURL)
	env.string("API_KEY", &cfg.APIKey)
	env.string("REALTIME_URL", &cfg.RealtimeURL)
	env.string("TRANSPORT", &cfg.Transport)
	env.string("STORAGE_DIR", &cfg.StorageDir)
	env.int64("STORAGE_QUOTA", &cfg.StorageQuota)

	env.int("CACHE_MAX_ENTRIES", &cfg.Cache.MaxEntries)
	env.int("CACHE_MAX_BYTES", &cfg.Cache.MaxBytes)
	env.duration("CACHE_REALTIME_THRESHOLD", &cfg.Cache.RealtimeThreshold)
	env.list("CACHE_VOLATILE_PATTERNS", &cfg.Cache.VolatilePatterns)
	env.string("CACHE_NAMESPACE", &cfg.Cache.Namespace)

	env.duration("HEALTH_CHECK_INTERVAL", &cfg.Health.CheckInterval)
	env.duration("HEALTH_HEARTBEAT_INTERVAL", &cfg.Health.HeartbeatInterval)
	env.int("HEALTH_MAX_ATTEMPTS", &cfg.Health.MaxAttempts)
	env.duration("HEALTH_BASE_DELAY", &cfg.Health.BaseDelay)
	env.duration("HEALTH_MAX_DELAY", &cfg.Health.MaxDelay)
	env.duration("HEALTH_REPROBE_INTERVAL", &cfg.Health.ReprobeInterval)
	env.duration("HEALTH_CONNECT_TIMEOUT", &cfg.Health.ConnectTimeout)

	env.int("MULTIPLEX_MAX_RETRIES", &cfg.Multiplex.MaxRetries)
	env.duration("MULTIPLEX_RETRY_RESET_WINDOW", &cfg.Multiplex.RetryResetWindow)
	env.duration("MULTIPLEX_BASE_DELAY", &cfg.Multiplex.BaseDelay)
	env.duration("MULTIPLEX_MAX_DELAY", &cfg.Multiplex.MaxDelay)
	env.duration("MULTIPLEX_JOIN_TIMEOUT", &cfg.Multiplex.JoinTimeout)

	env.duration("POLL_INTERVAL", &cfg.Polling.Interval)
	env.duration("POLL_REFRESH_TIMEOUT", &cfg.Polling.RefreshTimeout)

	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type envReader struct {
	prefix string
	errs   []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(e.prefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) string(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	var items []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			items = append(items, s)
		}
	}
	*dst = items
}

func (e *envReader) int(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("freshness: %s%s: %w", e.prefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) int64(name string, dst *int64) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("freshness: %s%s: %w", e.prefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("freshness: %s%s: %w", e.prefix, name, err))
		return
	}
	*dst = d
}
