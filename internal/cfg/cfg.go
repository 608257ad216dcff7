package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"
)

// Config adds roadwatch-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	FeedURL               string
	FeedTimeoutSeconds    int
	Source                string
	GraceWindowSeconds    int
	IntervalSeconds       int
	DatabaseURL           string
	APIToken              string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.FeedURL, "feed-url", "", "partner feed URL returning the alerts snapshot (http or https)")
	fs.IntVar(&c.FeedTimeoutSeconds, "feed-timeout-seconds", 10, "timeout for one feed fetch (1..300)")
	fs.StringVar(&c.Source, "source", "waze", "source name recorded on every incident; clearing is scoped to it")
	fs.IntVar(&c.GraceWindowSeconds, "grace-window-seconds", 600, "seconds an incident may be missing from the feed before it is cleared (1..86400)")
	fs.IntVar(&c.IntervalSeconds, "interval-seconds", 0, "seconds between ingestion cycles (0 = run one cycle and exit)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL/PostGIS connection URL (empty = in-memory store)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for POST /api/v1/cycles (empty disables the endpoint)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.FeedURL == "" {
		errs = append(errs, errors.New("FEED_URL is required"))
	} else if u, err := url.Parse(c.FeedURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid FEED_URL %q (must be an absolute http or https URL)", c.FeedURL))
	}

	if c.FeedTimeoutSeconds <= 0 || c.FeedTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid FEED_TIMEOUT_SECONDS %d (must be 1..300)", c.FeedTimeoutSeconds))
	}

	if c.Source == "" {
		errs = append(errs, errors.New("SOURCE is required"))
	}

	if c.GraceWindowSeconds <= 0 || c.GraceWindowSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid GRACE_WINDOW_SECONDS %d (must be 1..86400)", c.GraceWindowSeconds))
	}

	// 0 means run once
	if c.IntervalSeconds < 0 || c.IntervalSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid INTERVAL_SECONDS %d (must be 0..86400)", c.IntervalSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// FeedTimeout returns the per-fetch timeout.
func (c *Config) FeedTimeout() time.Duration {
	return time.Duration(c.FeedTimeoutSeconds) * time.Second
}

// GraceWindow returns the staleness window used when clearing.
func (c *Config) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowSeconds) * time.Second
}

// Interval returns the time between cycles; zero means run once.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// RunOnce reports whether the process should run a single cycle and exit.
func (c *Config) RunOnce() bool { return c.IntervalSeconds == 0 }
