package sqlite

import (
	"log/slog"
	"time"

	"github.com/APiercey/commanded/core/es"
)

// Option configures a Store.
type Option func(*config)

type config struct {
	path        string
	busyTimeout time.Duration
	autoMigrate bool
	log         *slog.Logger
	metrics     es.ESMetrics
}

func defaultConfig() *config {
	return &config{
		busyTimeout: 5 * time.Second,
		autoMigrate: true,
		log:         slog.Default(),
		metrics:     es.NopESMetrics(),
	}
}

// WithBusyTimeout sets the SQLite busy timeout (default: 5s).
func WithBusyTimeout(timeout time.Duration) Option {
	return func(c *config) { c.busyTimeout = timeout }
}

// WithAutoMigrate enables or disables schema migration on open (default: on).
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) { c.autoMigrate = enabled }
}

func WithLog(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

func WithMetrics(m es.ESMetrics) Option {
	return func(c *config) { c.metrics = m }
}
