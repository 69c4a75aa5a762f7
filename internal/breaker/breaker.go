// Package breaker implements a retry controller with exponential backoff.
//
// A Breaker doubles as the run flag of a pipeline goroutine: Stop interrupts
// any in-progress Wait, and Running reports whether the owner should keep going.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds breaker configuration
type Config struct {
	// Name for logging
	Name string

	// BaseInterval is the first retry delay
	BaseInterval time.Duration

	// MaxRetries is the number of retries allowed before Wait gives up.
	// A negative value retries forever.
	MaxRetries int

	// Scale multiplies the delay after every retry
	Scale float64

	// MaxInterval caps the delay. Zero means no cap.
	MaxInterval time.Duration
}

// DefaultConfig returns default breaker configuration
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		BaseInterval: time.Second,
		MaxRetries:   50,
		Scale:        1.1,
		MaxInterval:  time.Minute,
	}
}

// Breaker paces retries of a failing operation.
type Breaker struct {
	config Config
	logger zerolog.Logger

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	retries  int
	interval time.Duration
	lastErr  error
}

// New creates a new breaker. The breaker starts stopped.
func New(cfg Config, logger zerolog.Logger) *Breaker {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = time.Second
	}
	if cfg.Scale < 1 {
		cfg.Scale = 1
	}
	return &Breaker{
		config:   cfg,
		logger:   logger.With().Str("component", "breaker").Str("name", cfg.Name).Logger(),
		stop:     make(chan struct{}),
		interval: cfg.BaseInterval,
	}
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.config.Name }

// Start marks the breaker running. Starting a running breaker is a no-op.
func (b *Breaker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stop = make(chan struct{})
}

// Stop marks the breaker stopped and interrupts any in-progress wait.
func (b *Breaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stop)
}

// Running reports whether the breaker is started.
func (b *Breaker) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Wait sleeps for the current retry interval and then grows it. It returns
// false without sleeping if the breaker is stopped or out of retries, and false
// if the breaker is stopped while sleeping.
func (b *Breaker) Wait(cause error) bool {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return false
	}
	if b.config.MaxRetries >= 0 && b.retries >= b.config.MaxRetries {
		b.mu.Unlock()
		b.logger.Error().
			Err(cause).
			Int("max_retries", b.config.MaxRetries).
			Msg("Exceeded maximum retries")
		return false
	}
	b.retries++
	b.lastErr = cause
	interval := b.interval
	next := time.Duration(float64(b.interval) * b.config.Scale)
	if b.config.MaxInterval > 0 && next > b.config.MaxInterval {
		next = b.config.MaxInterval
	}
	b.interval = next
	retries := b.retries
	stop := b.stop
	b.mu.Unlock()

	b.logger.Warn().
		Err(cause).
		Int("retry", retries).
		Int("max_retries", b.config.MaxRetries).
		Dur("interval", interval).
		Msg("Retrying after failure")

	return b.sleep(interval, stop)
}

// WaitFor sleeps for d unless the breaker is stopped first. It reports whether
// the breaker is still running.
func (b *Breaker) WaitFor(d time.Duration) bool {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return false
	}
	stop := b.stop
	b.mu.Unlock()
	return b.sleep(d, stop)
}

func (b *Breaker) sleep(d time.Duration, stop <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return b.Running()
	case <-stop:
		return false
	}
}

// Reset clears the retry count and restores the base interval.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retries > 0 {
		b.logger.Debug().Int("retries", b.retries).Msg("Breaker reset")
	}
	b.retries = 0
	b.interval = b.config.BaseInterval
	b.lastErr = nil
}

// Retries returns the number of retries since the last reset.
func (b *Breaker) Retries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retries
}

// Stats returns breaker statistics
func (b *Breaker) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := map[string]interface{}{
		"name":                  b.config.Name,
		"running":               b.running,
		"retries":               b.retries,
		"max_retries":           b.config.MaxRetries,
		"next_interval_seconds": b.interval.Seconds(),
	}
	if b.lastErr != nil {
		stats["last_error"] = b.lastErr.Error()
	}
	return stats
}
