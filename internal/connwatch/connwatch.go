// Package connwatch tracks the reachability of an external service and
// reports transitions between up and down.
//
// A Watcher probes on a growing backoff while the service is down
// (2s, 4s, 8s, ... capped at 60s) and on a fixed interval once it is up.
// The first successful probe and every later recovery fire OnReady; a
// failed probe after success fires OnDown.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Config controls one watcher.
type Config struct {
	// Name identifies the service in logs, e.g. "mqtt".
	Name  string
	Probe ProbeFunc

	// InitialDelay is the first retry delay while down (default 2s).
	InitialDelay time.Duration
	// MaxDelay caps backoff growth (default 60s).
	MaxDelay time.Duration
	// PollInterval is the check interval while up (default 60s).
	PollInterval time.Duration
	// ProbeTimeout bounds each probe call (default 10s).
	ProbeTimeout time.Duration

	// OnReady runs when the service becomes reachable. Optional.
	OnReady func()
	// OnDown runs when a reachable service stops responding. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Status is a point-in-time view of a watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service until its context is cancelled.
type Watcher struct {
	cfg   Config
	ready atomic.Bool
	done  chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Watch starts a watcher in a background goroutine. It panics if
// cfg.Probe is nil.
func Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	cfg.applyDefaults()

	w := &Watcher{cfg: cfg, done: make(chan struct{})}
	go w.run(ctx)
	return w
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.cfg.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.cfg.Logger.With("service", w.cfg.Name)
	delay := w.cfg.InitialDelay
	var failures int

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.record(err)
		wasReady := w.ready.Load()

		switch {
		case err == nil && !wasReady:
			w.ready.Store(true)
			logger.Info("service reachable", "after_failures", failures)
			failures = 0
			delay = w.cfg.InitialDelay
			if w.cfg.OnReady != nil {
				go w.cfg.OnReady()
			}
		case err != nil && wasReady:
			w.ready.Store(false)
			logger.Warn("service became unreachable", "error", err)
			failures = 1
			if w.cfg.OnDown != nil {
				go w.cfg.OnDown(err)
			}
		case err != nil:
			failures++
			logger.Debug("service still unreachable",
				"failures", failures,
				"next_delay", delay.String(),
				"error", err,
			)
		}

		wait := w.cfg.PollInterval
		if err != nil {
			wait = delay
			delay = min(delay*2, w.cfg.MaxDelay)
		}
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()
	return w.cfg.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
