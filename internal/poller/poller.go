// Package poller runs the weather poll-and-publish loop. A single
// goroutine wakes on a short tick, and when the poll interval has
// elapsed (or the device list was replaced) it fetches the forecast for
// every device in order and hands the normalized sensor values to the
// host for publishing.
//
// Devices are fetched serially. Each device gets a bounded number of
// attempts with a fixed delay between them; a device that exhausts its
// attempts is skipped until the next cycle. Nothing that happens while
// processing one device stops the loop or affects the other devices.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/nugget/weatherbridge/internal/weather"
)

// ParamAddress is the device parameter holding the provider query key.
const ParamAddress = "address"

// ErrNoAddress is reported for a device without an address parameter.
var ErrNoAddress = errors.New("device has no address parameter")

// Device is a configured weather location supplied by the host.
type Device struct {
	ID     string
	Name   string
	Params map[string]string
}

// Bundle maps sensor names to values for one publish call. Values are
// strings; degraded sensors are absent.
type Bundle map[string]any

// Host is implemented by the process embedding the poller. Publish
// delivers one sensor bundle to the message bus; Parameter looks up a
// device setting such as [ParamAddress].
type Host interface {
	Publish(ctx context.Context, deviceID string, values Bundle) error
	Parameter(d Device, key string) (string, bool)
}

// Fetcher retrieves the provider document for a location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (*weather.Response, error)
}

// Config controls the schedule and retry budget.
type Config struct {
	// Interval is the time between scheduled poll cycles.
	Interval time.Duration
	// Tick is how often the loop wakes to check the interval.
	Tick time.Duration
	// RetryDelay is the pause between failed fetch attempts.
	RetryDelay time.Duration
	// FetchTimeout bounds each fetch attempt. Zero means no bound
	// beyond the caller's context.
	FetchTimeout time.Duration
	// MaxAttempts is the number of fetch attempts per device per cycle.
	MaxAttempts int
}

// DefaultConfig returns the production schedule: a 30 minute interval
// checked every 30 seconds, 3 attempts 10 seconds apart.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Minute,
		Tick:         30 * time.Second,
		RetryDelay:   10 * time.Second,
		FetchTimeout: 30 * time.Second,
		MaxAttempts:  3,
	}
}

// State is the loop's current activity.
type State int32

const (
	StateIdle State = iota
	// StateReloading means a reload was consumed and a cycle is about
	// to start on the new device snapshot.
	StateReloading
	StatePolling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReloading:
		return "reloading"
	case StatePolling:
		return "polling"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Poller owns the recurring schedule for a device set.
type Poller struct {
	cfg     Config
	host    Host
	fetcher Fetcher
	logger  *slog.Logger

	// devices is replaced wholesale by SetDevices and read once at
	// the start of each cycle.
	devices atomic.Pointer[[]Device]

	// reload holds at most one pending reload request.
	reload chan struct{}

	state atomic.Int32
}

// New creates a Poller. Zero-value Config fields are replaced with
// [DefaultConfig] values. A reload is pending from the start so the
// first cycle runs as soon as [Poller.Run] is called.
func New(cfg Config, host Host, fetcher Fetcher, logger *slog.Logger) *Poller {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Poller{
		cfg:     cfg,
		host:    host,
		fetcher: fetcher,
		logger:  logger,
		reload:  make(chan struct{}, 1),
	}
	empty := []Device{}
	p.devices.Store(&empty)
	p.reload <- struct{}{}
	return p
}

// SetDevices replaces the device list and requests a poll cycle. The
// slice is copied, so the caller may reuse it. Safe to call from any
// goroutine while [Poller.Run] is active; the loop picks up the new
// list at the start of its next cycle.
func (p *Poller) SetDevices(devices []Device) {
	snapshot := slices.Clone(devices)
	if snapshot == nil {
		snapshot = []Device{}
	}
	p.devices.Store(&snapshot)
	p.logger.Info("weather device list replaced", "devices", len(snapshot))
	p.Refresh()
}

// Refresh requests a poll cycle without changing the device list.
// Requests made while one is already pending are coalesced.
func (p *Poller) Refresh() {
	select {
	case p.reload <- struct{}{}:
	default:
	}
}

// Devices returns the current device snapshot. The returned slice must
// not be modified.
func (p *Poller) Devices() []Device {
	return *p.devices.Load()
}

// State reports what the loop is doing.
func (p *Poller) State() State {
	return State(p.state.Load())
}

// Run drives the schedule until ctx is cancelled. It wakes every Tick;
// a cycle starts when Interval has elapsed since the previous cycle
// began, or immediately when a reload is pending.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()
	defer p.state.Store(int32(StateStopped))

	p.logger.Info("weather poller started",
		"interval", p.cfg.Interval.String(),
		"tick", p.cfg.Tick.String(),
	)

	var lastCycle time.Time
	for {
		p.state.Store(int32(StateIdle))

		select {
		case <-ctx.Done():
			p.logger.Info("weather poller stopped")
			return
		case <-p.reload:
			p.state.Store(int32(StateReloading))
			p.logger.Debug("reload pending, polling now")
		case now := <-ticker.C:
			if now.Sub(lastCycle) < p.cfg.Interval {
				continue
			}
		}
		if ctx.Err() != nil {
			p.logger.Info("weather poller stopped")
			return
		}

		p.state.Store(int32(StatePolling))
		lastCycle = time.Now()
		p.PollAll(ctx)
	}
}

// PollAll runs one poll cycle over the current device snapshot, in
// list order, and returns a result per device processed. The cycle
// ends early if ctx is cancelled.
func (p *Poller) PollAll(ctx context.Context) []Result {
	devices := p.Devices()
	results := make([]Result, 0, len(devices))
	start := time.Now()

	for _, d := range devices {
		if ctx.Err() != nil {
			break
		}
		results = append(results, p.PollOnce(ctx, d))
	}

	var published, degraded, failed int
	for _, r := range results {
		switch r.Outcome {
		case OutcomePublished:
			published++
		case OutcomeDegraded:
			degraded++
		default:
			failed++
		}
	}
	p.logger.Info("weather poll cycle complete",
		"devices", len(devices),
		"published", published,
		"degraded", degraded,
		"failed", failed,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)
	return results
}

// PollOnce fetches and publishes the weather for one device. Fetch
// failures (transport, decode, provider error payload, empty result)
// are retried up to MaxAttempts times with RetryDelay between attempts.
// When every attempt fails nothing is published. PollOnce never panics.
func (p *Poller) PollOnce(ctx context.Context, d Device) (res Result) {
	res = Result{Device: d.ID, Outcome: OutcomeFailed}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("weather device processing panicked",
				"device", d.ID, "panic", r)
			res.Outcome = OutcomeFailed
			res.Err = fmt.Errorf("panic: %v", r)
		}
	}()

	address, ok := p.host.Parameter(d, ParamAddress)
	if !ok || address == "" {
		p.logger.Warn("weather device skipped", "device", d.ID, "error", ErrNoAddress)
		res.Err = ErrNoAddress
		return res
	}

	p.logger.Info("fetching weather",
		"device", d.ID, "name", d.Name, "address", address)

	var (
		resp *weather.Response
		err  error
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt
		resp, err = p.fetch(ctx, address)
		if err == nil {
			break
		}

		p.logger.Warn("weather fetch attempt failed",
			"device", d.ID,
			"attempt", attempt,
			"max_attempts", p.cfg.MaxAttempts,
			"error", err,
		)
		if attempt == p.cfg.MaxAttempts {
			break
		}
		if !sleepCtx(ctx, p.cfg.RetryDelay) {
			err = fmt.Errorf("retry wait: %w", ctx.Err())
			break
		}
	}
	if err != nil {
		p.logger.Error("weather device skipped for this cycle",
			"device", d.ID, "attempts", res.Attempts, "error", err)
		res.Err = fmt.Errorf("fetch %q after %d attempts: %w", address, res.Attempts, err)
		return res
	}

	attempts := res.Attempts
	res = p.ConvertAndPublish(ctx, d, resp)
	res.Attempts = attempts
	return res
}

// fetch runs one attempt under the per-attempt timeout.
func (p *Poller) fetch(ctx context.Context, address string) (*weather.Response, error) {
	if p.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()
	}
	return p.fetcher.Fetch(ctx, address)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
