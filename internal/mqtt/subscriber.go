package mqtt

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Inbound command limits. A flood on the refresh topic must not turn
// into a flood of provider requests.
const (
	commandRateLimit    = 5
	commandRateInterval = time.Minute
)

// commandRouter maps command topics to handlers and drops messages
// beyond the inbound rate limit.
type commandRouter struct {
	mu       sync.RWMutex
	handlers map[string]func()
	limiter  *messageRateLimiter
	logger   *slog.Logger
}

func newCommandRouter(logger *slog.Logger) *commandRouter {
	return &commandRouter{
		handlers: make(map[string]func()),
		limiter:  newMessageRateLimiter(commandRateLimit, commandRateInterval, logger),
		logger:   logger,
	}
}

// handle registers fn for topic, replacing any earlier handler.
func (r *commandRouter) handle(topic string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = fn
}

// topics returns the registered command topics in sorted order.
func (r *commandRouter) topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// dispatch runs the handler for topic. Payloads are ignored; any
// message on a command topic is the command. Reports whether a
// handler ran.
func (r *commandRouter) dispatch(topic string, payload []byte) bool {
	r.mu.RLock()
	fn, ok := r.handlers[topic]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug("mqtt message on unknown topic ignored",
			"topic", topic, "payload_size", len(payload))
		return false
	}
	if !r.limiter.allow() {
		return false
	}
	r.logger.Info("mqtt command received", "topic", topic)
	fn()
	return true
}

// messageRateLimiter counts inbound commands per interval and rejects
// those over the limit. Counters are atomic so dispatch never blocks.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// logging a warning for any window that dropped commands.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow counts one command and reports whether it is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
