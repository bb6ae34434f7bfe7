// Package timer implements the per-module countdown.
package timer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a Controller.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateExpired State = "expired"
	StateStopped State = "stopped"
)

// ErrNotIdle is returned by Start on a controller that already ran.
var ErrNotIdle = errors.New("timer already started")

// DefaultInterval is the tick period used by Run.
const DefaultInterval = time.Second

// Controller counts down against a wall-clock deadline. Remaining time is
// recomputed on every tick, so missed ticks can only delay expiry until the
// next tick.
type Controller struct {
	mu        sync.Mutex
	state     State
	duration  time.Duration
	deadline  time.Time
	remaining time.Duration
	interval  time.Duration
	now       func() time.Time
	cancel    context.CancelFunc

	onExpire  func()
	onTick    func(time.Duration)
	warnAt    time.Duration
	onWarning func(time.Duration)
	warned    bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithInterval sets the tick period used by Run.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

// WithWarning calls fn once, the first time remaining time drops to or below threshold.
func WithWarning(threshold time.Duration, fn func(remaining time.Duration)) Option {
	return func(c *Controller) {
		c.warnAt = threshold
		c.onWarning = fn
	}
}

// WithTickHook calls fn with the remaining time after every tick that does not expire.
func WithTickHook(fn func(remaining time.Duration)) Option {
	return func(c *Controller) { c.onTick = fn }
}

// New creates an idle Controller. onExpire runs synchronously, exactly once,
// on the tick that reaches zero.
func New(onExpire func(), opts ...Option) *Controller {
	c := &Controller{
		state:    StateIdle,
		interval: DefaultInterval,
		now:      time.Now,
		onExpire: onExpire,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start arms the countdown. It does not schedule ticks; see Run.
func (c *Controller) Start(d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return ErrNotIdle
	}
	c.duration = d
	c.remaining = d
	c.deadline = c.now().Add(d)
	c.state = StateRunning
	return nil
}

// Run starts the countdown and ticks every interval until the timer expires,
// is stopped, or ctx is done. It returns after the first tick is scheduled.
func (c *Controller) Run(ctx context.Context, d time.Duration) error {
	if err := c.Start(d); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	interval := c.interval
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.Tick() {
					return
				}
			}
		}
	}()
	return nil
}

// Tick recomputes remaining time and expires the timer at zero. It reports
// whether the timer is still running afterwards.
func (c *Controller) Tick() bool {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return false
	}
	remaining := c.deadline.Sub(c.now())
	if remaining > c.duration+c.interval {
		// The clock moved backwards.
		slog.Warn("timer clock anomaly, expiring", "remaining", remaining, "duration", c.duration)
		remaining = 0
	}
	if remaining <= 0 {
		c.remaining = 0
		c.state = StateExpired
		if c.cancel != nil {
			c.cancel()
		}
		onExpire := c.onExpire
		c.mu.Unlock()
		if onExpire != nil {
			onExpire()
		}
		return false
	}
	if remaining < c.remaining {
		c.remaining = remaining
	}
	var warn func(time.Duration)
	if c.onWarning != nil && !c.warned && c.remaining <= c.warnAt {
		c.warned = true
		warn = c.onWarning
	}
	onTick := c.onTick
	left := c.remaining
	c.mu.Unlock()

	if warn != nil {
		warn(left)
	}
	if onTick != nil {
		onTick(left)
	}
	return true
}

// Stop halts a running timer and returns the time left. Stopping a timer
// that is not running only returns what is left.
func (c *Controller) Stop() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		if r := c.deadline.Sub(c.now()); r < c.remaining {
			c.remaining = max(r, 0)
		}
		c.state = StateStopped
		if c.cancel != nil {
			c.cancel()
		}
	}
	return c.remaining
}

// Remaining returns the time left without advancing state.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return c.remaining
	}
	r := c.deadline.Sub(c.now())
	if r < 0 {
		return 0
	}
	return min(r, c.remaining)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Duration returns the countdown length passed to Start.
func (c *Controller) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}
