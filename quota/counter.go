/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package quota

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/acronis/go-tasklimit/log"
)

// Counter is an integer budget bound to a fixed time window.
//
// The budget is restored lazily: the first access that happens after the current window has elapsed
// resets the counter to its reset value and starts a new window from that moment.
// Window boundaries therefore drift with traffic and are not aligned to wall-clock ticks.
// Without accesses no reset happens.
type Counter struct {
	name       string
	resetValue int
	window     time.Duration
	clock      clockwork.Clock
	logger     log.FieldLogger

	mu           sync.Mutex
	remaining    int
	nextDeadline time.Time
}

// Option configures a Counter.
type Option func(*Counter)

// WithName sets the name that is used to label the counter in diagnostics.
func WithName(name string) Option {
	return func(c *Counter) {
		if name != "" {
			c.name = name
		}
	}
}

// WithClock sets the clock that is used for window calculations.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Counter) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger for the counter diagnostics.
func WithLogger(logger log.FieldLogger) Option {
	return func(c *Counter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a new Counter that restores its budget to resetValue once per window.
// The first access always starts a new window.
func New(resetValue int, window time.Duration, opts ...Option) *Counter {
	c := &Counter{
		name:       window.String(),
		resetValue: resetValue,
		window:     window,
		clock:      clockwork.NewRealClock(),
		logger:     log.NewDisabledLogger(),
		remaining:  resetValue,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decrement consumes one unit of the budget and returns the remaining value.
// A negative result means that the budget of the current window is exhausted.
func (c *Counter) Decrement() int {
	return c.add(-1)
}

// Increment returns one unit to the budget and returns the resulting value.
func (c *Counter) Increment() int {
	return c.add(1)
}

// Peek returns the current value.
// Like Decrement and Increment it applies the pending reset if the window has elapsed,
// so all accessors observe the same window.
func (c *Counter) Peek() int {
	return c.add(0)
}

// Name returns the counter name.
func (c *Counter) Name() string {
	return c.name
}

// ResetValue returns the value that is restored at each window rollover.
func (c *Counter) ResetValue() int {
	return c.resetValue
}

// Window returns the counter window duration.
func (c *Counter) Window() time.Duration {
	return c.window
}

func (c *Counter) add(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.nextDeadline.IsZero() || now.After(c.nextDeadline) {
		if c.remaining < 0 {
			c.logger.Debug("quota was exceeded in the elapsed window",
				log.String("counter", c.name), log.Int("overdraft", -c.remaining))
		}
		c.remaining = c.resetValue
		c.nextDeadline = now.Add(c.window)
	}
	c.remaining += delta
	return c.remaining
}
