package game

import (
	"time"

	"github.com/gambit-chess/gambit-server-go/internal/message"
)

// ClockSetting is one side's time control. A zero Initial leaves that side
// untimed.
type ClockSetting struct {
	Initial   time.Duration
	Increment time.Duration
}

// TimeControl holds both sides' settings.
type TimeControl struct {
	White ClockSetting
	Black ClockSetting
}

// Untimed is a time control with both clocks disabled.
var Untimed = TimeControl{}

// ClockState is a side's clock. Remaining only decreases while running,
// except for the increment credited after the side's own move.
type ClockState struct {
	remaining time.Duration
	increment time.Duration
	running   bool
	enabled   bool
}

func newClock(setting ClockSetting) *ClockState {
	return &ClockState{
		remaining: setting.Initial,
		increment: setting.Increment,
		enabled:   setting.Initial > 0,
	}
}

// Remaining returns the time left.
func (c *ClockState) Remaining() time.Duration {
	return c.remaining
}

// Running reports whether the clock is counting down.
func (c *ClockState) Running() bool {
	return c.running
}

// Enabled reports whether the side plays under a time control at all.
func (c *ClockState) Enabled() bool {
	return c.enabled
}

func (c *ClockState) start() {
	if c.enabled {
		c.running = true
	}
}

func (c *ClockState) stop() {
	c.running = false
}

// consume subtracts elapsed from a running clock and reports whether it
// reached zero with this call.
func (c *ClockState) consume(elapsed time.Duration) bool {
	if !c.running || elapsed <= 0 {
		return false
	}
	if elapsed >= c.remaining {
		c.remaining = 0
		c.running = false
		return true
	}
	c.remaining -= elapsed
	return false
}

func (c *ClockState) credit() {
	if c.enabled {
		c.remaining += c.increment
	}
}

func (c *ClockState) view() message.ClockView {
	return message.ClockView{
		Remaining: c.remaining,
		Increment: c.increment,
		Running:   c.running,
	}
}

func (c *ClockState) restore(v message.ClockView) {
	c.remaining = v.Remaining
	c.increment = v.Increment
	c.running = false
	c.enabled = v.Remaining > 0 || v.Increment > 0
}
