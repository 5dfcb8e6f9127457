// Package chess defines the game entities shared by server and client:
// colors, moves, plies and the game clock.
package chess

import (
	"fmt"
	"time"
)

// TimeControl defines the time settings for a game
type TimeControl struct {
	WhiteTime      int64 `json:"white_time"` // Initial time in milliseconds
	BlackTime      int64 `json:"black_time"`
	WhiteIncrement int64 `json:"white_increment"` // Increment per move in milliseconds
	BlackIncrement int64 `json:"black_increment"`
}

// String renders the control in the conventional seconds+increment form,
// e.g. "180+2".
func (tc TimeControl) String() string {
	return fmt.Sprintf("%d+%d", tc.WhiteTime/1000, tc.WhiteIncrement/1000)
}

// Snapshot is an authoritative statement of both remaining clocks at a
// single server instant. Receivers replace their local countdown with it
// outright; it is never merged or interpolated.
type Snapshot struct {
	WhiteMs  int64 `json:"white_ms"`
	BlackMs  int64 `json:"black_ms"`
	Active   Color `json:"active"`
	Running  bool  `json:"running"`
	ServerAt int64 `json:"server_at"` // unix milliseconds
}

// Clock manages the remaining thinking time for both players. Time is
// charged when something happens: a ply is accepted, the game pauses, or
// a deadline check runs. Between events the stored values stand still,
// so there is no ticking goroutine to fall behind under load.
//
// A Clock is not safe for concurrent use. Each session owns one and
// touches it only from its own run loop.
type Clock struct {
	whiteTimeMs int64
	blackTimeMs int64

	whiteIncrement int64
	blackIncrement int64

	activeColor Color

	startTime time.Time // when the active side started thinking
	isRunning bool
}

// NewClock creates a stopped clock with the given time controls. White
// is on the move.
func NewClock(tc TimeControl) *Clock {
	return &Clock{
		whiteTimeMs:    tc.WhiteTime,
		blackTimeMs:    tc.BlackTime,
		whiteIncrement: tc.WhiteIncrement,
		blackIncrement: tc.BlackIncrement,
		activeColor:    White,
	}
}

// Start begins charging the active player. Starting a running clock is a
// no-op.
func (c *Clock) Start(now time.Time) {
	if c.isRunning {
		return
	}

	c.startTime = now
	c.isRunning = true
}

// Stop settles the elapsed time against the active player and halts the
// clock, e.g. for a pause. Time spent while stopped is charged to nobody.
func (c *Clock) Stop(now time.Time) {
	if !c.isRunning {
		return
	}

	c.charge(now)
	c.isRunning = false
}

// ApplyMove charges the mover for the time thought, then either reports a
// flag fall (the charge exhausted the clock, so the move must not stand)
// or credits the mover's increment and hands the turn to the opponent.
// It returns the milliseconds charged.
func (c *Clock) ApplyMove(now time.Time) (spentMs int64, flagged bool) {
	if c.isRunning {
		spentMs = c.charge(now)
	}

	if c.remaining(c.activeColor) <= 0 {
		c.isRunning = false
		return spentMs, true
	}

	if c.activeColor == White {
		c.whiteTimeMs += c.whiteIncrement
	} else {
		c.blackTimeMs += c.blackIncrement
	}

	c.activeColor = c.activeColor.Opp()
	c.startTime = now

	return spentMs, false
}

// SetTurn hands the turn to color without charging anyone, used when an
// accepted undo rolls the game back a ply.
func (c *Clock) SetTurn(color Color, now time.Time) {
	c.activeColor = color

	if c.isRunning {
		c.startTime = now
	}
}

// charge subtracts the time since startTime from the active player,
// clamping at zero, and resets the measurement point.
func (c *Clock) charge(now time.Time) int64 {
	elapsed := now.Sub(c.startTime).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}

	if c.activeColor == White {
		c.whiteTimeMs -= elapsed
		if c.whiteTimeMs < 0 {
			c.whiteTimeMs = 0
		}
	} else {
		c.blackTimeMs -= elapsed
		if c.blackTimeMs < 0 {
			c.blackTimeMs = 0
		}
	}

	c.startTime = now

	return elapsed
}

// Remaining reports both clocks as of now, projecting the active side's
// spend without settling it.
func (c *Clock) Remaining(now time.Time) (whiteMs, blackMs int64) {
	whiteMs, blackMs = c.whiteTimeMs, c.blackTimeMs

	if c.isRunning {
		elapsed := now.Sub(c.startTime).Milliseconds()
		if elapsed > 0 {
			if c.activeColor == White {
				whiteMs -= elapsed
			} else {
				blackMs -= elapsed
			}
		}
	}

	if whiteMs < 0 {
		whiteMs = 0
	}
	if blackMs < 0 {
		blackMs = 0
	}

	return whiteMs, blackMs
}

// Flagged reports whether the active player's clock has hit zero as of
// now. Nothing is settled here; the session decides what to do about it.
func (c *Clock) Flagged(now time.Time) bool {
	if !c.isRunning {
		return false
	}

	white, black := c.Remaining(now)
	if c.activeColor == White {
		return white <= 0
	}

	return black <= 0
}

// Deadline returns the instant the active player's flag falls if they
// never move. Only meaningful on a running clock.
func (c *Clock) Deadline() time.Time {
	return c.startTime.Add(time.Duration(c.remaining(c.activeColor)) * time.Millisecond)
}

// Active returns the color currently being charged.
func (c *Clock) Active() Color {
	return c.activeColor
}

// Running reports whether the clock is charging anyone.
func (c *Clock) Running() bool {
	return c.isRunning
}

// Snapshot captures the authoritative clock state at now.
func (c *Clock) Snapshot(now time.Time) Snapshot {
	white, black := c.Remaining(now)

	return Snapshot{
		WhiteMs:  white,
		BlackMs:  black,
		Active:   c.activeColor,
		Running:  c.isRunning,
		ServerAt: now.UnixMilli(),
	}
}

// Restore overwrites the clock from a previously captured snapshot, e.g.
// when rebuilding a session from the live-state store. The clock comes
// back stopped; Start resumes charging.
func (c *Clock) Restore(s Snapshot) {
	c.whiteTimeMs = s.WhiteMs
	c.blackTimeMs = s.BlackMs

	if s.Active == White || s.Active == Black {
		c.activeColor = s.Active
	}

	c.isRunning = false
}

func (c *Clock) remaining(color Color) int64 {
	if color == White {
		return c.whiteTimeMs
	}

	return c.blackTimeMs
}

// FormatClockTime formats a duration in milliseconds to a user-friendly string (e.g., "1:30")
func FormatClockTime(timeMs int64) string {
	if timeMs < 0 {
		timeMs = 0
	}

	totalSeconds := timeMs / 1000
	minutes := totalSeconds / 60
	seconds := totalSeconds % 60

	// For times less than 10 seconds, show decimal
	if timeMs < 10000 {
		tenths := (timeMs % 1000) / 100
		return fmt.Sprintf("%d.%d", totalSeconds, tenths)
	}

	return fmt.Sprintf("%d:%02d", minutes, seconds)
}
