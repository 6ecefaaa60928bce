package control

import (
	"context"
	"fmt"

	"github.com/banshee-data/armctl/internal/devicelink"
	"github.com/banshee-data/armctl/internal/events"
	"github.com/banshee-data/armctl/internal/protocol"
	"github.com/banshee-data/armctl/internal/state"
)

// Submit adds one command to the queue. See queue.Queue.Add for how its id
// places it.
func (c *Controller) Submit(cmd protocol.Command) error {
	var err error
	c.st.With(func(sh *state.Shared) { err = sh.Queue.Add(cmd) })
	return err
}

// SubmitMany adds cmds as one contiguous block.
func (c *Controller) SubmitMany(cmds []protocol.Command) error {
	var err error
	c.st.With(func(sh *state.Shared) { err = sh.Queue.AddMany(cmds) })
	return err
}

// Clear drops every queued command. In-flight commands are unaffected.
func (c *Controller) Clear() {
	c.st.With(func(sh *state.Shared) { sh.Queue.Clear() })
}

// ClearRange drops the queued commands id1..id2 inclusive.
func (c *Controller) ClearRange(id1, id2 int32) error {
	var err error
	c.st.With(func(sh *state.Shared) { err = sh.Queue.ClearRange(id1, id2) })
	return err
}

// Snapshot returns a copy of the pending queue.
func (c *Controller) Snapshot() []protocol.Command {
	var out []protocol.Command
	c.st.With(func(sh *state.Shared) { out = sh.Queue.Snapshot() })
	return out
}

// View returns a copy of the whole shared state.
func (c *Controller) View() state.View { return c.st.Snapshot() }

// StartProcessing lets the motion loop admit queued commands.
func (c *Controller) StartProcessing() error {
	for name, w := range c.dogs {
		if w.Bitten() {
			return fmt.Errorf("%w: %s", ErrBitten, name)
		}
	}
	if !c.motionLink.Connected() {
		return devicelink.ErrNotConnected
	}
	c.st.With(func(sh *state.Shared) { sh.Processing = true })
	c.logf("processing started")
	return nil
}

// StopProcessing stops admission. Commands already sent run to completion.
func (c *Controller) StopProcessing() {
	var was bool
	c.st.With(func(sh *state.Shared) {
		was = sh.Processing
		sh.Processing = false
	})
	if was {
		c.logf("processing stopped")
	}
}

// SetSpeedOverride scales the speed of commands sent from now on.
func (c *Controller) SetSpeedOverride(percent float64) error {
	if percent <= 0 || percent > 200 {
		return fmt.Errorf("speed override must be in (0, 200], got %g", percent)
	}
	c.st.With(func(sh *state.Shared) { sh.SpeedOverride = percent })
	return nil
}

func (c *Controller) withPump(name string, fn func(*state.Pump) error) error {
	err := fmt.Errorf("%w: %q", ErrUnknownPump, name)
	c.st.With(func(sh *state.Shared) {
		if p := sh.Pump(name); p != nil {
			err = fn(p)
		}
	})
	return err
}

// SetPumpMode switches a pump between off, manual and auto.
func (c *Controller) SetPumpMode(name string, mode state.PumpMode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown pump mode %q", mode)
	}
	return c.withPump(name, func(p *state.Pump) error {
		p.Mode = mode
		return nil
	})
}

// SetPumpManual sets the speed used in manual mode.
func (c *Controller) SetPumpManual(name string, percent float64) error {
	if percent < -100 || percent > 100 {
		return fmt.Errorf("pump speed must be in [-100, 100], got %g", percent)
	}
	return c.withPump(name, func(p *state.Pump) error {
		p.ManualPercent = percent
		return nil
	})
}

// SetPumpOverride scales a pump's derived speed.
func (c *Controller) SetPumpOverride(name string, percent float64) error {
	if percent < 0 || percent > 200 {
		return fmt.Errorf("pump override must be in [0, 200], got %g", percent)
	}
	return c.withPump(name, func(p *state.Pump) error {
		p.Override = percent
		return nil
	})
}

// SetPumpProfile selects the profile a pump uses in auto mode when the running
// command names none. An empty name selects the volume formula.
func (c *Controller) SetPumpProfile(name, profile string) error {
	if _, ok := c.profiles[profile]; profile != "" && !ok {
		return fmt.Errorf("unknown pump profile %q", profile)
	}
	return c.withPump(name, func(p *state.Pump) error {
		p.Profile = profile
		return nil
	})
}

// SendDirect sends cmd to the robot ahead of the queue, for jogging. It needs
// Run to be active.
func (c *Controller) SendDirect(ctx context.Context, cmd protocol.Command) (protocol.Command, error) {
	return c.motion.SendDirect(ctx, cmd)
}

// Subscribe is a shortcut for Bus().Subscribe.
func (c *Controller) Subscribe() (string, <-chan events.Event) { return c.bus.Subscribe() }
