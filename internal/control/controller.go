// Package control wires the shared state, device links, comm loops and
// watchdogs into one Controller and exposes the queue API to producers.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/armctl/internal/config"
	"github.com/banshee-data/armctl/internal/devicelink"
	"github.com/banshee-data/armctl/internal/events"
	"github.com/banshee-data/armctl/internal/monitoring"
	"github.com/banshee-data/armctl/internal/motion"
	"github.com/banshee-data/armctl/internal/protocol"
	"github.com/banshee-data/armctl/internal/pump"
	"github.com/banshee-data/armctl/internal/state"
	"github.com/banshee-data/armctl/internal/timeutil"
	"github.com/banshee-data/armctl/internal/watchdog"
)

var (
	// ErrBitten is returned when processing is started while a watchdog bite
	// has not been acknowledged with Resume.
	ErrBitten = errors.New("control: watchdog bitten, resume required")
	// ErrUnknownPump is returned for a pump name that is not configured.
	ErrUnknownPump = errors.New("control: unknown pump")
	// ErrUnknownLink is returned by Resume for an unknown link name.
	ErrUnknownLink = errors.New("control: unknown link")
)

// Options are the optional collaborators of a Controller.
type Options struct {
	Dialer devicelink.Dialer
	Clock  timeutil.Clock
	Bus    *events.Bus
}

// Controller owns one motion link, any number of pump links, and the loops
// that drive them.
type Controller struct {
	cfg   *config.Config
	st    *state.State
	bus   *events.Bus
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	motionLink *devicelink.Link
	motion     *motion.Loop

	pumpLinks map[string]*devicelink.Link
	pumps     *pump.Loop
	profiles  map[string]pump.Profile

	dogs map[string]*watchdog.Watchdog
}

// New builds a controller from cfg. Nothing is connected until Connect.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	c := &Controller{
		cfg:       cfg,
		st:        state.New(cfg.GetFirstID(), cfg.PumpNames()),
		bus:       opts.Bus,
		clock:     opts.Clock,
		logf:      monitoring.Prefixed("control"),
		pumpLinks: make(map[string]*devicelink.Link),
		profiles:  make(map[string]pump.Profile),
		dogs:      make(map[string]*watchdog.Watchdog),
	}
	if c.bus == nil {
		c.bus = events.NewBus(256)
	}
	if c.clock == nil {
		c.clock = timeutil.RealClock{}
	}

	motionDog := watchdog.New(events.LinkMotion, cfg.GetWatchdogTimeout(), c.clock, c.onBite)
	c.dogs[events.LinkMotion] = motionDog
	c.motionLink = devicelink.New(cfg.MotionLink(protocol.TelemetryFrameLength, protocol.CommandFrameLength), opts.Dialer)
	c.motion = motion.New(motion.Config{
		Forerun:         cfg.GetForerunDepth(),
		Ceiling:         cfg.GetIDCeiling(),
		TargetThreshold: cfg.GetTargetThreshold(),
		Interval:        cfg.GetMotionInterval(),
	}, c.st, c.motionLink, motion.Options{Watchdog: motionDog, Publisher: c.bus, Clock: c.clock})

	for name, anchors := range cfg.Profiles {
		list := make([]pump.Anchor, 0, len(anchors))
		for _, a := range anchors {
			list = append(list, pump.Anchor{
				TimeUntilTarget: a.TimeUntilTarget,
				Base:            pump.Base(a.Base),
				Interp:          pump.Interp(a.Interp),
			})
		}
		c.profiles[name] = pump.NewProfile(name, list)
	}

	var drives []*pump.Drive
	for _, pc := range cfg.Pumps {
		linkName := events.PumpLinkName(pc.Name)
		lc := pc.Link.DeviceLink(linkName)
		link := devicelink.New(lc, opts.Dialer)
		c.pumpLinks[pc.Name] = link
		dog := watchdog.New(linkName, cfg.GetWatchdogTimeout(), c.clock, c.onBite)
		c.dogs[linkName] = dog
		drives = append(drives, &pump.Drive{
			Name:         pc.Name,
			Link:         link,
			Capacity:     pc.GetCapacity(),
			MaxFrequency: pc.GetMaxFrequency(),
			ReadLength:   lc.ReadBlockLength,
			WriteLength:  lc.WriteBlockLength,
			Watchdog:     dog,
		})
	}
	c.pumps = pump.New(pump.Params{
		VolumePerDistance: cfg.GetVolumePerDistance(),
		RetractSpeed:      cfg.GetRetractSpeed(),
		LookaheadDistance: cfg.GetLookaheadDistance(),
		RetractFactor:     cfg.GetRetractFactor(),
		PrerunFactor:      cfg.GetPrerunFactor(),
		Profiles:          c.profiles,
	}, c.st, drives, pump.Options{Publisher: c.bus, Clock: c.clock, Interval: cfg.GetPumpInterval()})

	return c, nil
}

// Bus returns the event bus consumers subscribe to.
func (c *Controller) Bus() *events.Bus { return c.bus }

// State returns the shared state handle.
func (c *Controller) State() *state.State { return c.st }

// Motion returns the motion loop.
func (c *Controller) Motion() *motion.Loop { return c.motion }

// Pumps returns the pump loop.
func (c *Controller) Pumps() *pump.Loop { return c.pumps }

// Watchdog returns the watchdog of the named link ("motion" or "pump/<name>").
func (c *Controller) Watchdog(link string) (*watchdog.Watchdog, bool) {
	w, ok := c.dogs[link]
	return w, ok
}

// Connect dials every link that is not yet connected and arms its watchdog.
// Failures are reported per link; links that connected stay connected.
func (c *Controller) Connect(ctx context.Context) error {
	var errs []error

	c.motion.SetConnecting(true)
	if err := c.motionLink.Connect(ctx); err != nil {
		c.motion.SetConnecting(false)
		c.bus.Publish(events.Event{Kind: events.LinkError, Link: events.LinkMotion, Err: err})
		errs = append(errs, err)
	} else {
		c.dogs[events.LinkMotion].Reset()
	}

	for name, link := range c.pumpLinks {
		linkName := events.PumpLinkName(name)
		if err := link.Connect(ctx); err != nil {
			c.bus.Publish(events.Event{Kind: events.LinkError, Link: linkName, Err: err})
			errs = append(errs, err)
			continue
		}
		c.dogs[linkName].Reset()
	}
	return errors.Join(errs...)
}

// Resume acknowledges a watchdog bite on link, or on every link when link is
// empty. The link must be reconnected separately.
func (c *Controller) Resume(link string) error {
	if link == "" {
		for _, w := range c.dogs {
			w.Resume()
		}
		return nil
	}
	w, ok := c.dogs[link]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLink, link)
	}
	w.Resume()
	return nil
}

// onBite runs on the watchdog's goroutine. A bite while processing halts the
// robot and drops every queued and in-flight command.
func (c *Controller) onBite(link string, silent time.Duration) {
	if dropped, stopped, stopErr := c.motion.ForceStop(); stopped {
		c.logf("forced stop after %s went silent, %d commands dropped", link, dropped)
		c.bus.Publish(events.Event{Kind: events.ForcedStop, Link: link, Err: stopErr})
	}

	if link == events.LinkMotion {
		c.motionLink.Close()
	} else {
		for name, l := range c.pumpLinks {
			if events.PumpLinkName(name) == link {
				l.Close()
			}
		}
	}
	c.bus.Publish(events.Event{
		Kind:    events.WatchdogBitten,
		Link:    link,
		Message: fmt.Sprintf("no data for %s", silent.Round(time.Millisecond)),
	})
}

// Run drives the loops and watchdogs until ctx is done, then stops the robot
// and closes every link.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.motion.Run(ctx)
		return nil
	})
	g.Go(func() error {
		c.pumps.Run(ctx)
		return nil
	})
	for _, w := range c.dogs {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	err := g.Wait()
	c.Shutdown()
	return err
}

// Shutdown stops queue processing, sends a final stop frame if the robot is
// connected, and closes every link.
func (c *Controller) Shutdown() {
	c.StopProcessing()
	if c.motionLink.Connected() {
		if err := c.motion.SendStop(); err != nil {
			c.logf("final stop frame: %v", err)
		}
	}
	for _, w := range c.dogs {
		w.Close()
	}
	if err := c.motionLink.Close(); err != nil {
		c.logf("closing motion link: %v", err)
	}
	for name, l := range c.pumpLinks {
		if err := l.Close(); err != nil {
			c.logf("closing pump %s: %v", name, err)
		}
	}
}
