package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/armctl/internal/config"
	"github.com/banshee-data/armctl/internal/simulator"
)

// startSimulators serves a simulated robot and one simulated drive per
// configured pump on loopback ports, and points cfg at them.
func startSimulators(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config) error {
	motion := simulator.NewMotion(simulator.MotionConfig{
		Ceiling:      cfg.GetIDCeiling(),
		StepInterval: 200 * time.Millisecond,
	})
	addr, err := serveSim(ctx, wg, "motion", motion.Serve)
	if err != nil {
		return err
	}
	if cfg.Motion == nil {
		cfg.Motion = &config.LinkConfig{}
	}
	cfg.Motion.Address = addr
	cfg.Motion.Transport = "tcp"
	cfg.Motion.Serial = nil

	for i := range cfg.Pumps {
		pc := &cfg.Pumps[i]
		lc := pc.Link.DeviceLink(pc.Name)
		drive := simulator.NewPump(simulator.PumpConfig{
			SpeedFrameLength:  lc.WriteBlockLength,
			StatusFrameLength: lc.ReadBlockLength,
			MaxFrequency:      pc.GetMaxFrequency(),
		})
		addr, err := serveSim(ctx, wg, "pump "+pc.Name, drive.Serve)
		if err != nil {
			return err
		}
		pc.Link.Address = addr
		pc.Link.Transport = "tcp"
		pc.Link.Serial = nil
	}
	return nil
}

func serveSim(ctx context.Context, wg *sync.WaitGroup, name string, serve func(context.Context, net.Listener) error) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("%s simulator: %w", name, err)
	}
	log.Printf("%s simulator on %s", name, ln.Addr())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serve(ctx, ln); err != nil {
			log.Printf("%s simulator: %v", name, err)
		}
	}()
	return ln.Addr().String(), nil
}
