// Command armsim serves a simulated robot controller and pump drives on TCP,
// for bench testing armctl without hardware.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/armctl/internal/simulator"
)

var (
	motionAddr = flag.String("motion", "127.0.0.1:1025", "Listen address of the simulated robot")
	pumpAddrs  = flag.String("pumps", "127.0.0.1:1502,127.0.0.1:1503", "Comma separated listen addresses of simulated pump drives")
	step       = flag.Duration("step", 200*time.Millisecond, "Time each motion command takes")
	buffer     = flag.Int("buffer", 20, "Size of the robot's command buffer")
	ceiling    = flag.Int("ceiling", 3000, "Id at which reported ids wrap to zero")
	maxFreq    = flag.Float64("max-frequency", 50, "Drive frequency reported at 100% speed")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	motion := simulator.NewMotion(simulator.MotionConfig{
		Buffer:       *buffer,
		Ceiling:      int32(*ceiling),
		StepInterval: *step,
	})
	serve(ctx, &wg, "motion", *motionAddr, motion.Serve)

	for _, addr := range splitAddrs(*pumpAddrs) {
		drive := simulator.NewPump(simulator.PumpConfig{MaxFrequency: *maxFreq})
		serve(ctx, &wg, "pump", addr, drive.Serve)
	}

	wg.Wait()
	log.Printf("received %d commands, %d overflows, %d stops", len(motion.Received()), motion.Overflows(), motion.Stops())
}

func splitAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func serve(ctx context.Context, wg *sync.WaitGroup, name, addr string, fn func(context.Context, net.Listener) error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", addr, err)
	}
	log.Printf("%s simulator listening on %s", name, ln.Addr())
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(ctx, ln); err != nil {
			log.Printf("%s simulator on %s: %v", name, addr, err)
		}
	}()
}
