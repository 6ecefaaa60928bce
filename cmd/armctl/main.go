// Command armctl drives a robot arm and its pumps from a queue of motion
// commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/armctl/internal/config"
	"github.com/banshee-data/armctl/internal/control"
	"github.com/banshee-data/armctl/internal/debugapi"
	"github.com/banshee-data/armctl/internal/eventlog"
	"github.com/banshee-data/armctl/internal/events"
	"github.com/banshee-data/armctl/internal/health"
	"github.com/banshee-data/armctl/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the JSON configuration")
	devMode     = flag.Bool("dev", false, "Run against in-process simulators instead of hardware")
	listen      = flag.String("listen", "", "Debug HTTP listen address (overrides debug_listen)")
	healthAddr  = flag.String("health", "", "gRPC health listen address (overrides health_listen)")
	eventLog    = flag.String("event-log", "", "SQLite event log path (overrides event_log_path)")
	autoStart   = flag.Bool("start", false, "Start processing as soon as the robot is connected")
	showVersion = flag.Bool("version", false, "Print the version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("armctl %s", version.String())

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	applyFlagOverrides(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if *devMode {
		if err := startSimulators(ctx, &wg, cfg); err != nil {
			log.Fatalf("failed to start simulators: %v", err)
		}
	}

	ctl, err := control.New(cfg, control.Options{})
	if err != nil {
		log.Fatalf("failed to create controller: %v", err)
	}

	// consumers subscribe before the first connect so no link event is missed
	wg.Add(1)
	go func() {
		defer wg.Done()
		logEvents(ctx, ctl.Bus())
	}()

	mux := http.NewServeMux()
	debugapi.AttachAdminRoutes(mux, ctl, ctl.Bus())

	if path := cfg.GetEventLogPath(); path != "" {
		elog, err := eventlog.Open(path)
		if err != nil {
			log.Fatalf("failed to open event log: %v", err)
		}
		defer elog.Close()
		if err := elog.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("failed to attach event log routes: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			elog.Run(ctx, ctl.Bus(), eventlog.DefaultFilter)
		}()
	}

	if addr := cfg.GetHealthListen(); addr != "" {
		links := []string{events.LinkMotion}
		for _, name := range cfg.PumpNames() {
			links = append(links, events.PumpLinkName(name))
		}
		reporter := health.New(links)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("failed to listen for health checks: %v", err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			reporter.Run(ctx, ctl.Bus())
		}()
		go func() {
			defer wg.Done()
			if err := reporter.Serve(ctx, lis); err != nil {
				log.Printf("health server: %v", err)
			}
		}()
	}

	if err := ctl.Connect(ctx); err != nil {
		log.Printf("not every link connected: %v", err)
	}
	if *autoStart {
		if err := ctl.StartProcessing(); err != nil {
			log.Printf("could not start processing: %v", err)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		serveDebug(ctx, cfg.GetDebugListen(), mux)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctl.Run(ctx); err != nil {
			log.Printf("controller stopped: %v", err)
		}
		log.Print("controller routine terminated")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

func applyFlagOverrides(cfg *config.Config) {
	if *listen != "" {
		cfg.DebugListen = listen
	}
	if *healthAddr != "" {
		cfg.HealthListen = healthAddr
	}
	if *eventLog != "" {
		cfg.EventLogPath = eventLog
	}
}

// logEvents prints everything except the high-rate telemetry kinds.
func logEvents(ctx context.Context, bus *events.Bus) {
	id, ch := bus.Subscribe()
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !eventlog.DefaultFilter(e) {
				continue
			}
			log.Print(describe(e))
		}
	}
}

func describe(e events.Event) string {
	s := string(e.Kind)
	if e.Link != "" {
		s += " " + e.Link
	}
	if e.Command != nil {
		s += fmt.Sprintf(" id=%d", e.Command.ID)
	}
	if e.State != "" {
		s += " " + e.State
	}
	if e.Offset != 0 {
		s += fmt.Sprintf(" offset=%d", e.Offset)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

func serveDebug(ctx context.Context, addr string, mux *http.ServeMux) {
	if addr == "" {
		return
	}
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start debug server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
}
