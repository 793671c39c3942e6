// Command presence runs the delivery-receipt presence tracker against the
// simulated transport and serves its debug endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/presence.report/internal/config"
	"github.com/banshee-data/presence.report/internal/monitoring"
	"github.com/banshee-data/presence.report/internal/presence"
	"github.com/banshee-data/presence.report/internal/transport/sim"
	"github.com/banshee-data/presence.report/internal/version"
)

var (
	listen       = flag.String("listen", ":8080", "Listen address")
	configFile   = flag.String("config", "", "Path to tracker JSON configuration (defaults built in)")
	targets      = flag.String("targets", "", "Comma separated phone numbers or identities to track at startup")
	probeMethod  = flag.String("probe-method", "", "Probe form, delete or reaction (overrides config)")
	debug        = flag.Bool("debug", false, "Enable debug logging")
	showVersion  = flag.Bool("version", false, "Print version and exit")
	simLatency   = flag.String("sim-latency", "80ms-250ms", "Acknowledgment latency range of simulated devices")
	simDevices   = flag.Int("sim-devices", 1, "Companion devices answering alongside each simulated phone")
	simPresence  = flag.String("sim-presence", "", "Presence value the simulated transport reports for startup targets")
	maxGoroutine = flag.Int("health-max-goroutines", 10000, "Liveness fails above this many goroutines")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetDebug(*debug)

	cfg, err := loadConfig(*configFile, *probeMethod)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	minLat, maxLat, err := parseLatencyRange(*simLatency)
	if err != nil {
		log.Fatalf("invalid -sim-latency: %v", err)
	}
	transport, err := sim.New(sim.Config{
		DefaultDevices: func(id string) []sim.Device {
			return deviceProfile(id, *simDevices, minLat, maxLat)
		},
	})
	if err != nil {
		log.Fatalf("failed to create transport: %v", err)
	}
	defer transport.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := presence.NewStats(prometheus.DefaultRegisterer)
	manager := presence.NewManager(ctx, transport, cfg, presence.WithStats(stats))
	defer manager.StopAll()

	log.Printf("starting %s", version.String())
	for _, input := range splitTargets(*targets) {
		target, err := manager.ParseTarget(input)
		if err != nil {
			log.Printf("skipping %q: %v", input, err)
			continue
		}
		if *simPresence != "" {
			transport.SetPresence(target, *simPresence)
		}
		if _, err := manager.Track(target); err != nil {
			log.Printf("failed to track %s: %v", target, err)
		}
	}

	var wg sync.WaitGroup

	// log every published snapshot
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := manager.Subscribe()
		defer manager.Unsubscribe(id)
		for {
			select {
			case snap, ok := <-c:
				if !ok {
					return
				}
				for _, d := range snap.Devices {
					monitoring.Debugf("[snapshot] %s seq=%d %s %s %dms", snap.Target, snap.Seq, d.Identity, d.State, d.LastLatencyMs)
				}
			case <-ctx.Done():
				log.Printf("snapshot routine terminated")
				return
			}
		}
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		manager.AttachAdminRoutes(mux)
		mux.Handle("/metrics", promhttp.Handler())
		health := newHealthHandler(manager, *maxGoroutine)
		mux.HandleFunc("/live", health.LiveEndpoint)
		mux.HandleFunc("/ready", health.ReadyEndpoint)

		server := &http.Server{
			Addr:              *listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", *listen)

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

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads path, or the built-in defaults when path is empty, and
// applies a non-empty method override.
func loadConfig(path, method string) (*config.TrackerConfig, error) {
	cfg := config.DefaultTrackerConfig()
	if path != "" {
		loaded, err := config.LoadTrackerConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if method != "" {
		if _, err := presence.ParseProbeMethod(method); err != nil {
			return nil, err
		}
		cfg.ProbeMethod = &method
	}
	return cfg, nil
}
