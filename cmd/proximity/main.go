package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/banshee-data/proximity.report/internal/api"
	"github.com/banshee-data/proximity.report/internal/beacon"
	"github.com/banshee-data/proximity.report/internal/capture"
	"github.com/banshee-data/proximity.report/internal/config"
	"github.com/banshee-data/proximity.report/internal/db"
	"github.com/banshee-data/proximity.report/internal/monitoring"
	"github.com/banshee-data/proximity.report/internal/radio"
	"github.com/banshee-data/proximity.report/internal/stream"
	"github.com/banshee-data/proximity.report/internal/timeutil"
	"github.com/banshee-data/proximity.report/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	maxConns    = flag.Int("max-conns", 64, "Maximum concurrent HTTP connections, event streams included (0 is unlimited)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC listen address for the Watch stream (empty disables)")
	radioKind   = flag.String("radio", backendBridge, "Radio backend: bridge, host, mock, disabled or replay")
	port        = flag.String("port", "/dev/ttyACM0", "Serial port of the BLE bridge")
	dbPath      = flag.String("db", "proximity.db", "Sightings database path (empty disables persistence)")
	configPath  = flag.String("config", "", "Beacon config JSON file (defaults apply when empty)")
	capturePath = flag.String("capture", "", "Record discoveries to this pcap file")
	replayPath  = flag.String("replay", "", "pcap file to replay with -radio=replay")
	replaySpeed = flag.Float64("replay-speed", 1, "Replay speed multiplier (0 replays as fast as possible)")
	background  = flag.Bool("background", false, "Start in the background lifecycle state (enables slot rotation)")
	retention   = flag.Duration("retention", 7*24*time.Hour, "Prune sightings not seen for this long (0 keeps everything)")
	debug       = flag.Bool("debug", false, "Enable verbose logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func loadConfig(path string) (*config.BeaconConfig, error) {
	if path == "" {
		return config.EmptyBeaconConfig(), nil
	}
	return config.LoadBeaconConfig(path)
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *radioKind == backendReplay && *replayPath == "" {
		log.Fatal("-replay is required with -radio=replay")
	}
	monitoring.SetDebug(*debug)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	identity := cfg.Identity()
	log.Printf("proximity %s: major %d minor %d", version.String(), identity.Major, identity.Minor)

	clock := timeutil.RealClock{}
	be, err := openBackend(backendOptionsFromConfig(cfg, *radioKind, *port, clock))
	if err != nil {
		log.Fatalf("failed to open radio: %v", err)
	}

	r := be.radio
	if *capturePath != "" {
		f, err := os.Create(*capturePath)
		if err != nil {
			log.Fatalf("failed to create capture file: %v", err)
		}
		defer f.Close()
		rec, err := capture.NewRecorder(f, clock)
		if err != nil {
			log.Fatalf("failed to start capture: %v", err)
		}
		r = capture.NewTap(r, rec)
		defer func() { log.Printf("captured %d discoveries to %s", rec.Count(), *capturePath) }()
	}

	var store *db.DB
	sinks := []beacon.Sink{}
	bus := beacon.NewBus()
	sinks = append(sinks, bus)
	if *dbPath != "" {
		store, err = db.Open(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer store.Close()
		sinks = append(sinks, db.NewSink(store, clock))
	}

	keepalive := beacon.NewKeepalive(&beacon.ProcessHost{}, beacon.LogNudger{}, clock)
	coord := beacon.New(beacon.Config{
		Radio:     r,
		Sink:      beacon.MultiSink(sinks...),
		Clock:     clock,
		Ledger:    cfg.LedgerOptions(),
		Keepalive: keepalive,
	})
	if err := coord.Configure(identity, cfg.Options()); err != nil {
		log.Fatalf("invalid beacon configuration: %v", err)
	}
	coord.UpdateAuthorization(beacon.FullAuthorization())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the bridge
	if be.mux != nil {
		if err := be.mux.Initialize(); err != nil {
			log.Fatalf("failed to initialize bridge: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := be.mux.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor serial port: %v", err)
			}
			log.Print("monitor routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, radio.ErrClosed) {
			log.Printf("coordinator stopped: %v", err)
		}
		log.Print("coordinator routine terminated")
	}()

	if be.replay != nil {
		if err := startReplay(ctx, &wg, be.replay, *replayPath, *replaySpeed, clock); err != nil {
			log.Fatalf("%v", err)
		}
	}

	startOnBoot(coord, cfg)
	if *background {
		coord.AppLifecycleChanged(false)
	}

	if store != nil && *retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneLoop(ctx, store, clock, *retention)
		}()
	}

	if *grpcListen != "" {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.Fatalf("failed to listen for gRPC: %v", err)
		}
		pub := stream.Start(lis, stream.NewServer(coord, bus))
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			pub.Stop()
			log.Printf("gRPC routine stopped")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(coord, bus, store).ServeMux()
		if be.mux != nil {
			be.mux.AttachAdminRoutes(mux)
		}
		if store != nil {
			store.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}
		lis, err := listenHTTP(*listen, *maxConns)
		if err != nil {
			log.Fatalf("failed to listen: %v", err)
		}

		go func() {
			if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
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

		log.Printf("HTTP server routine stopped")
	}()

	<-ctx.Done()
	shutdown(coord, r, bus)
	if be.mux != nil {
		be.mux.Close()
	}

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// shutdown stops advertising and scanning and releases the radio. Bus
// subscribers (SSE and gRPC watchers) see their streams end.
func shutdown(coord *beacon.Coordinator, r radio.Radio, bus *beacon.Bus) {
	if err := coord.StopTx(); err != nil {
		log.Printf("stop transmit: %v", err)
	}
	if err := coord.StopScanning(); err != nil {
		log.Printf("stop scanning: %v", err)
	}
	coord.Close()
	if err := r.Close(); err != nil {
		log.Printf("close radio: %v", err)
	}
	bus.Close()
}

// listenHTTP opens the API listener. Event streams hold their connection
// open, so the count is capped to keep a misbehaving client from exhausting
// file descriptors.
func listenHTTP(addr string, max int) (net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if max > 0 {
		lis = netutil.LimitListener(lis, max)
	}
	return lis, nil
}

func pruneLoop(ctx context.Context, store *db.DB, clock timeutil.Clock, keep time.Duration) {
	ticker := clock.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if n, err := store.PruneBefore(clock.Now().Add(-keep)); err != nil {
			log.Printf("prune sightings: %v", err)
		} else if n > 0 {
			log.Printf("pruned %d stale sightings", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}
