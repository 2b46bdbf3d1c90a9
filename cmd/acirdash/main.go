package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/astanton/acir-dash/internal/meter"
	"github.com/astanton/acir-dash/internal/server"
	"github.com/astanton/acir-dash/web"
)

func main() {
	configPath := flag.String("config", "/etc/acirdash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated meter")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] acirdash starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Meter.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	// Initialize meter provider
	var prov meter.Provider
	switch cfg.Meter.Type {
	case "rc3563":
		prov = meter.NewRC3563(meter.RC3563Config{
			PortPath: cfg.Meter.PortPath,
			BaudRate: cfg.Meter.BaudRate,
		})
	default:
		prov = meter.NewDemoProvider()
	}

	// Try connecting with exponential backoff (non-blocking — dashboard starts regardless)
	go connectWithRetry(ctx, prov, 10)

	// Start server — works immediately even if the meter is still connecting
	srv := server.New(cfg, prov, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, prov meter.Provider, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := prov.Connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
					prov.Name(), attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
					prov.Name(), attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", prov.Name(), attempt+1)
			return
		}
	}
}
