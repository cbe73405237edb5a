package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridchat/chat-server/loadtest/stats"
)

// runSaturate opens idle connections up to the requested count and holds
// them, reporting how many the server drops.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "", "Server metrics URL, e.g. http://localhost:8080/metrics")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	fmt.Println("\n--- Ramp-up phase ---")
	start := time.Now()
	clients, interrupted := ramp(ctx, rampConfig{
		url:         *url,
		count:       *connections,
		duration:    *rampUp,
		concurrency: *concurrency,
		userPrefix:  "sat",
	}, collector, nil)
	fmt.Printf("\nRamp-up complete: %d/%d connections in %s\n",
		len(clients), *connections, time.Since(start).Round(time.Millisecond))

	dropped := 0
	if !interrupted {
		fmt.Printf("\n--- Hold phase ---\nHolding %d connections for %s...\n", len(clients), *hold)
		holdTimer := time.NewTimer(*hold)
		status := time.NewTicker(5 * time.Second)
	hold:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break hold
			case <-holdTimer.C:
				break hold
			case <-status.C:
				alive := 0
				for _, c := range clients {
					if c.Alive() {
						alive++
					}
				}
				dropped = len(clients) - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, len(clients), dropped)
			}
		}
		holdTimer.Stop()
		status.Stop()
	}

	closeAll(clients)
	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}
