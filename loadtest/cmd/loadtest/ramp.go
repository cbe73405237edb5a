package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gridchat/chat-server/loadtest/client"
	"github.com/gridchat/chat-server/loadtest/stats"
)

// rampConfig controls how connections are opened.
type rampConfig struct {
	url         string
	count       int
	duration    time.Duration
	concurrency int
	userPrefix  string
}

// ramp opens cfg.count connections spread over cfg.duration and returns the
// ones that reached gn_connect, in user order. setup runs on each client
// before it is returned. It stops early when ctx is cancelled.
func ramp(ctx context.Context, cfg rampConfig, collector *stats.Collector, setup func(*client.Client)) ([]*client.Client, bool) {
	interval := cfg.duration / time.Duration(cfg.count)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var (
		mu      sync.Mutex
		clients = make([]*client.Client, cfg.count)
		wg      sync.WaitGroup
		sem     = make(chan struct{}, cfg.concurrency)
	)

	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [ramp] connections: %d/%d  failures: %d\n",
					collector.ConnectionCount(), cfg.count, collector.ConnectFailures())
			case <-progressDone:
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	interrupted := false
launch:
	for i := 0; i < cfg.count; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			c, err := client.New(connCtx, cfg.url, fmt.Sprintf("%s-%d", cfg.userPrefix, i), nil)
			if err != nil {
				collector.AddConnectFailure()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)
			if setup != nil {
				setup(c)
			}
			mu.Lock()
			clients[i] = c
			mu.Unlock()
		}(i)
	}
	ticker.Stop()
	wg.Wait()
	close(progressDone)

	open := make([]*client.Client, 0, cfg.count)
	for _, c := range clients {
		if c != nil {
			open = append(open, c)
		}
	}
	return open, interrupted
}

func closeAll(clients []*client.Client) {
	fmt.Printf("\nClosing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}
