package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gridchat/chat-server/loadtest/client"
	"github.com/gridchat/chat-server/loadtest/stats"
)

// broadcast is the subset of a message activity the room test reads.
type broadcast struct {
	Actor struct {
		ID string `json:"id"`
	} `json:"actor"`
	Object struct {
		Content string `json:"content"`
	} `json:"object"`
}

// runRooms spreads users over a set of existing rooms. Each user joins one
// room and sends messages at a fixed rate. Delivery latency is measured on
// the sender's own copy of the broadcast, which the server fans out to every
// member including the author.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	metricsURL := fs.String("metrics", "", "Server metrics URL, e.g. http://localhost:8080/metrics")
	users := fs.Int("users", 200, "Number of users")
	roomList := fs.String("rooms", "lobby", "Comma-separated ids of existing rooms to join")
	rampUp := fs.Duration("ramp", 5*time.Second, "Ramp-up duration")
	duration := fs.Duration("duration", 30*time.Second, "Messaging duration")
	rate := fs.Duration("interval", time.Second, "Interval between messages per user")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	fs.Parse(args)

	rooms := strings.Split(*roomList, ",")
	fmt.Printf("Rooms test: %d users over %d rooms at %s (duration=%s)\n",
		*users, len(rooms), *url, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(ctx)
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	// Content carries the send time so each sender can time its own echo.
	var joined sync.WaitGroup
	setup := func(c *client.Client) {
		self := c.UserID
		c.On("message", func(raw json.RawMessage) {
			var b broadcast
			if json.Unmarshal(raw, &b) != nil || b.Actor.ID != self {
				return
			}
			_, stamp, ok := strings.Cut(b.Object.Content, "@")
			if !ok {
				return
			}
			if ns, err := strconv.ParseInt(stamp, 10, 64); err == nil {
				collector.AddDelivered(time.Since(time.Unix(0, ns)))
			}
		})
		joined.Add(1)
		var once sync.Once
		c.On(client.Response(client.TypeJoin), func(json.RawMessage) { once.Do(joined.Done) })
	}

	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := ramp(ctx, rampConfig{
		url:         *url,
		count:       *users,
		duration:    *rampUp,
		concurrency: *concurrency,
		userPrefix:  "room",
	}, collector, setup)

	for i, c := range clients {
		if err := c.Join(rooms[i%len(rooms)]); err != nil {
			fmt.Printf("  join failed for %s: %v\n", c.UserID, err)
		}
	}
	waitGroupTimeout(&joined, 10*time.Second)

	if !interrupted {
		fmt.Printf("\n--- Messaging phase (%s) ---\n", *duration)
		runCtx, cancel := context.WithTimeout(ctx, *duration)
		var wg sync.WaitGroup
		for i, c := range clients {
			wg.Add(1)
			go func(c *client.Client, room string) {
				defer wg.Done()
				ticker := time.NewTicker(*rate)
				defer ticker.Stop()
				for {
					select {
					case <-runCtx.Done():
						return
					case <-ticker.C:
						text := fmt.Sprintf("load@%d", time.Now().UnixNano())
						if err := c.Message(room, text); err != nil {
							return
						}
						collector.AddSent()
					}
				}
			}(c, rooms[i%len(rooms)])
		}
		wg.Wait()
		cancel()
		// Let the last broadcasts arrive.
		time.Sleep(time.Second)
	}

	for _, c := range clients {
		m := c.Metrics()
		collector.AddResponseCounts(m.Failed, m.RateLimited)
	}
	closeAll(clients)
	collector.Report()
}

func waitGroupTimeout(wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		fmt.Println("  timed out waiting for join responses")
	}
}
