// Package stats aggregates client-side results of a load run and prints a
// report with latency percentiles.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector is shared by every simulated client of a run.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	deliveryLatency  []time.Duration
	connections      int
	connectFailures  int
	sent             int
	delivered        int
	failed           int
	rateLimited      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector starts the run clock.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper makes Report include server-side metrics.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a connection that reached gn_connect.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddConnectFailure records a dial or handshake failure.
func (c *Collector) AddConnectFailure() {
	c.mu.Lock()
	c.connectFailures++
	c.mu.Unlock()
}

// AddSent records a message written to the socket.
func (c *Collector) AddSent() {
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
}

// AddDelivered records a message broadcast observed by a room member, with
// the time since it was sent.
func (c *Collector) AddDelivered(d time.Duration) {
	c.mu.Lock()
	c.deliveryLatency = append(c.deliveryLatency, d)
	c.delivered++
	c.mu.Unlock()
}

// AddResponseCounts merges the failure counters of one client.
func (c *Collector) AddResponseCounts(failed, rateLimited int) {
	c.mu.Lock()
	c.failed += failed
	c.rateLimited += rateLimited
	c.mu.Unlock()
}

// ConnectionCount returns the number of established connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ConnectFailures returns the number of failed connection attempts.
func (c *Collector) ConnectFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectFailures
}

// Report prints the summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:         %s\n", time.Since(c.startTime).Round(time.Second))
	fmt.Printf("Connections:      %d\n", c.connections)
	fmt.Printf("Connect failures: %d\n", c.connectFailures)
	if attempts := c.connections + c.connectFailures; attempts > 0 {
		fmt.Printf("Failure rate:     %.2f%%\n", float64(c.connectFailures)/float64(attempts)*100)
	}
	if c.sent > 0 {
		fmt.Printf("Messages sent:    %d\n", c.sent)
		fmt.Printf("Deliveries:       %d\n", c.delivered)
		fmt.Printf("Failed replies:   %d\n", c.failed)
		fmt.Printf("Rate limited:     %d\n", c.rateLimited)
	}

	if p, ok := Summarize(c.connectLatencies); ok {
		fmt.Println("\n--- Connect Latency ---")
		fmt.Println("  " + p.String())
	}
	if p, ok := Summarize(c.deliveryLatency); ok {
		fmt.Println("\n--- Delivery Latency ---")
		fmt.Println("  " + p.String())
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Percentiles summarizes a latency sample.
type Percentiles struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts durations in place and computes its percentiles. It
// returns false for an empty sample.
func Summarize(durations []time.Duration) (Percentiles, bool) {
	n := len(durations)
	if n == 0 {
		return Percentiles{}, false
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return durations[int(math.Ceil(float64(n)*q))-1]
	}
	return Percentiles{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: durations[n-1],
	}, true
}

func (p Percentiles) String() string {
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(p.Avg), r(p.P50), r(p.P95), r(p.P99), r(p.Max), p.N)
}
