package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot is one scrape of the server's /metrics endpoint.
type snapshot struct {
	at            time.Time
	connections   float64
	subscriptions float64
	outcomes      map[string]float64 // gridchat_messages_total by outcome
	latencySum    float64
	latencyCount  float64
	publishFails  float64
}

// Scraper polls the server's Prometheus endpoint during a run.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper polls metricsURL every interval once started.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot now and then one per interval until Stop.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop takes a final snapshot and waits for the poller to exit.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return // server not up yet
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body)
	if err != nil {
		return
	}
	snap.at = time.Now()
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{outcomes: make(map[string]float64)}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case "gridchat_connections_total":
			snap.connections = value
		case "gridchat_room_subscriptions":
			snap.subscriptions = value
		case "gridchat_messages_total":
			snap.outcomes[labels["outcome"]] += value
		case "gridchat_message_latency_seconds_sum":
			snap.latencySum = value
		case "gridchat_message_latency_seconds_count":
			snap.latencyCount = value
		case "gridchat_publish_failures_total":
			snap.publishFails += value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a text exposition line such as
// `name{k="v",k2="v2"} 1.5` into its parts.
func parseMetricLine(line string) (name string, labels map[string]string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.IndexByte(line[open:], '}')
		if closing == -1 {
			return "", nil, 0, false
		}
		name = line[:open]
		labels = parseLabels(line[open+1 : open+closing])
		rest = line[open+closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", nil, 0, false
		}
		name, rest = fields[0], strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", nil, 0, false
	}
	return name, labels, v, true
}

func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		labels[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return labels
}

// Report prints initial, final, delta and peak for each tracked series.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	type series struct {
		label string
		get   func(snapshot) float64
	}
	rows := []series{
		{"Connections", func(s snapshot) float64 { return s.connections }},
		{"Subscriptions", func(s snapshot) float64 { return s.subscriptions }},
		{"Publish fails", func(s snapshot) float64 { return s.publishFails }},
	}
	outcomes := make([]string, 0, len(last.outcomes))
	for o := range last.outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		o := o
		rows = append(rows, series{"Msgs " + o, func(s snapshot) float64 { return s.outcomes[o] }})
	}

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, r := range rows {
		peak := math.Inf(-1)
		for _, snap := range snaps {
			peak = math.Max(peak, r.get(snap))
		}
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, r.get(first), r.get(last), r.get(last)-r.get(first), peak)
	}

	fmt.Println()
	if n := last.latencyCount - first.latencyCount; n > 0 {
		avg := (last.latencySum - first.latencySum) / n
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Routing latency", avg, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Routing latency")
	}
}
