// Package stats aggregates client-side measurements from many load test
// connections and prints a run summary with latency percentiles.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Latency sample names, in report order.
const (
	sampleConnect = "Connect Latency"
	sampleMatch   = "Match Latency"
	sampleMessage = "Message Latency"
)

var sampleOrder = []string{sampleConnect, sampleMatch, sampleMessage}

// Collector is safe for concurrent use by every client goroutine.
type Collector struct {
	mu          sync.Mutex
	started     time.Time
	connections int
	errors      int
	samples     map[string][]time.Duration
	scraper     *Scraper
}

// NewCollector starts the run clock.
func NewCollector() *Collector {
	return &Collector{
		started: time.Now(),
		samples: make(map[string][]time.Duration),
	}
}

// SetScraper appends server-side metrics from s to the report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect counts one established connection and its dial latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connections++
	c.samples[sampleConnect] = append(c.samples[sampleConnect], d)
	c.mu.Unlock()
}

// AddMatchLatency records the time from join to session_created.
func (c *Collector) AddMatchLatency(d time.Duration) { c.add(sampleMatch, d) }

// AddMsgLatency records a sender-to-receiver message delivery latency.
func (c *Collector) AddMsgLatency(d time.Duration) { c.add(sampleMessage, d) }

func (c *Collector) add(name string, d time.Duration) {
	c.mu.Lock()
	c.samples[name] = append(c.samples[name], d)
	c.mu.Unlock()
}

// AddError counts one failed step.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of established connections so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of failed steps so far.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.started).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	for _, name := range sampleOrder {
		ds := c.samples[name]
		if len(ds) == 0 {
			continue
		}
		s := Summarize(ds)
		fmt.Printf("\n--- %s ---\n", name)
		fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
			s.Avg.Round(time.Microsecond), s.P50.Round(time.Microsecond),
			s.P95.Round(time.Microsecond), s.P99.Round(time.Microsecond),
			s.Max.Round(time.Microsecond), s.N)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// Summary holds a percentile breakdown of a latency sample.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts durations in place and computes their distribution.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	rank := func(q float64) time.Duration {
		return durations[int(math.Ceil(float64(n)*q))-1]
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: rank(0.95),
		P99: rank(0.99),
		Max: durations[n-1],
	}
}
