package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// series lists the server metrics shown in the report, in display order.
// Labeled families are summed across their label sets.
var series = []struct {
	metric string
	label  string
}{
	{"drift_connections_total", "Connections"},
	{"drift_active_sessions", "Sessions"},
	{"drift_match_queue_size", "Queue Size"},
	{"drift_matches_total", "Matches Total"},
	{"drift_messages_total", "Messages Total"},
	{"drift_notifications_dropped_total", "Dropped"},
}

// histograms are reported as the average over the run, from _sum and _count.
var histograms = []struct {
	metric string
	label  string
}{
	{"drift_message_latency_seconds", "Msg Latency"},
	{"drift_match_wait_seconds", "Queue Wait"},
}

type snapshot struct {
	at     time.Time
	values map[string]float64
}

// Scraper samples the server's /metrics endpoint while a load test runs.
type Scraper struct {
	url      string
	interval time.Duration
	http     *http.Client

	mu    sync.Mutex
	snaps []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper returns a Scraper for metricsURL sampling every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a first sample immediately and keeps sampling until ctx ends
// or Stop is called. A final sample is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.sample()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.sample()
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()
}

// Stop ends sampling and waits for the last sample.
func (s *Scraper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scraper) sample() {
	resp, err := s.http.Get(s.url)
	if err != nil {
		// The server may not be up yet.
		return
	}
	defer resp.Body.Close()

	snap, err := parseSnapshot(resp.Body, time.Now())
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

// parseSnapshot reads a Prometheus text exposition and keeps the tracked
// series.
func parseSnapshot(r io.Reader, at time.Time) (snapshot, error) {
	tracked := make(map[string]bool, len(series)+2*len(histograms))
	for _, m := range series {
		tracked[m.metric] = true
	}
	for _, h := range histograms {
		tracked[h.metric+"_sum"] = true
		tracked[h.metric+"_count"] = true
	}

	snap := snapshot{at: at, values: make(map[string]float64)}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, v, ok := parseMetricLine(line)
		if ok && tracked[name] {
			snap.values[name] += v
		}
	}
	return snap, sc.Err()
}

// parseMetricLine splits `name{labels} value` or `name value` into the bare
// metric name and its value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open >= 0 {
		end := strings.IndexByte(line[open:], '}')
		if end < 0 {
			return "", 0, false
		}
		name = line[:open]
		rest = line[open+end+1:]
	} else {
		sp := strings.IndexAny(line, " \t")
		if sp < 0 {
			return "", 0, false
		}
		name, rest = line[:sp], line[sp:]
	}

	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	// An optional timestamp may follow the value.
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints initial, final, delta and peak for every tracked series and
// the run's histogram averages.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n\n",
		len(snaps), last.at.Sub(first.at).Round(time.Second))

	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, m := range series {
		a, b := first.values[m.metric], last.values[m.metric]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n", m.label, a, b, b-a, peak(snaps, m.metric))
	}

	fmt.Println()
	for _, h := range histograms {
		sum := last.values[h.metric+"_sum"] - first.values[h.metric+"_sum"]
		count := last.values[h.metric+"_count"] - first.values[h.metric+"_count"]
		if count <= 0 {
			fmt.Printf("  %-16s avg: N/A  (no observations)\n", h.label)
			continue
		}
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", h.label, sum/count, count)
	}
}

func peak(snaps []snapshot, metric string) float64 {
	p := math.Inf(-1)
	for _, s := range snaps {
		p = math.Max(p, s.values[metric])
	}
	return p
}
