package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/driftchat/drift/loadtest/client"
	"github.com/driftchat/drift/loadtest/stats"
)

// runMatch connects pairs of simulated users, has every one of them join the
// queue at once and measures how long each waits for session_created.
func runMatch(args []string) {
	fs := pflag.NewFlagSet("match", pflag.ExitOnError)
	var opts rampOptions
	opts.register(fs)
	pairs := fs.Int("pairs", 500, "Number of user pairs to match")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for session_created")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	_ = fs.Parse(args)

	if *pairs <= 0 {
		fmt.Fprintln(os.Stderr, "--pairs must be positive")
		os.Exit(2)
	}
	totalClients := *pairs * 2

	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, concurrency=%d)\n",
		*pairs, totalClients, opts.url, opts.rampUp, *matchTimeout, opts.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients, interrupted := connectAll(ctx, opts, totalClients, "connect", collector)
	if interrupted {
		fmt.Println("Interrupted, skipping matching phases.")
		cleanup(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	fmt.Println("\n--- Phase 2: Join the queue ---")

	var matched atomic.Int64
	var wg sync.WaitGroup
	matchStart := time.Now()

	for i, c := range clients {
		found := make(chan struct{})
		var once sync.Once
		joinedAt := time.Now()
		c.On(client.TypeSessionCreated, func(json.RawMessage) {
			once.Do(func() {
				collector.AddMatchLatency(time.Since(joinedAt))
				matched.Add(1)
				close(found)
			})
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			timer := time.NewTimer(*matchTimeout)
			defer timer.Stop()
			select {
			case <-found:
			case <-timer.C:
				collector.AddError()
			case <-ctx.Done():
			}
		}()

		if err := c.Join(profileFor(i)); err != nil {
			collector.AddError()
		}
	}

	fmt.Println("\n--- Phase 3: Waiting for matches ---")

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		var last int64
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := matched.Load()
				rate := float64(current-last) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [match] matched: %d/%d  errors: %d  rate: %.1f match/s\n",
					current, len(clients), collector.ErrorCount(), rate)
				last = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()
	select {
	case <-allDone:
	case <-ctx.Done():
		fmt.Println("\nInterrupted during matching phase.")
	}
	close(progressStop)
	progressWg.Wait()

	elapsed := time.Since(matchStart)
	final := matched.Load()

	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Clients matched:   %d / %d\n", final, len(clients))
	fmt.Printf("Sessions formed:   ~%d\n", final/2)
	fmt.Printf("Match duration:    %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Match throughput:  %.1f sessions/s\n", float64(final/2)/elapsed.Seconds())
	}

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}
