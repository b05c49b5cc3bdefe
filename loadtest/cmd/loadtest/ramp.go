package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/driftchat/drift/loadtest/client"
	"github.com/driftchat/drift/loadtest/stats"
)

// rampOptions are the connection-phase flags shared by every scenario.
type rampOptions struct {
	url         string
	rampUp      time.Duration
	concurrency int
}

func (o *rampOptions) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.url, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	fs.DurationVar(&o.rampUp, "ramp", 10*time.Second, "Ramp-up duration")
	fs.IntVar(&o.concurrency, "concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
}

// connectAll opens n connections spread evenly over the ramp duration and
// returns the ones that received their identity. interrupted is true when
// ctx ended before every attempt was launched.
func connectAll(ctx context.Context, opts rampOptions, n int, label string, collector *stats.Collector) (clients []*client.Client, interrupted bool) {
	interval := opts.rampUp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	var mu sync.Mutex
	clients = make([]*client.Client, 0, n)
	sem := make(chan struct{}, opts.concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := collector.ConnectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [%s] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					label, current, n, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)

launch:
	for launched := 0; launched < n; {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				c, err := client.New(connCtx, opts.url)
				if err != nil {
					collector.AddError()
					return
				}
				if err := c.WaitForIdentity(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}
				collector.AddConnect(c.GetMetrics().ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	ticker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nConnected %d/%d in %s (%d errors)\n",
		len(clients), n, time.Since(start).Round(time.Millisecond), collector.ErrorCount())
	return clients, interrupted
}

// cleanup closes all client connections.
func cleanup(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}

// profileFor returns a throwaway profile for the i-th simulated user.
func profileFor(i int) client.Profile {
	genders := []string{"Male", "Female", "Non-binary"}
	return client.Profile{
		Name:    fmt.Sprintf("lt%d", i),
		Gender:  genders[i%len(genders)],
		Country: "Loadland",
	}
}
