package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/driftchat/drift/loadtest/stats"
)

// runSaturate opens a number of idle connections, ramping up over a
// configurable duration, then holds them open while watching for drops. It
// finds the connection capacity before the server starts rejecting.
func runSaturate(args []string) {
	fs := pflag.NewFlagSet("saturate", pflag.ExitOnError)
	var opts rampOptions
	opts.register(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	_ = fs.Parse(args)

	if *connections <= 0 {
		fmt.Fprintln(os.Stderr, "--connections must be positive")
		os.Exit(2)
	}

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, opts.url, opts.rampUp, *hold, opts.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := connectAll(ctx, opts, *connections, "ramp", collector)

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		initial := len(clients)
		fmt.Printf("Holding %d connections for %s...\n", initial, *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				alive := 0
				for _, c := range clients {
					if c.Alive() {
						alive++
					}
				}
				dropped = initial - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, dropped)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()
	} else {
		fmt.Println("\nInterrupted during ramp-up.")
	}

	cleanup(clients)

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}
