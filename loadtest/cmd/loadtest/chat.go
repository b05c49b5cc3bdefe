package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/driftchat/drift/loadtest/client"
	"github.com/driftchat/drift/loadtest/stats"
)

type chatSettings struct {
	duration     time.Duration
	interval     time.Duration
	matchTimeout time.Duration
	payload      string
}

type chatCounters struct {
	matched   atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	ended     atomic.Int64
	sent      atomic.Int64
	recv      atomic.Int64
}

// runChat drives every simulated user through the full lifecycle:
// join, session_created, timed message exchange with read receipts, and
// stop_chat. It measures match latency and sender-to-receiver delivery.
func runChat(args []string) {
	fs := pflag.NewFlagSet("chat", pflag.ExitOnError)
	var opts rampOptions
	opts.register(fs)
	pairs := fs.Int("pairs", 100, "Number of user pairs for full chat lifecycle")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for session_created")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	_ = fs.Parse(args)

	if *pairs <= 0 || *msgSize <= 0 || *msgSize > 4000 {
		fmt.Fprintln(os.Stderr, "--pairs must be positive and --msg-size within 1..4000")
		os.Exit(2)
	}
	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, opts.url, opts.rampUp, *chatDuration, *msgInterval, *msgSize, opts.concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients, interrupted := connectAll(ctx, opts, totalClients, "connect", collector)
	if interrupted || len(clients) < 2 {
		fmt.Println("Not enough connections, skipping chat phases.")
		cleanup(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	settings := chatSettings{
		duration:     *chatDuration,
		interval:     *msgInterval,
		matchTimeout: *matchTimeout,
		payload:      strings.Repeat("abcdefgh", *msgSize/8+1)[:*msgSize],
	}
	var counters chatCounters

	fmt.Printf("\n--- Phase 2: Running %d clients ---\n", len(clients))

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] active: %d  completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					counters.active.Load(), counters.completed.Load(), len(clients),
					counters.sent.Load(), counters.recv.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer counters.completed.Add(1)

			// Stagger joins so the matcher sees a steady stream.
			select {
			case <-time.After(time.Duration(i) * 10 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			runChatter(ctx, c, i, settings, collector, &counters)
		}()
	}
	wg.Wait()

	close(progressStop)
	progressWg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Clients matched:   %d / %d\n", counters.matched.Load(), len(clients))
	fmt.Printf("Chats ended:       %d\n", counters.ended.Load())
	fmt.Printf("Total msg sent:    %d\n", counters.sent.Load())
	fmt.Printf("Total msg recv:    %d\n", counters.recv.Load())
	fmt.Printf("Chat duration:     %s\n", elapsed.Round(time.Millisecond))
	if sent := counters.sent.Load(); elapsed.Seconds() > 0 && sent > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(sent)/elapsed.Seconds())
	}

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}

// runChatter runs one user's lifecycle. The chat ends when the partner
// leaves or the configured duration elapses, whichever comes first.
func runChatter(ctx context.Context, c *client.Client, i int, s chatSettings, collector *stats.Collector, counters *chatCounters) {
	sessionCh := make(chan string, 1)
	leftCh := make(chan struct{}, 1)
	var current atomic.Value
	current.Store("")

	c.On(client.TypeSessionCreated, func(raw json.RawMessage) {
		var msg struct {
			SessionID string `json:"session_id"`
		}
		if json.Unmarshal(raw, &msg) == nil && msg.SessionID != "" {
			select {
			case sessionCh <- msg.SessionID:
			default:
			}
		}
	})
	c.On(client.TypePartnerLeft, func(json.RawMessage) {
		select {
		case leftCh <- struct{}{}:
		default:
		}
	})
	c.On(client.TypeReceiveMessage, func(raw json.RawMessage) {
		var msg struct {
			SessionID string `json:"session_id"`
			MessageID string `json:"message_id"`
		}
		if json.Unmarshal(raw, &msg) != nil {
			return
		}
		counters.recv.Add(1)
		if age, ok := client.MessageAge(msg.MessageID, time.Now()); ok {
			collector.AddMsgLatency(age)
		}
		if msg.SessionID == current.Load().(string) {
			_ = c.Send(map[string]any{
				"type":        client.TypeMessagesSeen,
				"session_id":  msg.SessionID,
				"message_ids": []string{msg.MessageID},
			})
		}
	})

	joinedAt := time.Now()
	if err := c.Join(profileFor(i)); err != nil {
		collector.AddError()
		return
	}

	var sessionID string
	timer := time.NewTimer(s.matchTimeout)
	select {
	case sessionID = <-sessionCh:
		timer.Stop()
	case <-timer.C:
		collector.AddError()
		return
	case <-ctx.Done():
		timer.Stop()
		return
	}
	current.Store(sessionID)
	counters.matched.Add(1)
	collector.AddMatchLatency(time.Since(joinedAt))

	counters.active.Add(1)
	defer counters.active.Add(-1)

	chatCtx, cancel := context.WithTimeout(ctx, s.duration)
	defer cancel()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-leftCh:
			counters.ended.Add(1)
			return
		case <-chatCtx.Done():
			if err := c.Stop(sessionID); err != nil {
				collector.AddError()
				return
			}
			counters.ended.Add(1)
			return
		case <-ticker.C:
			if err := c.SendText(sessionID, s.payload); err != nil {
				collector.AddError()
				return
			}
			counters.sent.Add(1)
		}
	}
}
