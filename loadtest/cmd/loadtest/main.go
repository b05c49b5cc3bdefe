// Command loadtest drives simulated Drift users against a running server
// over WebSocket and reports client-side latencies next to the server's own
// Prometheus metrics.
//
//	loadtest saturate  hold idle connections, watch for drops
//	loadtest match     join N pairs, time join to session_created
//	loadtest chat      match, exchange receive_message with receipts, stop_chat
package main

import (
	"fmt"
	"io"
	"os"
)

type command struct {
	name    string
	summary string
	run     func(args []string)
}

// commands lists the scenarios in help order.
var commands = []command{
	{"saturate", "Ramp up N idle connections and hold them; reports connect latency and dropped sockets", runSaturate},
	{"match", "Connect N pairs and join them all at once; reports join to session_created latency and the server's queue wait", runMatch},
	{"chat", "Full session lifecycle per pair: join, timed send_message with messages_seen receipts, stop_chat; reports match and delivery latency", runChat},
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}

	switch name := os.Args[1]; name {
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		c, ok := lookup(name)
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown scenario %q\n\n", name)
			usage(os.Stderr)
			os.Exit(1)
		}
		c.run(os.Args[2:])
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: loadtest <scenario> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Scenarios:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Every scenario accepts --url, --ramp and --concurrency; run 'loadtest <scenario> -h' for the rest.")
}
