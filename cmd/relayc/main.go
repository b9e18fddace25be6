package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mintlane/relay/client"
)

var (
	logger   *slog.Logger
	endpoint string
	secret   string
	useWS    bool
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	flag.StringVar(&endpoint, "endpoint", "http://127.0.0.1:8080", "Relay base URL")
	flag.StringVar(&secret, "secret", "", "Relay secret for publishing. Defaults to RELAY_SECRET env var.")
	flag.BoolVar(&useWS, "ws", false, "Subscribe over WebSocket instead of SSE")
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command> [args]

Commands:
  publish <topic> <event> [json-data]   Publish an event to a topic
  subscribe <topic>                     Stream events from a topic until interrupted
  status                                Show relay status

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if secret == "" {
		secret = os.Getenv("RELAY_SECRET")
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	cl, err := client.New(&client.Config{
		Endpoint: endpoint,
		Secret:   secret,
		Logger:   logger,
	})
	if err != nil {
		color.HiRed("Failed to create client: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "publish":
		if len(args) < 3 {
			usage()
			os.Exit(1)
		}
		var data any
		if len(args) > 3 {
			if err := json.Unmarshal([]byte(args[3]), &data); err != nil {
				color.HiRed("Data is not valid JSON: %v", err)
				os.Exit(1)
			}
		}
		pubCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := cl.Publish(pubCtx, args[1], args[2], data); err != nil {
			color.HiRed("Publish failed: %v", err)
			os.Exit(1)
		}
		color.HiGreen("ok")

	case "subscribe":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		subscribe(ctx, cl, args[1])

	case "status":
		st, err := cl.Status(ctx)
		if err != nil {
			color.HiRed("Status failed: %v", err)
			os.Exit(1)
		}
		color.HiCyan("started:     %s", st.Started)
		color.HiCyan("uptime:      %ds", st.UptimeSeconds)
		color.HiCyan("topics:      %d", st.Topics)
		color.HiCyan("subscribers: %d", st.Subscribers)

	default:
		usage()
		os.Exit(1)
	}
}

func subscribe(ctx context.Context, cl *client.Client, topic string) {
	var sub *client.Subscription
	var err error
	if useWS {
		sub, err = cl.SubscribeWS(ctx, topic)
	} else {
		sub, err = cl.Subscribe(ctx, topic)
	}
	if err != nil {
		color.HiRed("Subscribe failed: %v", err)
		os.Exit(1)
	}
	defer sub.Close()

	color.HiGreen("subscribed to %s", topic)
	for msg := range sub.Messages {
		switch msg.Event {
		case "ping":
			color.HiBlack("ping %s", string(msg.Data))
		case "ready":
			color.HiGreen("ready")
		default:
			color.HiCyan("%s %s", msg.Event, string(msg.Data))
		}
	}
	if err := sub.Err(); err != nil {
		color.HiRed("Stream ended with error: %v", err)
		os.Exit(1)
	}
}
