// stomptail connects to a STOMP endpoint and prints every message received
// on the given destinations.
// Usage: go run ./cmd/stomptail -url http://localhost:8080/ws -sub /topic/tasks -sub /topic/task/12
//
// http and https URLs are SockJS endpoints; ws and wss URLs are raw STOMP
// WebSockets.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gdupload/taskwatch/internal/connection"
	"github.com/gdupload/taskwatch/internal/sockjs"
	"github.com/gdupload/taskwatch/internal/taskevent"
)

// destinations collects repeated -sub flags.
type destinations []string

func (d *destinations) String() string     { return strings.Join(*d, ",") }
func (d *destinations) Set(v string) error { *d = append(*d, v); return nil }

func main() {
	var subs destinations
	url := flag.String("url", "http://localhost:8080/ws", "SockJS base URL or ws:// STOMP endpoint")
	flag.Var(&subs, "sub", "destination to subscribe (repeatable)")
	sendTo := flag.String("send", "", "destination to SEND -body to once connected")
	body := flag.String("body", "", "payload for -send")
	transports := flag.String("transports", "websocket,xhr-polling", "SockJS transports in order")
	verbose := flag.Bool("verbose", false, "print raw message bodies")
	flag.Parse()

	if len(subs) == 0 {
		subs = destinations{taskevent.TasksTopic}
	}

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	sockCfg := sockjs.DefaultConfig()
	sockCfg.Transports = strings.Split(*transports, ",")
	transport := sockjs.New(sockCfg, logger)

	handler := func(m connection.Message) error {
		printMessage(m, *verbose)
		return nil
	}

	var client *connection.Client
	cfg := connection.DefaultConfig()
	cfg.Address = *url
	cfg.MaxReconnectAttempts = 10
	cfg.OnEvent = func(ev connection.Event) {
		printEvent(ev)
		// Subscriptions do not survive a reconnect.
		if ev.Kind == connection.EventStateChanged && ev.State == connection.StateConnected {
			for _, dest := range subs {
				if _, err := client.Subscribe(dest, handler); err != nil {
					logger.Warn("subscribe failed", "destination", dest, "error", err)
				}
			}
		}
	}
	client = connection.NewClient(cfg, transport, nil, logger)

	connectCtx, connectCancel := context.WithTimeout(ctx, 2*time.Minute)
	err := client.Connect("").Wait(connectCtx)
	connectCancel()
	if err != nil {
		logger.Error("connect failed", "url", *url, "error", err)
		os.Exit(1)
	}

	if *sendTo != "" {
		if err := client.Send(*sendTo, []byte(*body)); err != nil {
			logger.Error("send failed", "destination", *sendTo, "error", err)
		}
	}

	logger.Info("streaming started - press Ctrl+C to stop", "destinations", []string(subs))

	// Wait for shutdown
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	client.Close(shutdownCtx)

	stats := client.Stats()
	logger.Info("shutdown complete",
		"frames_received", stats.FramesReceived,
		"frames_rejected", stats.FramesRejected,
		"handler_failures", stats.HandlerFailures,
	)
}

func printMessage(m connection.Message, verbose bool) {
	if verbose {
		fmt.Printf("[MESSAGE] sub=%s dest=%s id=%s\n%s\n", m.SubscriptionID, m.Destination, m.MessageID, m.Body)
		return
	}

	ev, err := taskevent.Decode(m.Body)
	if err != nil {
		fmt.Printf("[MESSAGE] dest=%s bytes=%d\n", m.Destination, len(m.Body))
		return
	}

	switch {
	case ev.Progress != nil:
		p := ev.Progress
		fmt.Printf("[PROGRESS] task=%d %d%% files=%d/%d bytes=%d/%d current=%s\n",
			p.TaskID, p.Progress, p.UploadedCount, p.TotalCount, p.UploadedSize, p.TotalSize, p.CurrentFileName)
	case ev.TaskStatus != nil:
		s := ev.TaskStatus
		fmt.Printf("[TASK] task=%d status=%s message=%q at=%s\n", s.TaskID, s.Status, s.Message, s.Timestamp)
	case ev.FileStatus != nil:
		s := ev.FileStatus
		fmt.Printf("[FILE] task=%d file=%d name=%s status=%s message=%q\n",
			s.TaskID, s.FileID, s.FileName, s.Status, s.Message)
	}
}

func printEvent(ev connection.Event) {
	data, _ := json.Marshal(map[string]any{
		"kind":    ev.Kind.String(),
		"state":   ev.State.String(),
		"attempt": ev.Attempt,
	})
	line := string(data)
	if ev.Err != nil {
		line += " error=" + ev.Err.Error()
	}
	fmt.Fprintf(os.Stderr, "[EVENT] %s\n", line)
}
