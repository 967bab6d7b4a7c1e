package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/forkful/realtime/loadtest/client"
	"github.com/forkful/realtime/loadtest/stats"
)

// runChat connects pairs of users and has both sides of every pair send
// direct messages to each other at a fixed interval. The send timestamp is
// embedded in the message text so the receiving side can record the
// end-to-end latency, which includes persistence.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", "your-secret-key", "JWT secret shared with the server")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Approximate size of each message in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: connect every user
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	run := strconv.FormatInt(time.Now().Unix(), 36)
	clients := make([]*client.Client, totalClients)

	stopProgress := startProgress(collector, "connect", totalClients, 2*time.Second)
	interrupted := ramp(ctx, totalClients, *rampUp, *concurrency, func(i int) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := client.Connect(connCtx, *url, *secret, fmt.Sprintf("load-chat-%s-%d", run, i))
		if err != nil {
			collector.AddError()
			return
		}
		m := c.GetMetrics()
		collector.AddConnect(m.ConnectLatency, m.JoinLatency)
		clients[i] = c
	})
	stopProgress()

	if interrupted {
		closePairs(clients)
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: exchange messages
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Exchange messages ---")

	var sent, received, rejected atomic.Int64
	padding := strings.Repeat("x", max(*msgSize-32, 0))

	chatCtx, cancel := context.WithTimeout(ctx, *chatDuration)
	defer cancel()

	var wg sync.WaitGroup
	for p := 0; p < *pairs; p++ {
		a, b := clients[2*p], clients[2*p+1]
		if a == nil || b == nil {
			continue
		}
		for _, c := range []*client.Client{a, b} {
			c.On(client.EventReceiveMessage, func(raw json.RawMessage) {
				received.Add(1)
				var msg client.Message
				if err := json.Unmarshal(raw, &msg); err != nil {
					return
				}
				if sentAt, ok := parseSentAt(msg.Message); ok {
					collector.Observe(stats.SeriesMessage, time.Since(sentAt))
				}
			})
			c.On(client.EventError, func(json.RawMessage) {
				rejected.Add(1)
			})
		}

		wg.Add(2)
		go chatLoop(chatCtx, &wg, a, b.UserID(), *msgInterval, padding, &sent, collector)
		go chatLoop(chatCtx, &wg, b, a.UserID(), *msgInterval, padding, &sent, collector)
	}

	statusTicker := time.NewTicker(5 * time.Second)
	go func() {
		for {
			select {
			case <-chatCtx.Done():
				return
			case <-statusTicker.C:
				fmt.Printf("  [chat] sent: %d  received: %d  rejected: %d\n",
					sent.Load(), received.Load(), rejected.Load())
			}
		}
	}()

	wg.Wait()
	statusTicker.Stop()

	// Give in-flight deliveries a moment to arrive.
	time.Sleep(time.Second)

	// -----------------------------------------------------------------------
	// Cleanup and report
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	closePairs(clients)
	scraper.Stop()

	collector.Inc("Sent", sent.Load())
	collector.Inc("Received", received.Load())
	collector.Inc("Rejected", rejected.Load())
	collector.Report()
}

// chatLoop sends a message from c to peer every interval until ctx ends.
func chatLoop(ctx context.Context, wg *sync.WaitGroup, c *client.Client, peer string, interval time.Duration, padding string, sent *atomic.Int64, collector *stats.Collector) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			collector.AddError()
			return
		case <-ticker.C:
			text := formatSentAt(time.Now()) + " " + padding
			if err := c.SendMessage(peer, text); err != nil {
				collector.AddError()
				return
			}
			sent.Add(1)
		}
	}
}

// formatSentAt and parseSentAt carry the send time in the message text.
func formatSentAt(t time.Time) string {
	return "t=" + strconv.FormatInt(t.UnixNano(), 10)
}

func parseSentAt(text string) (time.Time, bool) {
	field, _, _ := strings.Cut(text, " ")
	raw, ok := strings.CutPrefix(field, "t=")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

func closePairs(clients []*client.Client) {
	for _, c := range clients {
		if c != nil {
			c.Close()
		}
	}
}
