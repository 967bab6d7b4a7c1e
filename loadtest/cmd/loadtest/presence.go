package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/forkful/realtime/loadtest/client"
	"github.com/forkful/realtime/loadtest/stats"
)

// runPresence keeps one observer connected while workers repeatedly bring a
// user online and take it offline again. For every transition it records how
// long it took until the observer's onlineUsers snapshot reflected it.
func runPresence(args []string) {
	fs := flag.NewFlagSet("presence", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", "your-secret-key", "JWT secret shared with the server")
	workers := fs.Int("workers", 20, "Number of concurrently churning users")
	cycles := fs.Int("cycles", 10, "Online/offline cycles per worker")
	settle := fs.Duration("settle", 10*time.Second, "Maximum wait for a transition to be observed")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Presence test: %d workers x %d cycles against %s\n", *workers, *cycles, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	run := strconv.FormatInt(time.Now().Unix(), 36)
	watch := newWatcher()

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	observer, err := client.New(connCtx, *url)
	cancel()
	if err != nil {
		fmt.Printf("observer dial failed: %v\n", err)
		return
	}
	defer observer.Close()

	observer.On(client.EventOnlineUsers, func(raw json.RawMessage) {
		var users []string
		if err := json.Unmarshal(raw, &users); err == nil {
			watch.update(users)
		}
	})

	token, err := client.Token(*secret, "load-observer-"+run, time.Hour)
	if err != nil {
		fmt.Printf("token: %v\n", err)
		return
	}
	if err := observer.Join("load-observer-"+run, token); err != nil {
		fmt.Printf("observer join failed: %v\n", err)
		return
	}
	if err := observer.WaitForJoin(ctx); err != nil {
		fmt.Printf("observer join failed: %v\n", err)
		return
	}

	var wg sync.WaitGroup
	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			userID := fmt.Sprintf("load-presence-%s-%d", run, w)

			for i := 0; i < *cycles && ctx.Err() == nil; i++ {
				start := time.Now()
				c, err := client.Connect(ctx, *url, *secret, userID)
				if err != nil {
					collector.AddError()
					return
				}
				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency, m.JoinLatency)

				if watch.wait(ctx, userID, true, *settle) {
					collector.Observe(stats.SeriesOnline, time.Since(start))
				} else {
					collector.AddError()
				}

				start = time.Now()
				c.Close()
				if watch.wait(ctx, userID, false, *settle) {
					collector.Observe(stats.SeriesOffline, time.Since(start))
				} else {
					collector.AddError()
				}
			}
		}(w)
	}
	wg.Wait()

	scraper.Stop()
	collector.Inc("Snapshots", watch.snapshots())
	collector.Report()
}

// watcher tracks the observer's latest online set.
type watcher struct {
	mu     sync.Mutex
	online map[string]bool
	count  int64
	change chan struct{}
}

func newWatcher() *watcher {
	return &watcher{online: make(map[string]bool), change: make(chan struct{})}
}

func (w *watcher) update(users []string) {
	w.mu.Lock()
	w.online = make(map[string]bool, len(users))
	for _, u := range users {
		w.online[u] = true
	}
	w.count++
	close(w.change)
	w.change = make(chan struct{})
	w.mu.Unlock()
}

// wait blocks until userID's presence equals online or timeout elapses.
func (w *watcher) wait(ctx context.Context, userID string, online bool, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		w.mu.Lock()
		reached := w.online[userID] == online
		change := w.change
		w.mu.Unlock()

		if reached {
			return true
		}
		select {
		case <-change:
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (w *watcher) snapshots() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
