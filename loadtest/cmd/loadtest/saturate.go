package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/forkful/realtime/loadtest/client"
	"github.com/forkful/realtime/loadtest/stats"
)

// runSaturate opens the requested number of joined connections, ramping up
// over a configurable duration, then holds them open while watching for
// drops. It finds the connection capacity before the server starts rejecting
// or dropping connections.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", "your-secret-key", "JWT secret shared with the server")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)

	// -----------------------------------------------------------------------
	// Ramp-up phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Ramp-up phase ---")

	stopProgress := startProgress(collector, "ramp", *connections, time.Second)
	rampStart := time.Now()
	interrupted := ramp(ctx, *connections, *rampUp, *concurrency, func(i int) {
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		c, err := client.Connect(connCtx, *url, *secret, fmt.Sprintf("load-sat-%d", i))
		if err != nil {
			collector.AddError()
			return
		}
		m := c.GetMetrics()
		collector.AddConnect(m.ConnectLatency, m.JoinLatency)

		mu.Lock()
		clients = append(clients, c)
		mu.Unlock()
	})
	stopProgress()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	// -----------------------------------------------------------------------
	// Hold phase (skipped if ramp-up was interrupted)
	// -----------------------------------------------------------------------
	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")

		mu.Lock()
		initialAlive := len(clients)
		mu.Unlock()
		fmt.Printf("Holding %d connections for %s...\n", initialAlive, *hold)

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
				mu.Lock()
				alive := countAlive(clients)
				mu.Unlock()
				dropped = initialAlive - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initialAlive, dropped)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	closeAll(clients)
	mu.Unlock()
	fmt.Println("All connections closed.")

	scraper.Stop()
	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

// ramp calls launch(i) for i in [0, n), spreading the launches over
// duration with at most concurrency running at once. It returns true if ctx
// was cancelled before every launch started.
func ramp(ctx context.Context, n int, duration time.Duration, concurrency int, launch func(i int)) bool {
	interval := duration / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
	for i := 0; i < n && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			interrupted = true
		case <-ticker.C:
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				launch(i)
			}(i)
			i++
		}
	}

	wg.Wait()
	return interrupted
}

// startProgress prints the connection count every interval until the
// returned function is called.
func startProgress(collector *stats.Collector, phase string, target int, interval time.Duration) func() {
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
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
					phase, current, target, collector.ErrorCount(), rate)
				lastCount = current
				lastTime = now
			case <-stopCh:
				return
			}
		}
	}()
	return func() {
		close(stopCh)
		wg.Wait()
	}
}

func countAlive(clients []*client.Client) int {
	alive := 0
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			alive++
		}
	}
	return alive
}

func closeAll(clients []*client.Client) {
	for _, c := range clients {
		c.Close()
	}
}
