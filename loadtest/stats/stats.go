// Package stats provides a goroutine-safe metrics collector that aggregates
// performance data from many load test clients and prints a summary report
// with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Series names used by the load test commands.
const (
	SeriesConnect = "Connect Latency"
	SeriesJoin    = "Join Latency"
	SeriesMessage = "Message Latency"
	SeriesOnline  = "Presence Online Latency"
	SeriesOffline = "Presence Offline Latency"
)

// Collector aggregates metrics from many clients. All methods are
// goroutine-safe.
type Collector struct {
	mu          sync.Mutex
	order       []string
	series      map[string][]time.Duration
	counters    map[string]int64
	errors      int
	connections int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a new Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		series:    make(map[string][]time.Duration),
		counters:  make(map[string]int64),
		startTime: time.Now(),
	}
}

// SetScraper attaches a Prometheus metrics scraper. When set, Report also
// prints the server-side metrics it collected.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection with its connect and join
// latencies.
func (c *Collector) AddConnect(connect, join time.Duration) {
	c.mu.Lock()
	c.connections++
	c.observeLocked(SeriesConnect, connect)
	if join > 0 {
		c.observeLocked(SeriesJoin, join)
	}
	c.mu.Unlock()
}

// Observe records one latency sample in the named series.
func (c *Collector) Observe(series string, d time.Duration) {
	c.mu.Lock()
	c.observeLocked(series, d)
	c.mu.Unlock()
}

func (c *Collector) observeLocked(series string, d time.Duration) {
	if _, ok := c.series[series]; !ok {
		c.order = append(c.order, series)
	}
	c.series[series] = append(c.series[series], d)
}

// Inc adds n to the named counter.
func (c *Collector) Inc(counter string, n int64) {
	c.mu.Lock()
	c.counters[counter] += n
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded connections.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the collected metrics to stdout: duration, connection and
// error counts, counters with their rate, and a percentile line per series.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	if len(c.counters) > 0 {
		names := make([]string, 0, len(c.counters))
		for name := range c.counters {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Println()
		for _, name := range names {
			v := c.counters[name]
			fmt.Printf("%-14s %d (%.1f/s)\n", name+":", v, float64(v)/elapsed.Seconds())
		}
	}

	for _, name := range c.order {
		fmt.Printf("\n--- %s ---\n", name)
		fmt.Println("  " + Summarize(c.series[name]).String())
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// Summary is the distribution of a latency series.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

// Summarize sorts durations in place and computes the distribution.
func Summarize(durations []time.Duration) Summary {
	n := len(durations)
	if n == 0 {
		return Summary{}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: percentile(durations, 0.95),
		P99: percentile(durations, 0.99),
		Max: durations[n-1],
	}
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(math.Ceil(float64(len(sorted))*q)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func (s Summary) String() string {
	if s.N == 0 {
		return "no samples"
	}
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}
