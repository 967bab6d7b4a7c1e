package stats

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// trackedGauges maps the server's metric names to report labels. Labelled
// series of the same metric are summed.
var trackedGauges = []struct {
	metric string
	label  string
}{
	{"realtime_connections_total", "Connections"},
	{"realtime_online_users", "Online Users"},
	{"realtime_messages_total", "Messages"},
	{"realtime_typing_signals_total", "Typing Relays"},
	{"realtime_presence_broadcasts_total", "Broadcasts"},
	{"realtime_auth_failures_total", "Auth Failures"},
}

const (
	latencySum   = "realtime_message_latency_seconds_sum"
	latencyCount = "realtime_message_latency_seconds_count"
)

// metricSnapshot holds the value of every tracked metric at a point in time.
type metricSnapshot struct {
	timestamp time.Time
	values    map[string]float64
}

// Scraper periodically fetches the server's Prometheus endpoint and keeps
// snapshots for the final report.
type Scraper struct {
	metricsURL string
	interval   time.Duration

	mu        sync.Mutex
	snapshots []metricSnapshot

	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

// NewScraper creates a Scraper fetching metricsURL every interval.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.scrapeOnce()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce()
				return
			case <-ticker.C:
				s.scrapeOnce()
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce() {
	snap, err := s.fetch()
	if err != nil {
		// The server may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (metricSnapshot, error) {
	resp, err := s.client.Get(s.metricsURL)
	if err != nil {
		return metricSnapshot{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return metricSnapshot{}, fmt.Errorf("metrics endpoint returned %s", resp.Status)
	}
	return parseExposition(bufio.NewScanner(resp.Body))
}

// parseExposition sums the tracked metrics of a Prometheus text exposition.
func parseExposition(scanner *bufio.Scanner) (metricSnapshot, error) {
	snap := metricSnapshot{timestamp: time.Now(), values: make(map[string]float64)}
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, value, ok := parseMetricLine(line)
		if !ok || !strings.HasPrefix(name, "realtime_") {
			continue
		}
		snap.values[name] += value
	}
	return snap, scanner.Err()
}

// parseMetricLine splits "name{labels} value" or "name value" into the bare
// metric name and its value.
func parseMetricLine(line string) (name string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", 0, false
		}
		name = raw[:idx]
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints, per tracked metric, the first, last, delta and peak values
// seen during the run, followed by the average server-side message latency.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := make([]metricSnapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}

	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics (Prometheus) ---")
	fmt.Printf("  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	fmt.Println()
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, g := range trackedGauges {
		initial, final := first.values[g.metric], last.values[g.metric]
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			g.label, initial, final, final-initial, peakValue(snaps, g.metric))
	}

	fmt.Println()
	deltaCount := last.values[latencyCount] - first.values[latencyCount]
	if deltaCount > 0 {
		avg := (last.values[latencySum] - first.values[latencySum]) / deltaCount
		fmt.Printf("  %-16s avg: %.4fs  (%.0f observations)\n", "Msg Latency", avg, deltaCount)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no observations)\n", "Msg Latency")
	}
}

func peakValue(snaps []metricSnapshot, metric string) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		if v := s.values[metric]; v > peak {
			peak = v
		}
	}
	return peak
}
