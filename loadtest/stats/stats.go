// Package stats provides a goroutine-safe metrics collector that aggregates
// performance data from many concurrent chat clients and prints a summary
// report with percentile distributions.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates measurements from load test clients. All methods are
// goroutine-safe.
type Collector struct {
	mu               sync.Mutex
	connectLatencies []time.Duration
	ackLatencies     []time.Duration // send_message -> message_sent round trip
	deliveries       int             // message_new frames observed
	typingUpdates    int
	presenceUpdates  int
	errors           int
	connections      int
	startTime        time.Time
	scraper          *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a Prometheus scraper; Report then includes server-side
// metrics alongside the client-side measurements.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records a successful connection with its connect latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connectLatencies = append(c.connectLatencies, d)
	c.connections++
	c.mu.Unlock()
}

// AddAckLatency records the round trip from message submission to the
// message_sent acknowledgment.
func (c *Collector) AddAckLatency(d time.Duration) {
	c.mu.Lock()
	c.ackLatencies = append(c.ackLatencies, d)
	c.mu.Unlock()
}

// AddDelivery counts a message_new frame observed at a counterpart.
func (c *Collector) AddDelivery() {
	c.mu.Lock()
	c.deliveries++
	c.mu.Unlock()
}

// AddTypingUpdate counts a typing_update frame observed at a counterpart.
func (c *Collector) AddTypingUpdate() {
	c.mu.Lock()
	c.typingUpdates++
	c.mu.Unlock()
}

// AddPresenceUpdate counts a presence_update frame.
func (c *Collector) AddPresenceUpdate() {
	c.mu.Lock()
	c.presenceUpdates++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// AckCount returns the number of acknowledged messages so far.
func (c *Collector) AckCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ackLatencies)
}

// ErrorCount returns the number of recorded errors.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints a formatted summary: duration, connections, frame counts, and
// percentile distributions for connect and acknowledgment latencies.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Chat Load Test Results ===")
	fmt.Printf("Duration:         %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:      %d\n", c.connections)
	fmt.Printf("Messages acked:   %d\n", len(c.ackLatencies))
	fmt.Printf("Deliveries seen:  %d\n", c.deliveries)
	fmt.Printf("Typing updates:   %d\n", c.typingUpdates)
	fmt.Printf("Presence updates: %d\n", c.presenceUpdates)
	fmt.Printf("Errors:           %d\n", c.errors)

	if secs := elapsed.Seconds(); secs > 0 && len(c.ackLatencies) > 0 {
		fmt.Printf("Throughput:       %.1f msg/s\n", float64(len(c.ackLatencies))/secs)
	}

	if len(c.connectLatencies) > 0 {
		fmt.Println("\n--- Connect Latency ---")
		printPercentiles(c.connectLatencies)
	}

	if len(c.ackLatencies) > 0 {
		fmt.Println("\n--- Acknowledgment Latency ---")
		printPercentiles(c.ackLatencies)
	}

	if c.scraper != nil {
		c.scraper.Report()
	}

	fmt.Println()
}

// printPercentiles sorts the durations and prints avg, p50, p95, p99 and max
// along with the sample count.
func printPercentiles(durations []time.Duration) {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
