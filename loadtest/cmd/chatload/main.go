// chatload drives the chat server with pairs of real client connections and
// reports end-to-end latencies alongside server-side Prometheus metrics.
//
// Each line of the pairs file describes one conversation to exercise:
//
//	<tokenA> <tokenB> <conversationID>
//
// Tokens must already exist in Redis and the conversation in PostgreSQL;
// seeding both is deployment-specific and left to the operator.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kindred/chat-app/internal/client"
	"github.com/kindred/chat-app/internal/protocol"
	"github.com/kindred/chat-app/loadtest/stats"
)

type pair struct {
	tokenA         string
	tokenB         string
	conversationID string
}

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/ws", "WebSocket endpoint")
		metrics  = flag.String("metrics", "http://localhost:8080/metrics", "Prometheus endpoint to scrape (empty disables)")
		pairsLoc = flag.String("pairs", "pairs.txt", "file with 'tokenA tokenB conversationID' lines")
		duration = flag.Duration("duration", 30*time.Second, "test duration")
		interval = flag.Duration("interval", time.Second, "delay between messages per sender")
		typing   = flag.Bool("typing", true, "send a typing indicator before each message")
	)
	flag.Parse()

	pairs, err := loadPairs(*pairsLoc)
	if err != nil {
		log.Fatalf("load pairs: %v", err)
	}
	if len(pairs) == 0 {
		log.Fatalf("no pairs in %s", *pairsLoc)
	}

	collector := stats.NewCollector()
	if *metrics != "" {
		scraper := stats.NewScraper(*metrics, 2*time.Second)
		scraper.Start(context.Background())
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	log.Printf("chatload: %d pairs against %s for %s", len(pairs), *url, *duration)

	var wg sync.WaitGroup
	var clients []*client.Client
	var clientsMu sync.Mutex

	for i, p := range pairs {
		wg.Add(1)
		go func(i int, p pair) {
			defer wg.Done()
			a, b, err := connectPair(ctx, *url, p, collector)
			if err != nil {
				log.Printf("pair %d: %v", i, err)
				collector.AddError()
				return
			}
			clientsMu.Lock()
			clients = append(clients, a, b)
			clientsMu.Unlock()

			runSender(ctx, a, p.conversationID, *interval, *typing, collector)
		}(i, p)
	}

	wg.Wait()
	cancel()

	clientsMu.Lock()
	for _, c := range clients {
		_ = c.Disconnect()
	}
	clientsMu.Unlock()

	collector.Report()
	if collector.ErrorCount() > 0 {
		os.Exit(1)
	}
}

// connectPair connects both participants and wires their frame counters.
func connectPair(ctx context.Context, url string, p pair, collector *stats.Collector) (*client.Client, *client.Client, error) {
	a, err := connectOne(ctx, url, p.tokenA, collector)
	if err != nil {
		return nil, nil, fmt.Errorf("participant a: %w", err)
	}
	b, err := connectOne(ctx, url, p.tokenB, collector)
	if err != nil {
		_ = a.Disconnect()
		return nil, nil, fmt.Errorf("participant b: %w", err)
	}

	b.OnMessageNew(func(protocol.MessageNewPayload) { collector.AddDelivery() })
	b.OnTypingUpdate(func(protocol.TypingUpdatePayload) { collector.AddTypingUpdate() })
	for _, c := range []*client.Client{a, b} {
		c.OnPresenceUpdate(func(protocol.PresenceUpdatePayload) { collector.AddPresenceUpdate() })
	}
	return a, b, nil
}

func connectOne(ctx context.Context, url, token string, collector *stats.Collector) (*client.Client, error) {
	c := client.New(client.Config{URL: url, Token: token})
	start := time.Now()
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	collector.AddConnect(time.Since(start))
	return c, nil
}

// runSender submits messages on a fixed cadence until the context ends,
// recording the submit-to-acknowledgment round trip per tempId.
func runSender(ctx context.Context, c *client.Client, conversationID string, interval time.Duration, typing bool, collector *stats.Collector) {
	var mu sync.Mutex
	sentAt := make(map[string]time.Time)

	unsub := c.OnMessageSent(func(p protocol.MessageSentPayload) {
		mu.Lock()
		start, ok := sentAt[p.TempID]
		delete(sentAt, p.TempID)
		mu.Unlock()
		if ok {
			collector.AddAckLatency(time.Since(start))
		}
	})
	defer unsub()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if typing {
				_ = c.SetTyping(conversationID, true)
			}
			n++
			start := time.Now()
			tempID, err := c.SendMessage(conversationID, fmt.Sprintf("load message %d", n), "")
			if err != nil {
				collector.AddError()
				continue
			}
			mu.Lock()
			sentAt[tempID] = start
			mu.Unlock()
		}
	}
}

// loadPairs reads the pairs file, skipping blank lines and # comments.
func loadPairs(path string) ([]pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pairs []pair
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed line %q (want 'tokenA tokenB conversationID')", line)
		}
		pairs = append(pairs, pair{tokenA: fields[0], tokenB: fields[1], conversationID: fields[2]})
	}
	return pairs, scanner.Err()
}
