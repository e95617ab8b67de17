package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pairline/chat-app/loadtest/client"
	"github.com/pairline/chat-app/loadtest/stats"
)

// runPair implements the pairing flow load test. It creates pairs of
// simulated users who connect, search for a partner, connect to the proposed
// candidate, and exchange chat messages through their room. This test
// measures pairing throughput and message relay latency under concurrent
// load.
func runPair(args []string) {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of user pairs to form")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout waiting for match-success")
	messages := fs.Int("messages", 5, "Chat messages each client sends after pairing")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Pair test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, messages=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *matchTimeout, *messages, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Slice to track all open connections for cleanup.
	var mu sync.Mutex
	clients := make([]*client.Client, 0, totalClients)

	// Track whether ramp-up was interrupted so we can skip the pairing phase.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, totalClients, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < totalClients {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = totalClients // Break the loop.
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url)
				if err != nil {
					collector.AddError()
					return
				}

				if err := c.WaitForSession(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	mu.Lock()
	connectedCount := len(clients)
	mu.Unlock()
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		connectedCount, totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted — skipping pairing phases.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — Pair up: find-partner, connect-to-partner, retry on failure
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Pairing ---")

	var matchedCount atomic.Int64   // clients that received match-success
	var relayedCount atomic.Int64   // chat messages received by partners
	var pairingErrors atomic.Int64  // clients that never got paired

	mu.Lock()
	activeClients := make([]*client.Client, len(clients))
	copy(activeClients, clients)
	mu.Unlock()

	fmt.Printf("Sending find-partner from %d clients...\n", len(activeClients))

	var pairWg sync.WaitGroup
	pairStart := time.Now()

	for _, c := range activeClients {
		c := c // capture loop variable
		pairWg.Add(1)

		matchDone := make(chan string, 1) // delivers the room id
		retry := make(chan struct{}, 1)

		signalRetry := func() {
			select {
			case retry <- struct{}{}:
			default:
			}
		}

		// A proposed candidate: immediately try to connect.
		c.On(client.TypePotentialPartner, func(raw json.RawMessage) {
			var msg struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == "" {
				signalRetry()
				return
			}
			_ = c.Send(map[string]string{
				"type":      client.TypeConnectPartner,
				"partnerId": msg.ID,
			})
		})

		// Paired — record latency and hand the room id to the goroutine.
		c.On(client.TypeMatchSuccess, func(raw json.RawMessage) {
			var msg struct {
				RoomID string `json:"roomId"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				return
			}
			collector.AddMsgLatency(time.Since(pairStart))
			matchedCount.Add(1)
			select {
			case matchDone <- msg.RoomID:
			default:
			}
		})

		// Both outcomes mean "search again": no candidate right now, or the
		// candidate got paired by someone else first.
		c.On(client.TypeNoPartnersAvailable, func(json.RawMessage) { signalRetry() })
		c.On(client.TypeMatchFailed, func(json.RawMessage) { signalRetry() })

		// Relayed chat messages carry the send timestamp for latency tracking.
		c.On(client.TypeMessage, func(raw json.RawMessage) {
			var msg struct {
				Message struct {
					SentAt int64 `json:"sentAt"`
				} `json:"message"`
			}
			if err := json.Unmarshal(raw, &msg); err == nil && msg.Message.SentAt > 0 {
				latency := time.Since(time.Unix(0, msg.Message.SentAt))
				collector.AddMsgLatency(latency)
			}
			relayedCount.Add(1)
		})

		go func() {
			defer pairWg.Done()

			timeoutTimer := time.NewTimer(*matchTimeout)
			defer timeoutTimer.Stop()

			_ = c.Send(map[string]string{"type": client.TypeFindPartner})

			var roomID string
		pairLoop:
			for {
				select {
				case roomID = <-matchDone:
					break pairLoop
				case <-retry:
					// Back off briefly so the whole fleet doesn't hammer the
					// matcher in lockstep.
					time.Sleep(time.Duration(50+rand.Intn(200)) * time.Millisecond)
					_ = c.Send(map[string]string{"type": client.TypeFindPartner})
				case <-timeoutTimer.C:
					pairingErrors.Add(1)
					collector.AddError()
					return
				case <-ctx.Done():
					return
				}
			}

			// Messaging phase: exchange chat payloads through the room.
			for i := 0; i < *messages; i++ {
				err := c.Send(map[string]interface{}{
					"type":   client.TypeMessage,
					"roomId": roomID,
					"message": map[string]interface{}{
						"text":   fmt.Sprintf("msg %d from %s", i, c.SessionID()),
						"sentAt": time.Now().UnixNano(),
					},
				})
				if err != nil {
					collector.AddError()
					return
				}
				time.Sleep(100 * time.Millisecond)
			}
		}()
	}

	// Progress reporting while pairing and chatting.
	pairProgressStop := make(chan struct{})
	var pairProgressWg sync.WaitGroup
	pairProgressWg.Add(1)
	go func() {
		defer pairProgressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [pair] matched: %d/%d  relayed: %d  errors: %d\n",
					matchedCount.Load(), len(activeClients), relayedCount.Load(), collector.ErrorCount())
			case <-pairProgressStop:
				return
			}
		}
	}()

	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-ctx.Done():
		fmt.Println("\nInterrupted during pairing phase.")
	}

	close(pairProgressStop)
	pairProgressWg.Wait()

	// Let in-flight relayed messages drain before tearing down.
	time.Sleep(500 * time.Millisecond)

	pairElapsed := time.Since(pairStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	finalMatched := matchedCount.Load()
	successfulPairs := finalMatched / 2

	fmt.Printf("\n--- Pair Results ---\n")
	fmt.Printf("Successful pairs:   %d / %d\n", successfulPairs, *pairs)
	fmt.Printf("Clients matched:    %d / %d\n", finalMatched, len(activeClients))
	fmt.Printf("Messages relayed:   %d\n", relayedCount.Load())
	fmt.Printf("Pairing timeouts:   %d\n", pairingErrors.Load())
	fmt.Printf("Pair duration:      %s\n", pairElapsed.Round(time.Millisecond))
	if pairElapsed.Seconds() > 0 {
		fmt.Printf("Pair throughput:    %.1f pairs/s\n", float64(successfulPairs)/pairElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// cleanup closes all client connections.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	total := len(clients)
	fmt.Printf("Closing %d connections...\n", total)
	for _, c := range clients {
		c.Close()
	}
	mu.Unlock()
	fmt.Println("All connections closed.")
}
