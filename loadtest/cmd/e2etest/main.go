// Package main implements a standalone end-to-end integration test for the
// Pairline server. It validates the full user journey against a running
// stack: health checks, WebSocket handshake, partner search, pairing,
// message relay, skip, disconnect cascade, and rate limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pairline/chat-app/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Pairline E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	// Run scenarios sequentially.
	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2ConnectHandshake(ctx, *wsURL))

	// Scenarios 3-5 share a paired couple; run them as a group.
	s3, s4, s5 := scenario345PairChatSkip(ctx, *wsURL)
	results = append(results, s3, s4, s5)

	results = append(results, scenario6DisconnectCascade(ctx, *wsURL))

	// Optional scenario (non-fatal).
	results = append(results, scenario7RateLimiting(ctx, *wsURL))

	// -----------------------------------------------------------------------
	// Summary
	// -----------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	// 1a. /health — expect JSON with a status field.
	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var healthResp struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(body, &healthResp); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if healthResp.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status=%q", healthResp.Status)}
	}

	// 1b. /metrics — expect Prometheus text with pairline_connections_total.
	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "pairline_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing pairline_connections_total"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("connections=%d", healthResp.Connections)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and Handshake
// ---------------------------------------------------------------------------

func scenario2ConnectHandshake(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 2: Connect and Handshake"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	clientA, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A connect: %v", err)}
	}
	defer clientA.Close()

	clientB, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B connect: %v", err)}
	}
	defer clientB.Close()

	if err := clientA.WaitForSession(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A session: %v", err)}
	}
	if err := clientB.WaitForSession(connCtx); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B session: %v", err)}
	}

	sidA := clientA.SessionID()
	sidB := clientB.SessionID()
	if sidA == "" || sidB == "" {
		return scenarioResult{name, resultFail, "empty session ID"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("session_a=%s, session_b=%s", truncateID(sidA), truncateID(sidB))}
}

// ---------------------------------------------------------------------------
// Scenarios 3, 4, 5: Pairing Flow, Message Relay, Skip
// ---------------------------------------------------------------------------

// pairUp connects two fresh clients and drives them through the full pairing
// flow: A searches, is proposed B (the only other available session), and
// connects. It returns both clients and the room id.
func pairUp(ctx context.Context, wsURL string) (a, b *client.Client, roomID string, err error) {
	connCtx, connCancel := context.WithTimeout(ctx, 15*time.Second)
	defer connCancel()

	a, err = client.New(connCtx, wsURL)
	if err != nil {
		return nil, nil, "", fmt.Errorf("client A connect: %w", err)
	}
	b, err = client.New(connCtx, wsURL)
	if err != nil {
		a.Close()
		return nil, nil, "", fmt.Errorf("client B connect: %w", err)
	}
	if err = a.WaitForSession(connCtx); err != nil {
		a.Close()
		b.Close()
		return nil, nil, "", fmt.Errorf("client A session: %w", err)
	}
	if err = b.WaitForSession(connCtx); err != nil {
		a.Close()
		b.Close()
		return nil, nil, "", fmt.Errorf("client B session: %w", err)
	}

	matchedA := make(chan string, 1)
	matchedB := make(chan string, 1)

	a.On(client.TypePotentialPartner, func(raw json.RawMessage) {
		var msg struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil && msg.ID != "" {
			_ = a.Send(map[string]string{
				"type":      client.TypeConnectPartner,
				"partnerId": msg.ID,
			})
		}
	})
	a.On(client.TypeMatchSuccess, func(raw json.RawMessage) {
		var msg struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case matchedA <- msg.RoomID:
			default:
			}
		}
	})
	b.On(client.TypeMatchSuccess, func(raw json.RawMessage) {
		var msg struct {
			RoomID string `json:"roomId"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case matchedB <- msg.RoomID:
			default:
			}
		}
	})

	if err = a.Send(map[string]string{"type": client.TypeFindPartner}); err != nil {
		a.Close()
		b.Close()
		return nil, nil, "", fmt.Errorf("find-partner: %w", err)
	}

	var roomA, roomB string
	for roomA == "" || roomB == "" {
		select {
		case roomA = <-matchedA:
		case roomB = <-matchedB:
		case <-connCtx.Done():
			a.Close()
			b.Close()
			return nil, nil, "", fmt.Errorf("timed out waiting for match-success")
		}
	}
	if roomA != roomB {
		a.Close()
		b.Close()
		return nil, nil, "", fmt.Errorf("room id mismatch: %s vs %s", roomA, roomB)
	}

	return a, b, roomA, nil
}

func scenario345PairChatSkip(ctx context.Context, wsURL string) (s3, s4, s5 scenarioResult) {
	name3 := "Scenario 3: Pairing Flow"
	name4 := "Scenario 4: Message Relay"
	name5 := "Scenario 5: Skip Partner"

	a, b, roomID, err := pairUp(ctx, wsURL)
	if err != nil {
		fail := scenarioResult{name3, resultFail, err.Error()}
		skip4 := scenarioResult{name4, resultFail, "skipped: pairing failed"}
		skip5 := scenarioResult{name5, resultFail, "skipped: pairing failed"}
		return fail, skip4, skip5
	}
	defer a.Close()
	defer b.Close()

	s3 = scenarioResult{name3, resultPass, fmt.Sprintf("room=%s", truncateID(roomID))}

	// --- Scenario 4: A sends a message, B receives it, A gets no echo. ---
	received := make(chan string, 1)
	b.On(client.TypeMessage, func(raw json.RawMessage) {
		var msg struct {
			SenderID string `json:"senderId"`
			Message  string `json:"message"`
		}
		if err := json.Unmarshal(raw, &msg); err == nil {
			select {
			case received <- msg.Message:
			default:
			}
		}
	})
	echoed := make(chan struct{}, 1)
	a.On(client.TypeMessage, func(json.RawMessage) {
		select {
		case echoed <- struct{}{}:
		default:
		}
	})

	const text = "hello from e2e"
	if err := a.Send(map[string]interface{}{
		"type":    client.TypeMessage,
		"roomId":  roomID,
		"message": text,
	}); err != nil {
		s4 = scenarioResult{name4, resultFail, fmt.Sprintf("send: %v", err)}
	} else {
		select {
		case got := <-received:
			if got != text {
				s4 = scenarioResult{name4, resultFail, fmt.Sprintf("payload mangled: %q", got)}
			} else {
				select {
				case <-echoed:
					s4 = scenarioResult{name4, resultFail, "sender received its own message"}
				case <-time.After(500 * time.Millisecond):
					s4 = scenarioResult{name4, resultPass, ""}
				}
			}
		case <-time.After(10 * time.Second):
			s4 = scenarioResult{name4, resultFail, "timed out waiting for relayed message"}
		}
	}

	// --- Scenario 5: A skips B; A gets skip-success, B gets partner-disconnected. ---
	skipOK := make(chan struct{}, 1)
	partnerGone := make(chan struct{}, 1)
	a.On(client.TypeSkipSuccess, func(json.RawMessage) {
		select {
		case skipOK <- struct{}{}:
		default:
		}
	})
	b.On(client.TypePartnerDisconnected, func(json.RawMessage) {
		select {
		case partnerGone <- struct{}{}:
		default:
		}
	})

	if err := a.Send(map[string]string{
		"type":      client.TypeSkipPartner,
		"skippedId": b.SessionID(),
	}); err != nil {
		s5 = scenarioResult{name5, resultFail, fmt.Sprintf("send: %v", err)}
		return s3, s4, s5
	}

	deadline := time.After(10 * time.Second)
	gotSkip, gotGone := false, false
	for !gotSkip || !gotGone {
		select {
		case <-skipOK:
			gotSkip = true
		case <-partnerGone:
			gotGone = true
		case <-deadline:
			s5 = scenarioResult{name5, resultFail,
				fmt.Sprintf("timed out (skip-success=%v, partner-disconnected=%v)", gotSkip, gotGone)}
			return s3, s4, s5
		}
	}
	s5 = scenarioResult{name5, resultPass, ""}

	return s3, s4, s5
}

// ---------------------------------------------------------------------------
// Scenario 6: Disconnect Cascade
// ---------------------------------------------------------------------------

func scenario6DisconnectCascade(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 6: Disconnect Cascade"

	a, b, _, err := pairUp(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer b.Close()

	partnerGone := make(chan struct{}, 1)
	b.On(client.TypePartnerDisconnected, func(json.RawMessage) {
		select {
		case partnerGone <- struct{}{}:
		default:
		}
	})

	// A drops the connection; B must be told its partner left.
	a.Close()

	select {
	case <-partnerGone:
		return scenarioResult{name, resultPass, ""}
	case <-time.After(10 * time.Second):
		return scenarioResult{name, resultFail, "timed out waiting for partner-disconnected"}
	}
}

// ---------------------------------------------------------------------------
// Scenario 7: Rate Limiting (optional)
// ---------------------------------------------------------------------------

func scenario7RateLimiting(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 7: Rate Limiting"

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()

	c, err := client.New(connCtx, wsURL)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("connect: %v", err)}
	}
	defer c.Close()
	if err := c.WaitForSession(connCtx); err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("session: %v", err)}
	}

	limited := make(chan struct{}, 1)
	c.On(client.TypeRateLimited, func(json.RawMessage) {
		select {
		case limited <- struct{}{}:
		default:
		}
	})

	// Fire well past the find-partner budget.
	for i := 0; i < 30; i++ {
		_ = c.Send(map[string]string{"type": client.TypeFindPartner})
	}

	select {
	case <-limited:
		return scenarioResult{name, resultPass, ""}
	case <-time.After(5 * time.Second):
		return scenarioResult{name, resultInfo, "no rate-limited response (limiter may be disabled)"}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
