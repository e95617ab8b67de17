// Package room implements the room coordinator: it forms two-party rooms by
// pairing sessions, unwinds pairings on skip and disconnect, and drives the
// partner search flow. All state transitions run through the presence
// registry's atomic operations, so a pairing is never observable half-made.
package room

import (
	"context"
	"log"
	"time"

	"github.com/pairline/chat-app/internal/audit"
	"github.com/pairline/chat-app/internal/matching"
	"github.com/pairline/chat-app/internal/metrics"
	"github.com/pairline/chat-app/internal/presence"
	"github.com/pairline/chat-app/internal/protocol"
)

// auditTimeout bounds the audit database calls so a slow Postgres cannot
// stall the event path.
const auditTimeout = 3 * time.Second

// churnThreshold is the hourly pairing count at which a skipping session is
// flagged in the log for the operators.
const churnThreshold = 20

// RoomID derives the relay addressing key for a pair of sessions. The two
// ids are sorted before joining, so both members compute the same room id
// regardless of who initiated the pairing.
func RoomID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// Rooms is the relay surface the coordinator needs: joining both members
// into a room on pairing and tearing the room down on unwind.
type Rooms interface {
	Join(roomID string, memberIDs ...string) error
	Destroy(roomID string)
}

// Notifier delivers a raw frame to a connected session. Implemented by
// ws.Server.
type Notifier interface {
	SendMessage(sessionID string, data []byte) error
}

// Coordinator owns the pair/skip/unpair/disconnect lifecycle.
type Coordinator struct {
	store  *presence.Store
	rooms  Rooms
	notify Notifier
	audit  *audit.Store // nil-safe; no-op when auditing is disabled
}

// NewCoordinator creates a coordinator over the given registry and relay.
// The notifier may be nil at construction time and assigned later with
// SetNotifier (the WebSocket server is built after the coordinator because
// it needs the message dispatcher).
func NewCoordinator(store *presence.Store, rooms Rooms, notify Notifier, auditLog *audit.Store) *Coordinator {
	return &Coordinator{
		store:  store,
		rooms:  rooms,
		notify: notify,
		audit:  auditLog,
	}
}

// SetNotifier assigns the outbound event sink.
func (c *Coordinator) SetNotifier(notify Notifier) {
	c.notify = notify
}

// FindPartner runs the partner search flow for the session: scan the
// registry for the first eligible candidate and propose it, or report that
// no partner is available and park the session in the Searching state. An
// unregistered session is a no-op — nothing is emitted.
func (c *Coordinator) FindPartner(sessionID string) {
	if _, ok := c.store.Get(sessionID); !ok {
		return
	}

	searchStart := time.Now()
	candidate, ok := matching.FindCandidate(c.store, sessionID)
	metrics.MatchSearchSeconds.Observe(time.Since(searchStart).Seconds())
	if !ok {
		c.store.SetSearching(sessionID)
		metrics.SearchOutcomes.WithLabelValues("none").Inc()
		c.send(sessionID, protocol.TypeNoPartnersAvailable, protocol.NoPartnersMsg{})
		return
	}

	metrics.SearchOutcomes.WithLabelValues("candidate").Inc()
	c.send(sessionID, protocol.TypePotentialPartner, protocol.PotentialPartnerMsg{
		ID:       candidate.ID,
		Username: candidate.DisplayName,
	})
}

// TryPair atomically pairs the requester with the candidate, joins both into
// a freshly derived room, and announces the match to both members. On
// precondition failure (either side gone, already paired, or
// self-referencing) the registry is left untouched, nothing is emitted, and
// the error is returned for the caller to surface to the requester only.
func (c *Coordinator) TryPair(requesterID, candidateID string) error {
	if err := c.store.Pair(requesterID, candidateID); err != nil {
		metrics.MatchFailuresTotal.Inc()
		return err
	}

	roomID := RoomID(requesterID, candidateID)
	if err := c.rooms.Join(roomID, requesterID, candidateID); err != nil {
		// Without a working room the pairing is useless; tear down whatever
		// half-joined and return both sessions to the pool.
		log.Printf("[room] join failed for room %s: %v", roomID, err)
		c.rooms.Destroy(roomID)
		c.store.Unpair(requesterID)
		metrics.MatchFailuresTotal.Inc()
		return err
	}

	requester, _ := c.store.Get(requesterID)
	candidate, _ := c.store.Get(candidateID)
	msg := protocol.MatchSuccessMsg{
		RoomID: roomID,
		Users: []protocol.RoomUser{
			{ID: requester.ID, Username: requester.DisplayName},
			{ID: candidate.ID, Username: candidate.DisplayName},
		},
	}
	c.send(requesterID, protocol.TypeMatchSuccess, msg)
	c.send(candidateID, protocol.TypeMatchSuccess, msg)

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := c.audit.PairStarted(ctx, roomID, requesterID, candidateID); err != nil {
		log.Printf("[room] audit pairing %s: %v", roomID, err)
	}

	metrics.MatchesTotal.Inc()
	metrics.ActiveRooms.Inc()
	log.Printf("[room] paired %s and %s in room %s", requesterID, candidateID, roomID)
	return nil
}

// Skip records that the session refuses targetID forever, unwinds any
// current pairing, moves the session back to Searching, confirms the skip,
// and immediately re-runs the find flow on the session's behalf. Skipping
// from an unregistered session is a no-op.
func (c *Coordinator) Skip(sessionID, targetID string) {
	if _, ok := c.store.Get(sessionID); !ok {
		return
	}

	c.store.AddExclusion(sessionID, targetID)
	c.unwind(sessionID, audit.ReasonSkip)
	c.store.SetSearching(sessionID)
	metrics.SkipsTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	if n, err := c.audit.CountRecent(ctx, sessionID, "1 hour"); err != nil {
		log.Printf("[room] audit count for %s: %v", sessionID, err)
	} else if n >= churnThreshold {
		log.Printf("[room] session %s cycled through %d pairings in the last hour", sessionID, n)
	}
	cancel()

	c.send(sessionID, protocol.TypeSkipSuccess, protocol.SkipSuccessMsg{})
	c.FindPartner(sessionID)
}

// Unpair dissolves the session's pairing, if any: the room is destroyed, the
// partner is reset to Available and notified that its counterpart left, and
// both partner references are cleared. Safe to call on a session with no
// partner.
func (c *Coordinator) Unpair(sessionID string) {
	c.unwind(sessionID, audit.ReasonDisconnect)
}

// Disconnect is the terminal event for a session: any pairing is unwound
// (notifying the partner) and the registry entry is removed. Idempotent —
// a second disconnect for the same id is a no-op.
func (c *Coordinator) Disconnect(sessionID string) {
	c.unwind(sessionID, audit.ReasonDisconnect)
	c.store.Remove(sessionID)
}

// unwind tears down the session's current pairing. It is the single path
// for both skip and disconnect cleanup, so the partner is always notified
// exactly once per dissolved pairing.
func (c *Coordinator) unwind(sessionID, reason string) {
	partnerID, ok := c.store.Unpair(sessionID)
	if !ok {
		return
	}

	roomID := RoomID(sessionID, partnerID)
	c.rooms.Destroy(roomID)

	c.send(partnerID, protocol.TypePartnerDisconnected, protocol.PartnerDisconnectedMsg{})

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := c.audit.PairEnded(ctx, roomID, reason); err != nil {
		log.Printf("[room] audit unwind %s: %v", roomID, err)
	}

	metrics.ActiveRooms.Dec()
	log.Printf("[room] room %s dissolved (%s by %s)", roomID, reason, sessionID)
}

// send builds and delivers one server message, logging delivery failures.
// A failed send never propagates: the target may simply have disconnected.
func (c *Coordinator) send(sessionID, msgType string, payload interface{}) {
	if c.notify == nil {
		return
	}
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[room] build %s for session %s: %v", msgType, sessionID, err)
		return
	}
	if err := c.notify.SendMessage(sessionID, data); err != nil {
		log.Printf("[room] send %s to session %s: %v", msgType, sessionID, err)
	}
}
