// Package relay forwards chat payloads between the members of a room. Rooms
// are ephemeral two-party groupings addressed by a deterministic room id;
// delivery is best effort over NATS with no buffering or store-and-forward.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pairline/chat-app/internal/metrics"
	"github.com/pairline/chat-app/internal/protocol"
)

// Relay errors.
var (
	// ErrNoRoom means the addressed room does not exist (anymore).
	ErrNoRoom = errors.New("relay: room not found")

	// ErrNotMember means the sender is not a member of the addressed room.
	// Membership is validated before publishing to prevent cross-room
	// leakage.
	ErrNotMember = errors.New("relay: sender is not a room member")
)

// Bus is the pub/sub transport the relay fans messages out over. Implemented
// by messaging.NATSClient; tests use an in-process fake.
type Bus interface {
	PublishRoom(roomID string, data []byte) error
	SubscribeRoom(roomID, memberID string, handler func(data []byte)) error
	UnsubscribeRoom(memberID string) error
}

// Sender delivers a raw frame to a locally connected session. Implemented by
// ws.Server.
type Sender interface {
	SendMessage(sessionID string, data []byte) error
}

// Event is the payload published on the room subject. Every instance holding
// a member of the room receives it and forwards to local members other than
// the sender.
type Event struct {
	RoomID   string          `json:"room_id"`
	SenderID string          `json:"sender_id"`
	Message  json.RawMessage `json:"message"`
}

// Relay tracks room membership and moves payloads between members via the bus.
type Relay struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // roomID -> member set
	bus    Bus
	sender Sender
}

// New creates a Relay on top of the given bus. The sender may be nil at
// construction time and assigned later with SetSender (the WebSocket server
// is built after the relay because it needs the message dispatcher).
func New(bus Bus, sender Sender) *Relay {
	return &Relay{
		rooms:  make(map[string]map[string]struct{}),
		bus:    bus,
		sender: sender,
	}
}

// SetSender assigns the local delivery sink.
func (r *Relay) SetSender(sender Sender) {
	r.sender = sender
}

// Join adds the members to the room and subscribes each of them to the
// room's bus subject. Subscriptions are keyed per member so two local
// members of the same room receive independent copies.
func (r *Relay) Join(roomID string, memberIDs ...string) error {
	r.mu.Lock()
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}
	r.mu.Unlock()

	for i, id := range memberIDs {
		memberID := id
		err := r.bus.SubscribeRoom(roomID, memberID, func(data []byte) {
			r.deliver(memberID, data)
		})
		if err != nil {
			r.unjoin(roomID, memberIDs, i)
			return fmt.Errorf("relay: subscribe member %s to room %s: %w", memberID, roomID, err)
		}
	}
	return nil
}

// unjoin undoes a partial Join: the members come back out of the room (which
// is dropped once empty) and the subscriptions made so far are released. A
// failed join must leave no addressable room behind.
func (r *Relay) unjoin(roomID string, memberIDs []string, subscribed int) {
	r.mu.Lock()
	if members, ok := r.rooms[roomID]; ok {
		for _, id := range memberIDs {
			delete(members, id)
		}
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	r.mu.Unlock()

	for _, id := range memberIDs[:subscribed] {
		if err := r.bus.UnsubscribeRoom(id); err != nil {
			log.Printf("[relay] unsubscribe member %s: %v", id, err)
		}
	}
}

// Leave removes one member from the room. The room is dropped entirely once
// its last member leaves. Unknown rooms and members are ignored.
func (r *Relay) Leave(roomID, memberID string) {
	r.mu.Lock()
	if members, ok := r.rooms[roomID]; ok {
		delete(members, memberID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	r.mu.Unlock()

	if err := r.bus.UnsubscribeRoom(memberID); err != nil {
		log.Printf("[relay] unsubscribe member %s: %v", memberID, err)
	}
}

// Destroy tears the room down, unsubscribing every member. Destroying an
// unknown room is a no-op.
func (r *Relay) Destroy(roomID string) {
	r.mu.Lock()
	members, ok := r.rooms[roomID]
	if ok {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	for id := range members {
		if err := r.bus.UnsubscribeRoom(id); err != nil {
			log.Printf("[relay] unsubscribe member %s: %v", id, err)
		}
	}
}

// Members returns a snapshot of the room's member ids, or nil if the room
// does not exist.
func (r *Relay) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// IsMember reports whether the session is a member of the room.
func (r *Relay) IsMember(roomID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, member := members[sessionID]
	return member
}

// Send validates that the sender belongs to the room and publishes the
// payload on the room's bus subject. Other members receive it through their
// subscriptions; the sender's own copy is filtered out at delivery time.
func (r *Relay) Send(roomID, senderID string, payload json.RawMessage) error {
	r.mu.RLock()
	members, ok := r.rooms[roomID]
	if ok {
		_, ok = members[senderID]
	} else {
		r.mu.RUnlock()
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return ErrNoRoom
	}
	r.mu.RUnlock()

	if !ok {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return ErrNotMember
	}

	event := Event{RoomID: roomID, SenderID: senderID, Message: payload}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("relay: marshal event: %w", err)
	}
	if err := r.bus.PublishRoom(roomID, data); err != nil {
		return fmt.Errorf("relay: publish to room %s: %w", roomID, err)
	}
	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
	return nil
}

// deliver forwards a bus event to one local member, skipping the sender's
// own echo.
func (r *Relay) deliver(memberID string, data []byte) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		log.Printf("[relay] bad event for member %s: %v", memberID, err)
		return
	}
	if event.SenderID == memberID {
		return // don't echo to sender
	}

	msg, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
		SenderID: event.SenderID,
		Message:  event.Message,
	})
	if err != nil {
		log.Printf("[relay] build message for member %s: %v", memberID, err)
		return
	}

	if r.sender == nil {
		return
	}
	if err := r.sender.SendMessage(memberID, msg); err != nil {
		// Member likely disconnected between publish and delivery; the
		// lifecycle cleanup will tear the room down.
		log.Printf("[relay] deliver to member %s failed: %v", memberID, err)
	}
}
