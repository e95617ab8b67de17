package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pairline/chat-app/internal/presence"
	"github.com/pairline/chat-app/internal/protocol"
	"github.com/pairline/chat-app/internal/relay"
)

// fakeNotifier records every frame sent to each session, decoded back into
// its envelope type. It also satisfies relay.Sender for scenario tests.
type fakeNotifier struct {
	mu     sync.Mutex
	frames map[string][]map[string]interface{} // sessionID -> decoded messages
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{frames: make(map[string][]map[string]interface{})}
}

func (f *fakeNotifier) SendMessage(sessionID string, data []byte) error {
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames[sessionID] = append(f.frames[sessionID], decoded)
	f.mu.Unlock()
	return nil
}

// types returns the ordered message types delivered to the session.
func (f *fakeNotifier) types(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.frames[sessionID] {
		out = append(out, m["type"].(string))
	}
	return out
}

// last returns the most recent message of the given type sent to the
// session, or nil.
func (f *fakeNotifier) last(sessionID, msgType string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames[sessionID]) - 1; i >= 0; i-- {
		if f.frames[sessionID][i]["type"] == msgType {
			return f.frames[sessionID][i]
		}
	}
	return nil
}

func (f *fakeNotifier) count(sessionID, msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.frames[sessionID] {
		if m["type"] == msgType {
			n++
		}
	}
	return n
}

// fakeRooms records relay membership operations.
type fakeRooms struct {
	mu        sync.Mutex
	joined    map[string][]string
	destroyed []string
	joinErr   error
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{joined: make(map[string][]string)}
}

func (f *fakeRooms) Join(roomID string, memberIDs ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined[roomID] = append(f.joined[roomID], memberIDs...)
	return nil
}

func (f *fakeRooms) Destroy(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, roomID)
}

func setupCoordinator(t *testing.T) (*Coordinator, *presence.Store, *fakeNotifier, *fakeRooms) {
	t.Helper()
	store := presence.NewStore()
	notify := newFakeNotifier()
	rooms := newFakeRooms()
	coord := NewCoordinator(store, rooms, notify, nil)
	return coord, store, notify, rooms
}

// ---------- RoomID tests ----------

func TestRoomID_OrderIndependent(t *testing.T) {
	if RoomID("s1", "s2") != RoomID("s2", "s1") {
		t.Error("room id must not depend on initiator order")
	}
	if RoomID("s1", "s2") != "s1:s2" {
		t.Errorf("unexpected room id: %s", RoomID("s1", "s2"))
	}
}

// ---------- TryPair tests ----------

func TestTryPair_Success(t *testing.T) {
	coord, store, notify, rooms := setupCoordinator(t)
	store.Create("a")
	store.Create("b")
	store.SetDisplayName("a", "Alice")
	store.SetDisplayName("b", "Bob")

	if err := coord.TryPair("a", "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, _ := store.Get("a")
	b, _ := store.Get("b")
	if a.PartnerID != "b" || b.PartnerID != "a" {
		t.Errorf("asymmetric pairing: a->%s b->%s", a.PartnerID, b.PartnerID)
	}
	if a.State != presence.StatePaired || b.State != presence.StatePaired {
		t.Errorf("expected both paired, got a=%s b=%s", a.State, b.State)
	}

	roomID := RoomID("a", "b")
	if len(rooms.joined[roomID]) != 2 {
		t.Errorf("expected both members joined to %s, got %v", roomID, rooms.joined[roomID])
	}

	for _, sid := range []string{"a", "b"} {
		msg := notify.last(sid, protocol.TypeMatchSuccess)
		if msg == nil {
			t.Fatalf("expected match-success for %s", sid)
		}
		if msg["roomId"] != roomID {
			t.Errorf("expected roomId %s, got %v", roomID, msg["roomId"])
		}
		users := msg["users"].([]interface{})
		if len(users) != 2 {
			t.Fatalf("expected 2 users, got %d", len(users))
		}
	}
}

func TestTryPair_PartnerUnavailable(t *testing.T) {
	coord, store, notify, _ := setupCoordinator(t)
	store.Create("a")
	store.Create("b")
	store.Create("c")

	if err := coord.TryPair("a", "b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := coord.TryPair("c", "b")
	if !errors.Is(err, presence.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	// The failed attempt must emit nothing — the handler surfaces
	// match-failed to the requester only.
	if got := notify.types("c"); got != nil {
		t.Errorf("expected no emission on failure, got %v", got)
	}
	// And the established pairing is untouched.
	b, _ := store.Get("b")
	if b.PartnerID != "a" {
		t.Errorf("existing pairing disturbed: b->%s", b.PartnerID)
	}
}

func TestTryPair_SelfReference(t *testing.T) {
	coord, store, _, _ := setupCoordinator(t)
	store.Create("a")

	if err := coord.TryPair("a", "a"); !errors.Is(err, presence.ErrSelfMatch) {
		t.Errorf("expected ErrSelfMatch, got %v", err)
	}
}

func TestTryPair_TargetGone(t *testing.T) {
	coord, store, _, _ := setupCoordinator(t)
	store.Create("a")

	if err := coord.TryPair("a", "ghost"); !errors.Is(err, presence.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTryPair_RoomJoinFailureUnwinds(t *testing.T) {
	coord, store, _, rooms := setupCoordinator(t)
	store.Create("a")
	store.Create("b")
	rooms.joinErr = errors.New("bus down")

	if err := coord.TryPair("a", "b"); err == nil {
		t.Fatal("expected error when room join fails")
	}

	a, _ := store.Get("a")
	b, _ := store.Get("b")
	if a.State != presence.StateAvailable || b.State != presence.StateAvailable {
		t.Errorf("expected pairing unwound, got a=%s b=%s", a.State, b.State)
	}
	if len(rooms.destroyed) != 1 || rooms.destroyed[0] != RoomID("a", "b") {
		t.Errorf("expected the failed room torn down, got %v", rooms.destroyed)
	}
}

// ---------- FindPartner tests ----------

func TestFindPartner_ProposesCandidate(t *testing.T) {
	coord, store, notify, _ := setupCoordinator(t)
	store.Create("b")
	store.Create("a")
	store.SetDisplayName("b", "Bob")

	coord.FindPartner("a")

	msg := notify.last("a", protocol.TypePotentialPartner)
	if msg == nil {
		t.Fatal("expected potential-partner")
	}
	if msg["id"] != "b" || msg["username"] != "Bob" {
		t.Errorf("unexpected candidate: %v", msg)
	}

	// A proposed (not yet connected) requester stays Available.
	a, _ := store.Get("a")
	if a.State != presence.StateAvailable {
		t.Errorf("expected requester to stay available, got %s", a.State)
	}
}

func TestFindPartner_NonePutsRequesterInSearching(t *testing.T) {
	coord, store, notify, _ := setupCoordinator(t)
	store.Create("a")

	coord.FindPartner("a")

	if notify.last("a", protocol.TypeNoPartnersAvailable) == nil {
		t.Fatal("expected no-partners-available")
	}
	a, _ := store.Get("a")
	if a.State != presence.StateSearching {
		t.Errorf("expected searching, got %s", a.State)
	}
}

func TestFindPartner_UnknownRequesterEmitsNothing(t *testing.T) {
	coord, _, notify, _ := setupCoordinator(t)

	coord.FindPartner("ghost")
	if got := notify.types("ghost"); got != nil {
		t.Errorf("expected no emission, got %v", got)
	}
}

// ---------- Skip tests ----------

func TestSkip_UnwindsAndExcludes(t *testing.T) {
	coord, store, notify, rooms := setupCoordinator(t)
	store.Create("a")
	store.Create("b")
	if err := coord.TryPair("a", "b"); err != nil {
		t.Fatalf("pair failed: %v", err)
	}

	coord.Skip("a", "b")

	if !store.Excludes("a", "b") {
		t.Error("expected b on a's exclusion list")
	}

	// b returns to Available and is notified once.
	b, _ := store.Get("b")
	if b.State != presence.StateAvailable || b.PartnerID != "" {
		t.Errorf("partner not reset: %+v", b)
	}
	if n := notify.count("b", protocol.TypePartnerDisconnected); n != 1 {
		t.Errorf("expected exactly 1 partner-disconnected for b, got %d", n)
	}

	// a got skip-success, then the re-search found nothing (b is excluded).
	if notify.last("a", protocol.TypeSkipSuccess) == nil {
		t.Error("expected skip-success for a")
	}
	if notify.last("a", protocol.TypeNoPartnersAvailable) == nil {
		t.Error("expected no-partners-available after re-search")
	}
	a, _ := store.Get("a")
	if a.State != presence.StateSearching {
		t.Errorf("expected a in searching, got %s", a.State)
	}

	if len(rooms.destroyed) != 1 || rooms.destroyed[0] != RoomID("a", "b") {
		t.Errorf("expected room destroyed, got %v", rooms.destroyed)
	}
}

func TestSkip_ExcludedPartnerNeverProposedAgain(t *testing.T) {
	coord, store, notify, _ := setupCoordinator(t)
	store.Create("b")
	store.Create("a")

	coord.Skip("a", "b")

	// b is Available, yet a's re-search must not propose it.
	if notify.last("a", protocol.TypePotentialPartner) != nil {
		t.Error("excluded session proposed as candidate")
	}

	// A third session joins; now the search proposes only that one.
	store.Create("c")
	coord.FindPartner("a")
	msg := notify.last("a", protocol.TypePotentialPartner)
	if msg == nil || msg["id"] != "c" {
		t.Errorf("expected c proposed, got %v", msg)
	}
}

func TestSkip_WithoutPairing(t *testing.T) {
	coord, store, notify, _ := setupCoordinator(t)
	store.Create("a")
	store.Create("b")

	// Skipping a proposed (never connected) partner.
	coord.Skip("a", "b")

	if !store.Excludes("a", "b") {
		t.Error("expected exclusion recorded")
	}
	if notify.last("a", protocol.TypeSkipSuccess) == nil {
		t.Error("expected skip-success")
	}
	// b was never paired, so it must not be notified.
	if n := notify.count("b", protocol.TypePartnerDisconnected); n != 0 {
		t.Errorf("unexpected partner-disconnected for b: %d", n)
	}
}

func TestSkip_UnknownSession(t *testing.T) {
	coord, _, notify, _ := setupCoordinator(t)

	coord.Skip("ghost", "b")
	if got := notify.types("ghost"); got != nil {
		t.Errorf("expected no emission for unknown session, got %v", got)
	}
}

// ---------- Disconnect tests ----------

func TestDisconnect_Cascade(t *testing.T) {
	coord, store, notify, _ := setupCoordinator(t)
	store.Create("a")
	store.Create("b")
	if err := coord.TryPair("a", "b"); err != nil {
		t.Fatalf("pair failed: %v", err)
	}

	coord.Disconnect("a")

	if _, ok := store.Get("a"); ok {
		t.Error("expected a removed from registry")
	}
	b, _ := store.Get("b")
	if b.State != presence.StateAvailable || b.PartnerID != "" {
		t.Errorf("survivor not reset: %+v", b)
	}
	if n := notify.count("b", protocol.TypePartnerDisconnected); n != 1 {
		t.Errorf("expected exactly 1 partner-disconnected, got %d", n)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	coord, store, notify, _ := setupCoordinator(t)
	store.Create("a")
	store.Create("b")
	coord.TryPair("a", "b")

	coord.Disconnect("a")
	coord.Disconnect("a") // second call must change nothing

	if n := notify.count("b", protocol.TypePartnerDisconnected); n != 1 {
		t.Errorf("expected exactly 1 partner-disconnected after double disconnect, got %d", n)
	}
	if store.Len() != 1 {
		t.Errorf("expected only b left, got %d sessions", store.Len())
	}
}

func TestUnpair_NoPartnerIsNoop(t *testing.T) {
	coord, store, notify, rooms := setupCoordinator(t)
	store.Create("a")

	coord.Unpair("a")
	coord.Unpair("ghost")

	if len(rooms.destroyed) != 0 {
		t.Errorf("unexpected room destruction: %v", rooms.destroyed)
	}
	if got := notify.types("a"); got != nil {
		t.Errorf("expected no emission, got %v", got)
	}
}

// ---------- Concurrency tests ----------

// With many concurrent connect attempts against one candidate, exactly one
// pairing forms; the rest fail preconditions.
func TestTryPair_ConcurrentSingleCandidate(t *testing.T) {
	coord, store, notify, _ := setupCoordinator(t)
	store.Create("candidate")

	const n = 16
	for i := 0; i < n; i++ {
		store.Create(fmt.Sprintf("req-%d", i))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = coord.TryPair(fmt.Sprintf("req-%d", i), "candidate")
		}(i)
	}
	wg.Wait()

	var winners int
	for i, err := range errs {
		if err == nil {
			winners++
			continue
		}
		if !errors.Is(err, presence.ErrUnavailable) {
			t.Errorf("req-%d: expected ErrUnavailable, got %v", i, err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one successful pairing, got %d", winners)
	}
	if n := notify.count("candidate", protocol.TypeMatchSuccess); n != 1 {
		t.Errorf("candidate received %d match-success messages, want 1", n)
	}
}

// ---------- Scenario tests (real relay over a loopback bus) ----------

// loopbackBus is an in-process relay.Bus: publishing invokes every handler
// subscribed to the room synchronously.
type loopbackBus struct {
	mu   sync.Mutex
	subs map[string]struct { // memberID -> subscription
		roomID  string
		handler func([]byte)
	}
	subscribeErr   error // returned when subscribing subscribeErrOn
	subscribeErrOn string
}

func newLoopbackBus() *loopbackBus {
	return &loopbackBus{subs: make(map[string]struct {
		roomID  string
		handler func([]byte)
	})}
}

func (b *loopbackBus) PublishRoom(roomID string, data []byte) error {
	b.mu.Lock()
	var handlers []func([]byte)
	for _, sub := range b.subs {
		if sub.roomID == roomID {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *loopbackBus) SubscribeRoom(roomID, memberID string, handler func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil && memberID == b.subscribeErrOn {
		return b.subscribeErr
	}
	b.subs[memberID] = struct {
		roomID  string
		handler func([]byte)
	}{roomID, handler}
	return nil
}

func (b *loopbackBus) UnsubscribeRoom(memberID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, memberID)
	return nil
}

// Full happy path: register, search, connect, chat, disconnect.
func TestScenario_PairChatDisconnect(t *testing.T) {
	store := presence.NewStore()
	notify := newFakeNotifier()
	bus := newLoopbackBus()
	rel := relay.New(bus, notify)
	coord := NewCoordinator(store, rel, notify, nil)

	// S1 registers as Alice, S2 registers as Bob.
	store.Create("s1")
	store.Create("s2")
	store.SetDisplayName("s1", "Alice")
	store.SetDisplayName("s2", "Bob")

	// S1 searches and is offered Bob.
	coord.FindPartner("s1")
	offer := notify.last("s1", protocol.TypePotentialPartner)
	if offer == nil || offer["id"] != "s2" || offer["username"] != "Bob" {
		t.Fatalf("unexpected offer: %v", offer)
	}

	// S1 connects; both receive match-success with the derived room id.
	if err := coord.TryPair("s1", "s2"); err != nil {
		t.Fatalf("pair failed: %v", err)
	}
	roomID := RoomID("s1", "s2")
	for _, sid := range []string{"s1", "s2"} {
		msg := notify.last(sid, protocol.TypeMatchSuccess)
		if msg == nil || msg["roomId"] != roomID {
			t.Fatalf("bad match-success for %s: %v", sid, msg)
		}
	}

	// S1 sends "hi"; S2 receives it, S1 does not get an echo.
	if err := rel.Send(roomID, "s1", json.RawMessage(`"hi"`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	got := notify.last("s2", protocol.TypeMessage)
	if got == nil {
		t.Fatal("expected relayed message for s2")
	}
	if got["senderId"] != "s1" || got["message"] != "hi" {
		t.Errorf("unexpected relayed message: %v", got)
	}
	if notify.count("s1", protocol.TypeMessage) != 0 {
		t.Error("sender received an echo of its own message")
	}

	// S2 disconnects; S1 gets exactly one partner-disconnected and returns
	// to Available.
	coord.Disconnect("s2")
	if n := notify.count("s1", protocol.TypePartnerDisconnected); n != 1 {
		t.Errorf("expected exactly 1 partner-disconnected, got %d", n)
	}
	s1, _ := store.Get("s1")
	if s1.State != presence.StateAvailable {
		t.Errorf("expected s1 available, got %s", s1.State)
	}

	// The room is gone: further sends fail.
	if err := rel.Send(roomID, "s1", json.RawMessage(`"anyone?"`)); !errors.Is(err, relay.ErrNoRoom) {
		t.Errorf("expected ErrNoRoom after teardown, got %v", err)
	}
}

// A room only exists while its pairing does. When the bus rejects a
// subscription mid-join, both sessions return to the pool and the relay
// keeps no membership for the room id, so nothing can be sent into it.
func TestScenario_PairFailureLeavesNoRoom(t *testing.T) {
	store := presence.NewStore()
	notify := newFakeNotifier()
	bus := newLoopbackBus()
	bus.subscribeErr = errors.New("nats down")
	bus.subscribeErrOn = "s2"
	rel := relay.New(bus, notify)
	coord := NewCoordinator(store, rel, notify, nil)

	store.Create("s1")
	store.Create("s2")

	if err := coord.TryPair("s1", "s2"); err == nil {
		t.Fatal("expected pairing to fail when the bus rejects a subscription")
	}

	s1, _ := store.Get("s1")
	s2, _ := store.Get("s2")
	if s1.State != presence.StateAvailable || s2.State != presence.StateAvailable {
		t.Errorf("expected both back in the pool, got s1=%s s2=%s", s1.State, s2.State)
	}

	roomID := RoomID("s1", "s2")
	if rel.IsMember(roomID, "s1") || rel.IsMember(roomID, "s2") {
		t.Error("stale relay membership after failed pairing")
	}
	if err := rel.Send(roomID, "s1", json.RawMessage(`"hello?"`)); !errors.Is(err, relay.ErrNoRoom) {
		t.Errorf("expected ErrNoRoom for the dead room, got %v", err)
	}
	if notify.count("s1", protocol.TypeMatchSuccess)+notify.count("s2", protocol.TypeMatchSuccess) != 0 {
		t.Error("match-success emitted for a pairing that never formed")
	}
}

// Skip scenario: paired sessions, S1 skips S2, S2 becomes available again
// but is never re-proposed to S1.
func TestScenario_SkipExcludesForever(t *testing.T) {
	store := presence.NewStore()
	notify := newFakeNotifier()
	bus := newLoopbackBus()
	rel := relay.New(bus, notify)
	coord := NewCoordinator(store, rel, notify, nil)

	store.Create("s1")
	store.Create("s2")
	if err := coord.TryPair("s1", "s2"); err != nil {
		t.Fatalf("pair failed: %v", err)
	}

	coord.Skip("s1", "s2")

	s2, _ := store.Get("s2")
	if s2.State != presence.StateAvailable {
		t.Errorf("expected s2 available, got %s", s2.State)
	}
	if !store.Excludes("s1", "s2") {
		t.Error("expected s2 excluded for s1")
	}
	// Re-search found nothing even though s2 is available.
	if notify.last("s1", protocol.TypeNoPartnersAvailable) == nil {
		t.Error("expected no-partners-available for s1")
	}
}
