package presence

import (
	"errors"
	"sync"
)

// State is a session's position in the matching state machine.
type State string

// Session states.
const (
	StateAvailable State = "available" // connected, not searching, not paired
	StateSearching State = "searching" // requested a partner, none found yet
	StatePaired    State = "paired"    // in an active room
)

// Pairing errors returned by Pair.
var (
	// ErrNotFound means one of the sessions is absent from the registry.
	ErrNotFound = errors.New("presence: session not found")

	// ErrUnavailable means the target session exists but is not in a
	// matchable state (it was probably paired by a concurrent request).
	ErrUnavailable = errors.New("presence: session not available")

	// ErrSelfMatch means a session tried to pair with itself.
	ErrSelfMatch = errors.New("presence: cannot pair session with itself")
)

// Session is a snapshot of one connected participant. Snapshots are value
// copies; mutating them has no effect on the registry.
type Session struct {
	ID          string
	DisplayName string
	State       State
	PartnerID   string // set only while State == StatePaired
}

// matchable reports whether the session can be proposed as a partner.
func (s Session) matchable() bool {
	return s.State == StateAvailable || s.State == StateSearching
}

// session is the registry-internal mutable record.
type session struct {
	Session
	excluded map[string]struct{} // ids this session refuses to match with
}

// Store is the connection registry. All methods are safe for concurrent use;
// compound transitions (Pair, Unpair) are atomic with respect to each other
// and to every read.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*session
	order    []string // insertion order, drives candidate iteration
}

// NewStore creates an empty registry.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*session)}
}

// Create registers a new session in the Available state with an empty
// exclusion set and a placeholder display name derived from the id. If the
// id is already registered, the existing session is returned unchanged.
func (st *Store) Create(id string) Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if existing, ok := st.sessions[id]; ok {
		return existing.Session
	}

	s := &session{
		Session: Session{
			ID:          id,
			DisplayName: placeholderName(id),
			State:       StateAvailable,
		},
		excluded: make(map[string]struct{}),
	}
	st.sessions[id] = s
	st.order = append(st.order, id)
	return s.Session
}

// Get returns a snapshot of the session, or false if it is not registered.
func (st *Store) Get(id string) (Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// Remove deletes a session from the registry. Removing an absent id is a
// no-op; the return value reports whether an entry was actually removed.
func (st *Store) Remove(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[id]; !ok {
		return false
	}
	delete(st.sessions, id)
	for i, oid := range st.order {
		if oid == id {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// SetDisplayName overwrites the session's display name. Returns false if the
// session is not registered.
func (st *Store) SetDisplayName(id, name string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return false
	}
	s.DisplayName = name
	return true
}

// AddExclusion records that the session refuses to be matched with target
// again. Self-exclusion and exclusions on absent sessions are ignored. The
// exclusion set only ever grows for the lifetime of the session.
func (st *Store) AddExclusion(id, target string) {
	if id == target {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return
	}
	s.excluded[target] = struct{}{}
}

// Excludes reports whether the session has excluded target.
func (st *Store) Excludes(id, target string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[id]
	if !ok {
		return false
	}
	_, excluded := s.excluded[target]
	return excluded
}

// SetSearching moves the session into the Searching state. It is a no-op for
// absent or paired sessions; a paired session must be unpaired first.
func (st *Store) SetSearching(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok || s.State == StatePaired {
		return
	}
	s.State = StateSearching
}

// ForEachAvailable calls fn with a snapshot of every session in a matchable
// state, in registration order, skipping excludingID. Iteration runs over a
// snapshot taken under the read lock; fn returns false to stop early.
func (st *Store) ForEachAvailable(excludingID string, fn func(Session) bool) {
	st.mu.RLock()
	candidates := make([]Session, 0, len(st.order))
	for _, id := range st.order {
		if id == excludingID {
			continue
		}
		s := st.sessions[id]
		if s.matchable() {
			candidates = append(candidates, s.Session)
		}
	}
	st.mu.RUnlock()

	for _, c := range candidates {
		if !fn(c) {
			return
		}
	}
}

// Pair atomically transitions both sessions into the Paired state with
// mutual partner references. Preconditions checked under the lock: both
// sessions registered, both in a matchable state, requester != candidate.
// No interleaving operation can observe one side paired and the other not.
func (st *Store) Pair(requesterID, candidateID string) error {
	if requesterID == candidateID {
		return ErrSelfMatch
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	requester, ok := st.sessions[requesterID]
	if !ok {
		return ErrNotFound
	}
	candidate, ok := st.sessions[candidateID]
	if !ok {
		return ErrNotFound
	}
	if !requester.matchable() || !candidate.matchable() {
		return ErrUnavailable
	}

	requester.State = StatePaired
	requester.PartnerID = candidateID
	candidate.State = StatePaired
	candidate.PartnerID = requesterID
	return nil
}

// Unpair atomically dissolves the session's pairing. Both sides return to
// Available with cleared partner references, and the former partner's id is
// returned. Calling Unpair on an absent or unpaired session is a no-op.
func (st *Store) Unpair(id string) (partnerID string, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, found := st.sessions[id]
	if !found || s.State != StatePaired {
		return "", false
	}

	partnerID = s.PartnerID
	s.State = StateAvailable
	s.PartnerID = ""

	// The partner may already be gone if it disconnected first.
	if p, found := st.sessions[partnerID]; found && p.PartnerID == id {
		p.State = StateAvailable
		p.PartnerID = ""
	}
	return partnerID, true
}

// placeholderName derives the default display name from a session id,
// mirroring the "User-xxxxx" convention clients expect before registration.
func placeholderName(id string) string {
	short := id
	if len(short) > 5 {
		short = short[:5]
	}
	return "User-" + short
}
