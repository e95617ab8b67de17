// Package matching implements the partner search algorithm: a stateless
// first-fit scan over the presence registry's current snapshot.
package matching

import (
	"github.com/pairline/chat-app/internal/presence"
)

// FindCandidate returns the first eligible partner for the requester under
// registry iteration order (registration order). Eligible means: in a
// matchable state (Available or Searching), not the requester itself, and
// not on the requester's exclusion list. First-fit is the contract — there
// is no fairness, recency, or scoring policy.
//
// The scan is O(n) over live sessions with no precomputed index; session
// counts are small enough that a searching-only secondary index is not
// worth its bookkeeping.
//
// If the requester is not registered, or no candidate exists, ok is false.
func FindCandidate(store *presence.Store, requesterID string) (candidate presence.Session, ok bool) {
	if _, registered := store.Get(requesterID); !registered {
		return presence.Session{}, false
	}

	store.ForEachAvailable(requesterID, func(s presence.Session) bool {
		if store.Excludes(requesterID, s.ID) {
			return true // keep scanning
		}
		candidate = s
		ok = true
		return false
	})
	return candidate, ok
}
