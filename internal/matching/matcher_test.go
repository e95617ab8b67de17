package matching

import (
	"fmt"
	"testing"

	"github.com/pairline/chat-app/internal/presence"
)

func setupStore(t *testing.T, ids ...string) *presence.Store {
	t.Helper()
	st := presence.NewStore()
	for _, id := range ids {
		st.Create(id)
	}
	return st
}

func TestFindCandidate_FirstFitOrder(t *testing.T) {
	st := setupStore(t, "bob", "charlie", "alice")

	c, ok := FindCandidate(st, "alice")
	if !ok {
		t.Fatal("expected a candidate")
	}
	// Bob registered first, so first-fit returns bob.
	if c.ID != "bob" {
		t.Errorf("expected first-fit candidate bob, got %s", c.ID)
	}
}

func TestFindCandidate_SkipsSelf(t *testing.T) {
	st := setupStore(t, "alice")

	if _, ok := FindCandidate(st, "alice"); ok {
		t.Error("expected no candidate when only self is registered")
	}
}

func TestFindCandidate_HonorsExclusions(t *testing.T) {
	st := setupStore(t, "bob", "charlie", "alice")
	st.AddExclusion("alice", "bob")

	c, ok := FindCandidate(st, "alice")
	if !ok {
		t.Fatal("expected a candidate")
	}
	if c.ID != "charlie" {
		t.Errorf("expected excluded bob to be skipped, got %s", c.ID)
	}
}

func TestFindCandidate_AllExcluded(t *testing.T) {
	st := setupStore(t, "bob", "alice")
	st.AddExclusion("alice", "bob")

	if _, ok := FindCandidate(st, "alice"); ok {
		t.Error("expected no candidate when all peers are excluded")
	}
}

func TestFindCandidate_ExclusionIsOneDirectional(t *testing.T) {
	st := setupStore(t, "bob", "alice")
	st.AddExclusion("alice", "bob")

	// Bob never skipped alice, so bob can still be offered alice.
	c, ok := FindCandidate(st, "bob")
	if !ok || c.ID != "alice" {
		t.Errorf("expected bob to still see alice, got %v ok=%v", c.ID, ok)
	}
}

func TestFindCandidate_SkipsPaired(t *testing.T) {
	st := setupStore(t, "bob", "charlie", "alice")
	if err := st.Pair("bob", "charlie"); err != nil {
		t.Fatalf("pair failed: %v", err)
	}

	if _, ok := FindCandidate(st, "alice"); ok {
		t.Error("expected no candidate when all peers are paired")
	}
}

func TestFindCandidate_SearchingPeersAreEligible(t *testing.T) {
	st := setupStore(t, "bob", "alice")
	st.SetSearching("bob")

	c, ok := FindCandidate(st, "alice")
	if !ok || c.ID != "bob" {
		t.Errorf("expected searching peer bob as candidate, got %v ok=%v", c.ID, ok)
	}
}

func TestFindCandidate_UnknownRequester(t *testing.T) {
	st := setupStore(t, "bob")

	if _, ok := FindCandidate(st, "ghost"); ok {
		t.Error("expected no candidate for unregistered requester")
	}
}

func TestFindCandidate_EmptyRegistry(t *testing.T) {
	st := presence.NewStore()

	if _, ok := FindCandidate(st, "alice"); ok {
		t.Error("expected no candidate from empty registry")
	}
}

func TestFindCandidate_ManySessions(t *testing.T) {
	st := presence.NewStore()
	for i := 0; i < 50; i++ {
		st.Create(fmt.Sprintf("s%d", i))
	}
	// Exclude the first ten, pair the next ten.
	for i := 0; i < 10; i++ {
		st.Create("req")
		st.AddExclusion("req", fmt.Sprintf("s%d", i))
	}
	for i := 10; i < 20; i += 2 {
		st.Pair(fmt.Sprintf("s%d", i), fmt.Sprintf("s%d", i+1))
	}

	c, ok := FindCandidate(st, "req")
	if !ok {
		t.Fatal("expected a candidate")
	}
	if c.ID != "s20" {
		t.Errorf("expected first eligible candidate s20, got %s", c.ID)
	}
}
