package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"
)

func staffSession(id, username, name string, counterID int) models.Session {
	return models.Session{
		SessionID: id,
		Staff:     models.Staff{StaffID: "u-" + username, Username: username, DisplayName: name, Role: models.RoleStaff},
		CounterID: counterID,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestClaimCounterRejectsLiveOccupant(t *testing.T) {
	ctx := context.Background()
	alice := staffSession("s-alice", "alice", "Alice", 2)
	bob := staffSession("s-bob", "bob", "Bob", 2)
	sessions := newFakeSessions(alice, bob)
	st := newMemStore(branchCounters())
	notifier := &recordingNotifier{}
	m := newTestManager(st, notifier, sessions)

	counter, err := m.ClaimCounter(ctx, 2, alice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if counter.Staff == nil || counter.Staff.Username != "alice" {
		t.Fatalf("expected alice assigned, got %+v", counter.Staff)
	}

	_, err = m.ClaimCounter(ctx, 2, bob)
	var occupied *OccupiedError
	if !errors.As(err, &occupied) || occupied.Occupant != "Alice" {
		t.Fatalf("expected occupied by Alice, got %v", err)
	}
	if !errors.Is(err, store.ErrCounterOccupied) {
		t.Fatalf("occupied error must unwrap to ErrCounterOccupied")
	}

	// the same session may claim again, e.g. after a page reload
	if _, err := m.ClaimCounter(ctx, 2, alice); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	names := notifier.eventNames()
	if len(names) != 2 || names[0] != models.EventCounterStaff {
		t.Fatalf("unexpected events: %v", names)
	}
}

func TestClaimCounterOverwritesStaleOccupant(t *testing.T) {
	ctx := context.Background()
	alice := staffSession("s-alice", "alice", "Alice", 2)
	bob := staffSession("s-bob", "bob", "Bob", 2)
	sessions := newFakeSessions(alice, bob)
	st := newMemStore(branchCounters())
	m := newTestManager(st, &recordingNotifier{}, sessions)

	if _, err := m.ClaimCounter(ctx, 2, alice); err != nil {
		t.Fatalf("claim: %v", err)
	}
	sessions.expire(alice.SessionID)

	counter, err := m.ClaimCounter(ctx, 2, bob)
	if err != nil {
		t.Fatalf("claim over stale session: %v", err)
	}
	if counter.Staff.Username != "bob" {
		t.Fatalf("expected bob, got %+v", counter.Staff)
	}
	stored, _ := st.ListCounters(ctx)
	if stored[1].Staff == nil || stored[1].Staff.SessionID != bob.SessionID {
		t.Fatalf("assignment not persisted: %+v", stored[1].Staff)
	}
}

func TestClaimCounterSessionLookupFailure(t *testing.T) {
	ctx := context.Background()
	alice := staffSession("s-alice", "alice", "Alice", 1)
	sessions := newFakeSessions(alice)
	m := newTestManager(newMemStore(branchCounters()), &recordingNotifier{}, sessions)
	if _, err := m.ClaimCounter(ctx, 1, alice); err != nil {
		t.Fatalf("claim: %v", err)
	}

	sessions.getFn = func(ctx context.Context, sessionID string) (models.Session, error) {
		return models.Session{}, errors.New("db down")
	}
	if _, err := m.ClaimCounter(ctx, 1, staffSession("s-bob", "bob", "Bob", 1)); err == nil || errors.Is(err, store.ErrCounterOccupied) {
		t.Fatalf("expected lookup error, got %v", err)
	}
	counter, _ := m.Counter(1)
	if counter.Staff.Username != "alice" {
		t.Fatalf("assignment must be kept when liveness is unknown")
	}
}

func TestReleaseCounter(t *testing.T) {
	ctx := context.Background()
	alice := staffSession("s-alice", "alice", "Alice", 3)
	m := newTestManager(newMemStore(branchCounters()), &recordingNotifier{}, newFakeSessions(alice))
	if _, err := m.ClaimCounter(ctx, 3, alice); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := m.ReleaseCounter(ctx, 3, "s-other"); !errors.Is(err, store.ErrCounterOccupied) {
		t.Fatalf("expected foreign release to be refused, got %v", err)
	}
	if err := m.ReleaseCounter(ctx, 3, alice.SessionID); err != nil {
		t.Fatalf("release: %v", err)
	}
	counter, _ := m.Counter(3)
	if counter.Staff != nil {
		t.Fatalf("expected counter released")
	}
	if err := m.ReleaseCounter(ctx, 3, alice.SessionID); err != nil {
		t.Fatalf("releasing a free counter should be a no-op, got %v", err)
	}
}

func TestReleaseSessionClearsItsCounters(t *testing.T) {
	ctx := context.Background()
	alice := staffSession("s-alice", "alice", "Alice", 1)
	bob := staffSession("s-bob", "bob", "Bob", 4)
	m := newTestManager(newMemStore(branchCounters()), &recordingNotifier{}, newFakeSessions(alice, bob))
	if _, err := m.ClaimCounter(ctx, 1, alice); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.ClaimCounter(ctx, 4, bob); err != nil {
		t.Fatalf("claim: %v", err)
	}

	released, err := m.ReleaseSession(ctx, alice.SessionID)
	if err != nil || released != 1 {
		t.Fatalf("expected one release, got %d err=%v", released, err)
	}
	if counter, _ := m.Counter(1); counter.Staff != nil {
		t.Fatalf("counter 1 should be free")
	}
	if counter, _ := m.Counter(4); counter.Staff == nil {
		t.Fatalf("counter 4 should stay with bob")
	}
}

func TestSweepStaleAssignments(t *testing.T) {
	ctx := context.Background()
	alice := staffSession("s-alice", "alice", "Alice", 1)
	bob := staffSession("s-bob", "bob", "Bob", 2)
	sessions := newFakeSessions(alice, bob)
	st := newMemStore(branchCounters())
	m := newTestManager(st, &recordingNotifier{}, sessions)
	if _, err := m.ClaimCounter(ctx, 1, alice); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.ClaimCounter(ctx, 2, bob); err != nil {
		t.Fatalf("claim: %v", err)
	}
	sessions.expire(bob.SessionID)

	released, err := m.SweepStaleAssignments(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected one release, got %d", released)
	}
	if counter, _ := m.Counter(2); counter.Staff != nil {
		t.Fatalf("stale counter should be free")
	}
	if counter, _ := m.Counter(1); counter.Staff == nil {
		t.Fatalf("live counter should keep its staff")
	}
}

func TestInitializeRestoresStaffAssignment(t *testing.T) {
	ctx := context.Background()
	alice := staffSession("s-alice", "alice", "Alice", 5)
	st := newMemStore(branchCounters())
	m := newTestManager(st, &recordingNotifier{}, newFakeSessions(alice))
	if _, err := m.ClaimCounter(ctx, 5, alice); err != nil {
		t.Fatalf("claim: %v", err)
	}

	restarted := newTestManager(st, &recordingNotifier{}, newFakeSessions(alice))
	if err := restarted.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := restarted.ClaimCounter(ctx, 5, staffSession("s-bob", "bob", "Bob", 5)); !errors.Is(err, store.ErrCounterOccupied) {
		t.Fatalf("expected occupied after restart, got %v", err)
	}
}
