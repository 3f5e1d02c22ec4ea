package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"
)

// memStore keeps tickets and counters in maps. The fn fields replace the
// matching method when set.
type memStore struct {
	mu       sync.Mutex
	tickets  map[string]models.Ticket
	counters map[int]models.Counter
	calls    map[string]int

	maxFn      func(ctx context.Context) (int64, error)
	createFn   func(ctx context.Context, ticket models.Ticket) error
	callFn     func(ctx context.Context, input store.CallInput) error
	completeFn func(ctx context.Context, input store.CompleteInput) error
	listFn     func(ctx context.Context) ([]models.Counter, error)
}

func newMemStore(counters []models.Counter) *memStore {
	s := &memStore{
		tickets:  make(map[string]models.Ticket),
		counters: make(map[int]models.Counter),
		calls:    make(map[string]int),
	}
	for _, counter := range counters {
		if counter.Status == "" {
			counter.Status = models.CounterAvailable
		}
		s.counters[counter.CounterID] = counter
	}
	return s
}

func (s *memStore) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *memStore) record(name string) {
	s.mu.Lock()
	s.calls[name]++
	s.mu.Unlock()
}

func (s *memStore) MaxTicketNumber(ctx context.Context) (int64, error) {
	s.record("max")
	if s.maxFn != nil {
		return s.maxFn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, ticket := range s.tickets {
		if ticket.Number > max {
			max = ticket.Number
		}
	}
	return max, nil
}

func (s *memStore) CreateTicket(ctx context.Context, ticket models.Ticket) error {
	s.record("create")
	if s.createFn != nil {
		if err := s.createFn(ctx, ticket); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tickets {
		if existing.Number == ticket.Number {
			return store.ErrDuplicateTicketNumber
		}
	}
	s.tickets[ticket.TicketID] = ticket
	return nil
}

func (s *memStore) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return ticket, nil
}

func (s *memStore) ListWaitingTickets(ctx context.Context) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var waiting []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.Status == models.StatusWaiting {
			waiting = append(waiting, ticket)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].CreatedAt.Equal(waiting[j].CreatedAt) {
			return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
		}
		return waiting[i].Number < waiting[j].Number
	})
	return waiting, nil
}

func (s *memStore) SeedCounters(ctx context.Context, counters []models.Counter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, counter := range counters {
		existing, ok := s.counters[counter.CounterID]
		if !ok {
			counter.Status = models.CounterAvailable
			s.counters[counter.CounterID] = counter
			continue
		}
		existing.Name = counter.Name
		existing.Service = counter.Service
		s.counters[counter.CounterID] = existing
	}
	return nil
}

func (s *memStore) ListCounters(ctx context.Context) ([]models.Counter, error) {
	if s.listFn != nil {
		return s.listFn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	counters := make([]models.Counter, 0, len(s.counters))
	for _, counter := range s.counters {
		counter.CurrentTicket = nil
		if counter.Staff != nil {
			staff := *counter.Staff
			counter.Staff = &staff
		}
		counters = append(counters, counter)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].CounterID < counters[j].CounterID })
	return counters, nil
}

func (s *memStore) CallTicket(ctx context.Context, input store.CallInput) error {
	s.record("call")
	if s.callFn != nil {
		if err := s.callFn(ctx, input); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return store.ErrTicketNotFound
	}
	if !store.ValidTransition("call_next", ticket.Status) {
		return store.ErrInvalidState
	}
	counter, ok := s.counters[input.CounterID]
	if !ok {
		return store.ErrCounterNotFound
	}
	calledAt := input.CalledAt
	wait := input.WaitTime
	ticket.Status = models.StatusServing
	ticket.CalledAt = &calledAt
	ticket.WaitTime = &wait
	ticket.CounterID = input.CounterID
	s.tickets[ticket.TicketID] = ticket
	id := ticket.TicketID
	counter.CurrentTicketID = &id
	counter.Status = models.CounterServing
	s.counters[counter.CounterID] = counter
	return nil
}

func (s *memStore) CompleteTicket(ctx context.Context, input store.CompleteInput) error {
	s.record("complete")
	if s.completeFn != nil {
		if err := s.completeFn(ctx, input); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[input.TicketID]
	if !ok {
		return store.ErrTicketNotFound
	}
	if !store.ValidTransition("complete", ticket.Status) {
		return store.ErrInvalidState
	}
	counter, ok := s.counters[input.CounterID]
	if !ok {
		return store.ErrCounterNotFound
	}
	completedAt := input.CompletedAt
	serviceTime := input.ServiceTime
	ticket.Status = models.StatusCompleted
	ticket.CompletedAt = &completedAt
	ticket.ServiceTime = &serviceTime
	s.tickets[ticket.TicketID] = ticket
	counter.CurrentTicketID = nil
	counter.Status = models.CounterAvailable
	counter.ServedCount = input.ServedCount
	counter.AvgServiceTime = input.AvgServiceTime
	s.counters[counter.CounterID] = counter
	return nil
}

func (s *memStore) UpdateCounterStatus(ctx context.Context, counterID int, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return store.ErrCounterNotFound
	}
	counter.Status = status
	s.counters[counterID] = counter
	return nil
}

func (s *memStore) AssignStaff(ctx context.Context, counterID int, staff *models.Staff) error {
	s.record("assign")
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return store.ErrCounterNotFound
	}
	if staff == nil {
		counter.Staff = nil
	} else {
		copied := *staff
		counter.Staff = &copied
	}
	s.counters[counterID] = counter
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	getFn    func(ctx context.Context, sessionID string) (models.Session, error)
}

func newFakeSessions(sessions ...models.Session) *fakeSessions {
	f := &fakeSessions{sessions: make(map[string]models.Session)}
	for _, session := range sessions {
		f.sessions[session.SessionID] = session
	}
	return f
}

func (f *fakeSessions) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	if f.getFn != nil {
		return f.getFn(ctx, sessionID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return models.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (f *fakeSessions) expire(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
}

type recordedEvent struct {
	name    string
	payload any
}

type recordingNotifier struct {
	mu        sync.Mutex
	snapshots []models.Snapshot
	events    []recordedEvent
}

func (n *recordingNotifier) BroadcastSnapshot(snapshot models.Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, snapshot)
}

func (n *recordingNotifier) BroadcastEvent(name string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{name: name, payload: payload})
}

func (n *recordingNotifier) eventNames() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.events))
	for _, e := range n.events {
		names = append(names, e.name)
	}
	return names
}

func (n *recordingNotifier) snapshotCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.snapshots)
}

// clock advances one minute per reading.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func branchCounters() []models.Counter {
	return []models.Counter{
		{CounterID: 1, Name: "Counter 1", Service: "Account Opening"},
		{CounterID: 2, Name: "Counter 2", Service: "Loan Application"},
		{CounterID: 3, Name: "Counter 3", Service: "Cash & Deposits"},
		{CounterID: 4, Name: "Counter 4", Service: "Card Services"},
		{CounterID: 5, Name: "Counter 5", Service: "General Inquiry"},
	}
}

func newTestManager(st *memStore, notifier Notifier, sessions SessionLookup) *Manager {
	return NewManager(st, notifier, Options{
		Counters:        branchCounters(),
		FallbackCounter: 5,
		StoreTimeout:    time.Second,
		Sessions:        sessions,
		Now:             newClock().Now,
	})
}
