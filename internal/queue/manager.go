package queue

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ticketsIssued     = expvar.NewInt("tickets_issued_total")
	customersCalled   = expvar.NewInt("customers_called_total")
	servicesCompleted = expvar.NewInt("services_completed_total")
	callPersistErrors = expvar.NewInt("call_next_persist_errors_total")
)

// Notifier receives every state change. Implementations must not block.
type Notifier interface {
	BroadcastSnapshot(snapshot models.Snapshot)
	BroadcastEvent(name string, payload any)
}

// Notifiers fans a change out to several notifiers in order.
type Notifiers []Notifier

func (n Notifiers) BroadcastSnapshot(snapshot models.Snapshot) {
	for _, notifier := range n {
		notifier.BroadcastSnapshot(snapshot)
	}
}

func (n Notifiers) BroadcastEvent(name string, payload any) {
	for _, notifier := range n {
		notifier.BroadcastEvent(name, payload)
	}
}

// SessionLookup resolves staff sessions for the occupancy guard.
type SessionLookup interface {
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
}

type Options struct {
	Counters        []models.Counter
	FallbackCounter int
	StoreTimeout    time.Duration
	Sessions        SessionLookup
	Now             func() time.Time
}

type IssueRequest struct {
	CustomerName  string
	Service       string
	CustomService string
	Language      string
}

// ValidationError lists the issuance fields that were missing.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

// lane is one counter's waiting queue and serving slot. Its mutex guards
// both so a ticket is never in the queue and current at once.
type lane struct {
	mu      sync.Mutex
	counter models.Counter
	queue   []models.Ticket
}

type event struct {
	name    string
	payload any
}

// Manager owns the live queue state. Lock order is seqMu, then lanes in
// ascending counter id.
type Manager struct {
	store    store.QueueStore
	notifier Notifier
	sessions SessionLookup
	timeout  time.Duration
	now      func() time.Time
	tracer   trace.Tracer

	seqMu      sync.Mutex
	lastNumber int64
	router     router

	lanes map[int]*lane
	ids   []int

	version     atomic.Uint64
	broadcastMu sync.Mutex
}

func NewManager(st store.QueueStore, notifier Notifier, opts Options) *Manager {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if notifier == nil {
		notifier = Notifiers(nil)
	}
	m := &Manager{
		store:    st,
		notifier: notifier,
		sessions: opts.Sessions,
		timeout:  opts.StoreTimeout,
		now:      opts.Now,
		tracer:   otel.Tracer("qms/branch-queue/queue"),
		lanes:    make(map[int]*lane, len(opts.Counters)),
		router:   newRouter(opts.Counters, opts.FallbackCounter),
	}
	for _, counter := range opts.Counters {
		if counter.Status == "" {
			counter.Status = models.CounterAvailable
		}
		m.lanes[counter.CounterID] = &lane{counter: counter}
		m.ids = append(m.ids, counter.CounterID)
	}
	sort.Ints(m.ids)
	return m
}

// Initialize rebuilds the live state from the stores. A failure leaves the
// manager unusable and should stop the process.
func (m *Manager) Initialize(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "queue.initialize")
	defer span.End()
	waiting, err := m.load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	log.Printf("queue initialized counters=%d waiting=%d last_number=%d", len(m.ids), waiting, m.lastTicketNumber())
	return nil
}

// Resync reloads the live state from the stores and pushes it to every
// subscriber.
func (m *Manager) Resync(ctx context.Context) (models.Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "queue.resync")
	defer span.End()
	waiting, err := m.load(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Snapshot{}, err
	}
	span.SetAttributes(attribute.Int("queue.waiting", waiting))
	return m.publish(), nil
}

func (m *Manager) load(ctx context.Context) (int, error) {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	m.lockAll()
	defer m.unlockAll()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	maxNumber, err := m.store.MaxTicketNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("load ticket number: %w", err)
	}
	waiting, err := m.store.ListWaitingTickets(ctx)
	if err != nil {
		return 0, fmt.Errorf("load waiting tickets: %w", err)
	}
	counters, err := m.store.ListCounters(ctx)
	if err != nil {
		return 0, fmt.Errorf("load counters: %w", err)
	}

	loaded := make(map[int]models.Counter, len(counters))
	for _, counter := range counters {
		if _, ok := m.lanes[counter.CounterID]; !ok {
			log.Printf("ignore unknown counter id=%d", counter.CounterID)
			continue
		}
		if counter.CurrentTicketID != nil {
			current, err := m.store.GetTicket(ctx, *counter.CurrentTicketID)
			switch {
			case err == nil && current.Status == models.StatusServing:
				counter.CurrentTicket = &current
			case err == nil || errors.Is(err, store.ErrTicketNotFound):
				log.Printf("drop stale current ticket counter=%d ticket=%s", counter.CounterID, *counter.CurrentTicketID)
				counter.CurrentTicketID = nil
			default:
				return 0, fmt.Errorf("load current ticket for counter %d: %w", counter.CounterID, err)
			}
		}
		loaded[counter.CounterID] = counter
	}

	queues := make(map[int][]models.Ticket, len(m.lanes))
	for _, ticket := range waiting {
		counterID := ticket.CounterID
		if _, ok := m.lanes[counterID]; !ok {
			counterID = m.router.fallback
			log.Printf("reroute waiting ticket=%s from counter=%d to counter=%d", ticket.TicketID, ticket.CounterID, counterID)
		}
		queues[counterID] = append(queues[counterID], ticket)
	}

	for _, id := range m.ids {
		l := m.lanes[id]
		if counter, ok := loaded[id]; ok {
			l.counter = counter
		}
		if l.counter.CurrentTicket != nil {
			l.counter.Status = models.CounterServing
		} else if l.counter.Status == models.CounterServing {
			l.counter.Status = models.CounterAvailable
		}
		l.queue = queues[id]
	}
	m.router = newRouter(m.counterList(), m.router.fallback)
	m.lastNumber = maxNumber
	return len(waiting), nil
}

// IssueTicket numbers, persists and enqueues a new ticket. Nothing is
// enqueued unless the ticket was stored.
func (m *Manager) IssueTicket(ctx context.Context, req IssueRequest) (models.Ticket, error) {
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.Service = strings.TrimSpace(req.Service)
	req.CustomService = strings.TrimSpace(req.CustomService)
	req.Language = strings.TrimSpace(req.Language)
	var missing []string
	if req.CustomerName == "" {
		missing = append(missing, "customerName")
	}
	if req.Service == "" {
		missing = append(missing, "service")
	}
	if req.Language == "" {
		missing = append(missing, "language")
	}
	if len(missing) > 0 {
		return models.Ticket{}, &ValidationError{Fields: missing}
	}

	ctx, span := m.tracer.Start(ctx, "queue.issue_ticket")
	defer span.End()

	ticket, err := m.issue(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Ticket{}, err
	}
	span.SetAttributes(
		attribute.Int64("ticket.number", ticket.Number),
		attribute.Int("counter.id", ticket.CounterID),
	)
	ticketsIssued.Add(1)
	m.publish(event{name: models.EventTicketIssued, payload: ticket})
	return ticket, nil
}

func (m *Manager) issue(ctx context.Context, req IssueRequest) (models.Ticket, error) {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()

	counterID, customService := m.router.resolve(req.Service, req.CustomService)
	l, ok := m.lanes[counterID]
	if !ok {
		return models.Ticket{}, store.ErrCounterNotFound
	}

	ticket := models.Ticket{
		TicketID:      uuid.NewString(),
		CustomerName:  req.CustomerName,
		Service:       req.Service,
		CustomService: customService,
		Language:      req.Language,
		CounterID:     counterID,
		Status:        models.StatusWaiting,
		CreatedAt:     m.now(),
	}

	// Another writer may have issued numbers behind our back; refresh the
	// sequence from the store once and retry.
	for attempt := 0; ; attempt++ {
		ticket.Number = m.lastNumber + 1
		err := m.persist(ctx, func(ctx context.Context) error {
			return m.store.CreateTicket(ctx, ticket)
		})
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicateTicketNumber) || attempt > 0 {
			return models.Ticket{}, fmt.Errorf("create ticket: %w", err)
		}
		var maxNumber int64
		if err := m.persist(ctx, func(ctx context.Context) error {
			var err error
			maxNumber, err = m.store.MaxTicketNumber(ctx)
			return err
		}); err != nil {
			return models.Ticket{}, fmt.Errorf("refresh ticket number: %w", err)
		}
		if maxNumber > m.lastNumber {
			m.lastNumber = maxNumber
		}
	}
	m.lastNumber = ticket.Number

	l.mu.Lock()
	l.queue = append(l.queue, ticket)
	l.mu.Unlock()
	return ticket, nil
}

// CallNext moves the oldest waiting ticket of a counter into its serving
// slot. ok is false when nobody is waiting. A failed store write after the
// move is logged and left for the next resync.
func (m *Manager) CallNext(ctx context.Context, counterID int) (models.Ticket, bool, error) {
	l, ok := m.lanes[counterID]
	if !ok {
		return models.Ticket{}, false, store.ErrCounterNotFound
	}
	ctx, span := m.tracer.Start(ctx, "queue.call_next", trace.WithAttributes(attribute.Int("counter.id", counterID)))
	defer span.End()

	l.mu.Lock()
	if l.counter.CurrentTicket != nil {
		l.mu.Unlock()
		return models.Ticket{}, false, store.ErrCounterBusy
	}
	if l.counter.Status == models.CounterClosed {
		l.mu.Unlock()
		return models.Ticket{}, false, store.ErrCounterUnavailable
	}
	if len(l.queue) == 0 {
		l.mu.Unlock()
		span.SetAttributes(attribute.Bool("queue.empty", true))
		return models.Ticket{}, false, nil
	}

	ticket := l.queue[0]
	l.queue = l.queue[1:]
	now := m.now()
	wait := models.Minutes(ticket.CreatedAt, now)
	ticket.Status = models.StatusServing
	ticket.CounterID = counterID
	ticket.CalledAt = &now
	ticket.WaitTime = &wait

	current := ticket
	l.counter.CurrentTicket = &current
	l.counter.CurrentTicketID = &current.TicketID
	l.counter.Status = models.CounterServing
	l.counter.UpdatedAt = now
	counterName := l.counter.Name

	err := m.persist(ctx, func(ctx context.Context) error {
		return m.store.CallTicket(ctx, store.CallInput{
			TicketID:  ticket.TicketID,
			CounterID: counterID,
			CalledAt:  now,
			WaitTime:  wait,
		})
	})
	l.mu.Unlock()

	if err != nil {
		callPersistErrors.Add(1)
		span.RecordError(err)
		log.Printf("call next persist failed counter=%d ticket=%s number=%d: %v", counterID, ticket.TicketID, ticket.Number, err)
	}
	span.SetAttributes(attribute.String("ticket.id", ticket.TicketID), attribute.Int64("ticket.number", ticket.Number))
	customersCalled.Add(1)
	m.publish(event{
		name:    models.EventCustomerCalled,
		payload: models.CalledEvent{Customer: ticket, Counter: counterID, CounterName: counterName},
	})
	return ticket, true, nil
}

// CompleteService closes the ticket being served at a counter. ok is false
// when the counter was idle. The counter only changes once the store
// accepted the write.
func (m *Manager) CompleteService(ctx context.Context, counterID int) (models.Ticket, bool, error) {
	l, ok := m.lanes[counterID]
	if !ok {
		return models.Ticket{}, false, store.ErrCounterNotFound
	}
	ctx, span := m.tracer.Start(ctx, "queue.complete_service", trace.WithAttributes(attribute.Int("counter.id", counterID)))
	defer span.End()

	l.mu.Lock()
	if l.counter.CurrentTicket == nil {
		l.mu.Unlock()
		return models.Ticket{}, false, nil
	}

	ticket := *l.counter.CurrentTicket
	now := m.now()
	calledAt := now
	if ticket.CalledAt != nil {
		calledAt = *ticket.CalledAt
	}
	serviceTime := models.Minutes(calledAt, now)
	served := l.counter.ServedCount + 1
	avg := math.Round((l.counter.AvgServiceTime*float64(l.counter.ServedCount)+serviceTime)/float64(served)*100) / 100

	input := store.CompleteInput{
		TicketID:       ticket.TicketID,
		CounterID:      counterID,
		CompletedAt:    now,
		ServiceTime:    serviceTime,
		ServedCount:    served,
		AvgServiceTime: avg,
	}
	var committed *models.Ticket
	err := m.persist(ctx, func(ctx context.Context) error {
		err := m.store.CompleteTicket(ctx, input)
		if !errors.Is(err, store.ErrInvalidState) {
			return err
		}
		stored, getErr := m.store.GetTicket(ctx, ticket.TicketID)
		if getErr != nil {
			return err
		}
		switch stored.Status {
		case models.StatusCompleted:
			// An earlier attempt committed but its reply was lost.
			committed = &stored
			return nil
		case models.StatusWaiting:
			// The call never reached the store; replay it first.
			wait := 0.0
			if ticket.WaitTime != nil {
				wait = *ticket.WaitTime
			}
			if callErr := m.store.CallTicket(ctx, store.CallInput{
				TicketID:  ticket.TicketID,
				CounterID: counterID,
				CalledAt:  calledAt,
				WaitTime:  wait,
			}); callErr != nil {
				return fmt.Errorf("replay call: %w", callErr)
			}
			return m.store.CompleteTicket(ctx, input)
		}
		return err
	})
	if err != nil {
		l.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Ticket{}, false, fmt.Errorf("complete ticket: %w", err)
	}
	if committed != nil {
		if committed.CompletedAt != nil {
			now = *committed.CompletedAt
		}
		if committed.ServiceTime != nil {
			serviceTime = *committed.ServiceTime
		}
		avg = math.Round((l.counter.AvgServiceTime*float64(l.counter.ServedCount)+serviceTime)/float64(served)*100) / 100
		log.Printf("complete already stored counter=%d ticket=%s", counterID, ticket.TicketID)
	}

	ticket.Status = models.StatusCompleted
	ticket.CompletedAt = &now
	ticket.ServiceTime = &serviceTime
	l.counter.CurrentTicket = nil
	l.counter.CurrentTicketID = nil
	l.counter.Status = models.CounterAvailable
	l.counter.ServedCount = served
	l.counter.AvgServiceTime = avg
	l.counter.UpdatedAt = now
	l.mu.Unlock()

	servicesCompleted.Add(1)
	m.publish(event{
		name:    models.EventServiceCompleted,
		payload: models.CompletedEvent{Customer: ticket, Counter: counterID},
	})
	return ticket, true, nil
}

// SetCounterStatus switches an idle counter between available, break and
// closed. Serving is only entered through CallNext.
func (m *Manager) SetCounterStatus(ctx context.Context, counterID int, status string) (models.Counter, error) {
	if status == models.CounterServing || !models.ValidCounterStatus(status) {
		return models.Counter{}, &ValidationError{Fields: []string{"status"}}
	}
	l, ok := m.lanes[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}

	l.mu.Lock()
	if l.counter.CurrentTicket != nil {
		l.mu.Unlock()
		return models.Counter{}, store.ErrCounterBusy
	}
	if err := m.persist(ctx, func(ctx context.Context) error {
		return m.store.UpdateCounterStatus(ctx, counterID, status)
	}); err != nil {
		l.mu.Unlock()
		return models.Counter{}, fmt.Errorf("update counter status: %w", err)
	}
	l.counter.Status = status
	l.counter.UpdatedAt = m.now()
	counter := copyCounter(l.counter)
	l.mu.Unlock()

	m.publish()
	return counter, nil
}

func (m *Manager) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	var ticket models.Ticket
	err := m.persist(ctx, func(ctx context.Context) error {
		var err error
		ticket, err = m.store.GetTicket(ctx, ticketID)
		return err
	})
	return ticket, err
}

func (m *Manager) Counter(counterID int) (models.Counter, bool) {
	l, ok := m.lanes[counterID]
	if !ok {
		return models.Counter{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return copyCounter(l.counter), true
}

// Snapshot copies every queue and counter under all lane locks so the
// result is one consistent view.
func (m *Manager) Snapshot() models.Snapshot {
	m.lockAll()
	defer m.unlockAll()
	snapshot := models.Snapshot{
		Version:  m.version.Add(1),
		Queues:   make(map[int][]models.Ticket, len(m.ids)),
		Counters: make(map[int]models.Counter, len(m.ids)),
	}
	for _, id := range m.ids {
		l := m.lanes[id]
		queue := make([]models.Ticket, len(l.queue))
		copy(queue, l.queue)
		snapshot.Queues[id] = queue
		snapshot.Counters[id] = copyCounter(l.counter)
	}
	return snapshot
}

// WithSnapshot calls deliver with a fresh snapshot while holding the
// publish lock, so nothing published later can be delivered before it.
// deliver must not block.
func (m *Manager) WithSnapshot(deliver func(models.Snapshot)) {
	m.broadcastMu.Lock()
	defer m.broadcastMu.Unlock()
	deliver(m.Snapshot())
}

// publish sends a fresh snapshot followed by the given events. Holding
// broadcastMu across both keeps pushes in version order.
func (m *Manager) publish(events ...event) models.Snapshot {
	m.broadcastMu.Lock()
	defer m.broadcastMu.Unlock()
	snapshot := m.Snapshot()
	m.notifier.BroadcastSnapshot(snapshot)
	for _, e := range events {
		m.notifier.BroadcastEvent(e.name, e.payload)
	}
	return snapshot
}

func (m *Manager) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return fn(ctx)
}

func (m *Manager) lastTicketNumber() int64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	return m.lastNumber
}

func (m *Manager) lockAll() {
	for _, id := range m.ids {
		m.lanes[id].mu.Lock()
	}
}

func (m *Manager) unlockAll() {
	for i := len(m.ids) - 1; i >= 0; i-- {
		m.lanes[m.ids[i]].mu.Unlock()
	}
}

// counterList requires every lane lock.
func (m *Manager) counterList() []models.Counter {
	counters := make([]models.Counter, 0, len(m.ids))
	for _, id := range m.ids {
		counters = append(counters, m.lanes[id].counter)
	}
	return counters
}

func copyCounter(counter models.Counter) models.Counter {
	if counter.CurrentTicket != nil {
		current := *counter.CurrentTicket
		counter.CurrentTicket = &current
		counter.CurrentTicketID = &current.TicketID
	}
	if counter.Staff != nil {
		staff := *counter.Staff
		counter.Staff = &staff
	}
	return counter
}
