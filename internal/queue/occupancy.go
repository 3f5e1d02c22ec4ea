package queue

import (
	"context"
	"errors"
	"fmt"
	"log"

	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OccupiedError reports the staff member holding a counter.
type OccupiedError struct {
	CounterID int
	Occupant  string
}

func (e *OccupiedError) Error() string {
	return fmt.Sprintf("counter %d occupied by %s", e.CounterID, e.Occupant)
}

func (e *OccupiedError) Unwrap() error {
	return store.ErrCounterOccupied
}

// ClaimCounter assigns the session's staff to a counter. A counter held by
// another live session is refused; an assignment whose session is gone is
// overwritten.
func (m *Manager) ClaimCounter(ctx context.Context, counterID int, session models.Session) (models.Counter, error) {
	l, ok := m.lanes[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	ctx, span := m.tracer.Start(ctx, "queue.claim_counter", trace.WithAttributes(
		attribute.Int("counter.id", counterID),
		attribute.String("staff.username", session.Staff.Username),
	))
	defer span.End()

	l.mu.Lock()
	if occupant := l.counter.Staff; occupant != nil && occupant.SessionID != session.SessionID {
		live, err := m.sessionLive(ctx, occupant.SessionID)
		if err != nil {
			l.mu.Unlock()
			span.RecordError(err)
			return models.Counter{}, fmt.Errorf("check occupant session: %w", err)
		}
		if live {
			l.mu.Unlock()
			span.SetStatus(codes.Error, "counter occupied")
			return models.Counter{}, &OccupiedError{CounterID: counterID, Occupant: occupant.DisplayName}
		}
		log.Printf("overwrite stale staff counter=%d username=%s", counterID, occupant.Username)
	}

	staff := session.Staff
	staff.SessionID = session.SessionID
	if err := m.persist(ctx, func(ctx context.Context) error {
		return m.store.AssignStaff(ctx, counterID, &staff)
	}); err != nil {
		l.mu.Unlock()
		span.RecordError(err)
		return models.Counter{}, fmt.Errorf("assign staff: %w", err)
	}
	l.counter.Staff = &staff
	l.counter.UpdatedAt = m.now()
	counter := copyCounter(l.counter)
	l.mu.Unlock()

	m.publish(event{name: models.EventCounterStaff, payload: models.StaffEvent{Counter: counterID, Staff: counter.Staff}})
	return counter, nil
}

// ReleaseCounter clears a counter's staff assignment. With a non-empty
// sessionID only that session's assignment is cleared.
func (m *Manager) ReleaseCounter(ctx context.Context, counterID int, sessionID string) error {
	l, ok := m.lanes[counterID]
	if !ok {
		return store.ErrCounterNotFound
	}

	l.mu.Lock()
	occupant := l.counter.Staff
	if occupant == nil {
		l.mu.Unlock()
		return nil
	}
	if sessionID != "" && occupant.SessionID != sessionID {
		l.mu.Unlock()
		return &OccupiedError{CounterID: counterID, Occupant: occupant.DisplayName}
	}
	if err := m.persist(ctx, func(ctx context.Context) error {
		return m.store.AssignStaff(ctx, counterID, nil)
	}); err != nil {
		l.mu.Unlock()
		return fmt.Errorf("release staff: %w", err)
	}
	l.counter.Staff = nil
	l.counter.UpdatedAt = m.now()
	l.mu.Unlock()

	log.Printf("counter released counter=%d username=%s", counterID, occupant.Username)
	m.publish(event{name: models.EventCounterStaff, payload: models.StaffEvent{Counter: counterID}})
	return nil
}

// ReleaseSession clears every counter held by a session, for logout.
func (m *Manager) ReleaseSession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, nil
	}
	released := 0
	for _, assignment := range m.assignments() {
		if assignment.sessionID != sessionID {
			continue
		}
		err := m.ReleaseCounter(ctx, assignment.counterID, sessionID)
		var occupied *OccupiedError
		if errors.As(err, &occupied) {
			continue
		}
		if err != nil {
			return released, err
		}
		released++
	}
	return released, nil
}

type assignment struct {
	counterID int
	sessionID string
}

func (m *Manager) assignments() []assignment {
	var out []assignment
	for _, id := range m.ids {
		l := m.lanes[id]
		l.mu.Lock()
		if l.counter.Staff != nil {
			out = append(out, assignment{counterID: id, sessionID: l.counter.Staff.SessionID})
		}
		l.mu.Unlock()
	}
	return out
}

func (m *Manager) sessionLive(ctx context.Context, sessionID string) (bool, error) {
	if m.sessions == nil {
		return true, nil
	}
	if sessionID == "" {
		return false, nil
	}
	err := m.persist(ctx, func(ctx context.Context) error {
		_, err := m.sessions.GetSession(ctx, sessionID)
		return err
	})
	if errors.Is(err, store.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
