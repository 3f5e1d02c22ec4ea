package store

import (
	"context"
	"time"

	"qms/branch-queue/internal/models"
)

type CallInput struct {
	TicketID  string
	CounterID int
	CalledAt  time.Time
	WaitTime  float64
}

type CompleteInput struct {
	TicketID       string
	CounterID      int
	CompletedAt    time.Time
	ServiceTime    float64
	ServedCount    int
	AvgServiceTime float64
}

type TicketStore interface {
	MaxTicketNumber(ctx context.Context) (int64, error)
	CreateTicket(ctx context.Context, ticket models.Ticket) error
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListWaitingTickets(ctx context.Context) ([]models.Ticket, error)
}

type CounterStore interface {
	SeedCounters(ctx context.Context, counters []models.Counter) error
	ListCounters(ctx context.Context) ([]models.Counter, error)
	// CallTicket moves the ticket to serving and points the counter at it
	// in one write.
	CallTicket(ctx context.Context, input CallInput) error
	// CompleteTicket closes the ticket and frees the counter in one write.
	CompleteTicket(ctx context.Context, input CompleteInput) error
	UpdateCounterStatus(ctx context.Context, counterID int, status string) error
	AssignStaff(ctx context.Context, counterID int, staff *models.Staff) error
}

type QueueStore interface {
	TicketStore
	CounterStore
}

type BootstrapStaff struct {
	Username    string
	DisplayName string
	Password    string
	Role        string
}

type StaffStore interface {
	Authenticate(ctx context.Context, username, password string) (models.Staff, error)
	CreateSession(ctx context.Context, staff models.Staff, counterID int, expiresAt time.Time) (models.Session, error)
	GetSession(ctx context.Context, sessionID string) (models.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	SeedStaff(ctx context.Context, staff []BootstrapStaff) error
}
