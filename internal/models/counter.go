package models

import "time"

type Counter struct {
	CounterID      int       `json:"id"`
	Name           string    `json:"name"`
	Service        string    `json:"service"`
	Status         string    `json:"status"`
	CurrentTicket  *Ticket   `json:"currentTicket"`
	Staff          *Staff    `json:"staff,omitempty"`
	ServedCount    int       `json:"servedCount"`
	AvgServiceTime float64   `json:"avgServiceTime"`
	UpdatedAt      time.Time `json:"updatedAt"`

	// CurrentTicketID mirrors the persisted pointer; CurrentTicket is only
	// populated in memory.
	CurrentTicketID *string `json:"-"`
}

const (
	CounterAvailable = "available"
	CounterServing   = "serving"
	CounterBreak     = "break"
	CounterClosed    = "closed"
)

// Staff is the identity assigned to a counter. SessionID ties the
// assignment to a live login and is never sent to clients.
type Staff struct {
	StaffID     string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"name"`
	Role        string `json:"role,omitempty"`
	SessionID   string `json:"-"`
}

type Session struct {
	SessionID string    `json:"sessionId"`
	Staff     Staff     `json:"staff"`
	CounterID int       `json:"counterId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

func ValidCounterStatus(status string) bool {
	switch status {
	case CounterAvailable, CounterServing, CounterBreak, CounterClosed:
		return true
	}
	return false
}
