package models

import (
	"math"
	"time"
)

type Ticket struct {
	TicketID      string     `json:"id"`
	Number        int64      `json:"number"`
	CustomerName  string     `json:"customerName"`
	Service       string     `json:"service"`
	CustomService string     `json:"customService,omitempty"`
	Language      string     `json:"language"`
	CounterID     int        `json:"counterId"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"timestamp"`
	CalledAt      *time.Time `json:"calledAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	WaitTime      *float64   `json:"waitTime,omitempty"`
	ServiceTime   *float64   `json:"serviceTime,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusNoShow    = "no-show"
)

// Minutes returns the elapsed time between from and to in minutes, rounded
// to two decimals.
func Minutes(from, to time.Time) float64 {
	d := to.Sub(from)
	if d < 0 {
		return 0
	}
	return math.Round(d.Minutes()*100) / 100
}
