package store

import "errors"

var (
	ErrTicketNotFound        = errors.New("ticket not found")
	ErrCounterNotFound       = errors.New("counter not found")
	ErrCounterOccupied       = errors.New("counter occupied")
	ErrCounterUnavailable    = errors.New("counter unavailable")
	ErrCounterBusy           = errors.New("counter is serving")
	ErrInvalidState          = errors.New("invalid ticket state")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrSessionNotFound       = errors.New("session not found")
	ErrDuplicateTicketNumber = errors.New("ticket number already issued")
)
