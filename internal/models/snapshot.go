package models

type Snapshot struct {
	Version  uint64           `json:"version"`
	Queues   map[int][]Ticket `json:"queues"`
	Counters map[int]Counter  `json:"counters"`
}

type CalledEvent struct {
	Customer    Ticket `json:"customer"`
	Counter     int    `json:"counter"`
	CounterName string `json:"counterName"`
}

type CompletedEvent struct {
	Customer Ticket `json:"customer"`
	Counter  int    `json:"counter"`
}

type StaffEvent struct {
	Counter int    `json:"counter"`
	Staff   *Staff `json:"staff"`
}

const (
	EventQueueUpdate      = "queueUpdate"
	EventCustomerCalled   = "customerCalled"
	EventTicketIssued     = "ticketIssued"
	EventServiceCompleted = "serviceCompleted"
	EventCounterStaff     = "counterStaff"
)
