package events

import (
	"fmt"
	"log"
	"strings"

	"qms/branch-queue/internal/hub"
	"qms/branch-queue/internal/models"

	"github.com/nats-io/nats.go"
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var subjects = map[string]string{
	models.EventQueueUpdate:      "queue.snapshot",
	models.EventTicketIssued:     "ticket.issued",
	models.EventCustomerCalled:   "customer.called",
	models.EventServiceCompleted: "service.completed",
	models.EventCounterStaff:     "counter.staff",
}

// Relay forwards queue changes to NATS for collaborators outside the
// process, such as the announcement speaker.
type Relay struct {
	pub    Publisher
	prefix string
}

func NewRelay(pub Publisher, prefix string) *Relay {
	return &Relay{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Connect dials NATS and returns a relay publishing under prefix. The
// returned connection must be drained by the caller.
func Connect(url, prefix string) (*Relay, *nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name("branch-queue"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewRelay(conn, prefix), conn, nil
}

func (r *Relay) Subject(name string) string {
	suffix, ok := subjects[name]
	if !ok {
		suffix = "event." + name
	}
	if r.prefix == "" {
		return suffix
	}
	return r.prefix + "." + suffix
}

func (r *Relay) BroadcastSnapshot(snapshot models.Snapshot) {
	r.BroadcastEvent(models.EventQueueUpdate, snapshot)
}

func (r *Relay) BroadcastEvent(name string, payload any) {
	data, err := hub.Encode(name, payload)
	if err != nil {
		log.Printf("encode nats event type=%s: %v", name, err)
		return
	}
	subject := r.Subject(name)
	if err := r.pub.Publish(subject, data); err != nil {
		log.Printf("nats publish subject=%s: %v", subject, err)
	}
}
