package hub

import (
	"encoding/json"
	"expvar"
	"log"
	"sync"

	"qms/branch-queue/internal/models"

	"github.com/google/uuid"
)

var droppedMessages = expvar.NewInt("realtime_dropped_total")

// Message is the envelope every push is wrapped in.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type Client struct {
	ID   string
	Send chan []byte
}

// Conn is the part of a push session the hub needs.
type Conn interface {
	Send(msg string) error
	Recv() (string, error)
}

// SnapshotSource hands the current state to deliver while no other
// broadcast can run, so a connecting client never queues an older snapshot
// behind a newer one.
type SnapshotSource func(deliver func(models.Snapshot))

// Hub fans snapshots and events out to every connected client. Delivery is
// best effort: a client whose buffer is full misses the message.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	buffer   int
	snapshot SnapshotSource
}

// New returns a hub whose clients buffer up to buffer messages. snapshot
// provides the state sent to a client right after it connects.
func New(buffer int, snapshot SnapshotSource) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{clients: make(map[string]*Client), buffer: buffer, snapshot: snapshot}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Send <- payload:
		default:
			droppedMessages.Add(1)
			log.Printf("drop message for client %s", client.ID)
		}
	}
}

func (h *Hub) BroadcastSnapshot(snapshot models.Snapshot) {
	h.BroadcastEvent(models.EventQueueUpdate, snapshot)
}

func (h *Hub) BroadcastEvent(name string, payload any) {
	data, err := Encode(name, payload)
	if err != nil {
		log.Printf("encode realtime message type=%s: %v", name, err)
		return
	}
	h.Broadcast(data)
}

// Serve registers conn, pushes the current snapshot and then forwards every
// broadcast until the peer goes away.
func (h *Hub) Serve(conn Conn) {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, h.buffer)}
	h.Register(client)
	defer h.Unregister(client)
	h.sendSnapshot(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range client.Send {
			if err := conn.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := conn.Recv()
		if err != nil {
			break
		}
		if isRefresh(msg) {
			h.sendSnapshot(client)
		}
	}
	h.Unregister(client)
	<-done
}

// sendSnapshot queues the current state for one client. Registering before
// taking the snapshot means no later change can be missed.
func (h *Hub) sendSnapshot(client *Client) {
	if h.snapshot == nil {
		return
	}
	h.snapshot(func(snapshot models.Snapshot) {
		data, err := Encode(models.EventQueueUpdate, snapshot)
		if err != nil {
			log.Printf("encode snapshot for client %s: %v", client.ID, err)
			return
		}
		h.sendTo(client, data)
	})
}

func (h *Hub) sendTo(client *Client, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- payload:
	default:
		droppedMessages.Add(1)
		log.Printf("drop message for client %s", client.ID)
	}
}

func Encode(name string, payload any) ([]byte, error) {
	return json.Marshal(Message{Type: name, Payload: payload})
}

type clientMessage struct {
	Action string `json:"action"`
}

// isRefresh reports whether a client asked for a fresh snapshot.
func isRefresh(data string) bool {
	var msg clientMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return false
	}
	return msg.Action == "refresh"
}
