package hub

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"qms/branch-queue/internal/models"
)

type fakeConn struct {
	sent chan string
	recv chan string
}

func newFakeConn() *fakeConn {
	return &fakeConn{sent: make(chan string, 16), recv: make(chan string)}
}

func (c *fakeConn) Send(msg string) error {
	c.sent <- msg
	return nil
}

func (c *fakeConn) Recv() (string, error) {
	msg, ok := <-c.recv
	if !ok {
		return "", errors.New("closed")
	}
	return msg, nil
}

func (c *fakeConn) next(t *testing.T) Message {
	t.Helper()
	select {
	case raw := <-c.sent:
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Message{}
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", want, h.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeSendsSnapshotOnConnect(t *testing.T) {
	h := New(4, func(deliver func(models.Snapshot)) {
		deliver(models.Snapshot{Version: 7, Queues: map[int][]models.Ticket{1: {}}, Counters: map[int]models.Counter{}})
	})
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		h.Serve(conn)
		close(done)
	}()

	msg := conn.next(t)
	if msg.Type != models.EventQueueUpdate {
		t.Fatalf("expected queueUpdate, got %s", msg.Type)
	}
	payload := msg.Payload.(map[string]any)
	if payload["version"].(float64) != 7 {
		t.Fatalf("unexpected snapshot payload: %v", payload)
	}

	close(conn.recv)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not return")
	}
	if h.Count() != 0 {
		t.Fatalf("client not unregistered")
	}
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	h := New(4, nil)
	first, second := newFakeConn(), newFakeConn()
	go h.Serve(first)
	go h.Serve(second)
	waitForClients(t, h, 2)

	h.BroadcastEvent(models.EventCustomerCalled, models.CalledEvent{Counter: 3, CounterName: "Counter 3"})
	for _, conn := range []*fakeConn{first, second} {
		msg := conn.next(t)
		if msg.Type != models.EventCustomerCalled {
			t.Fatalf("expected customerCalled, got %s", msg.Type)
		}
		payload := msg.Payload.(map[string]any)
		if payload["counter"].(float64) != 3 || payload["counterName"] != "Counter 3" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	}
	close(first.recv)
	close(second.recv)
}

func TestRefreshRequestSendsSnapshot(t *testing.T) {
	calls := 0
	h := New(4, func(deliver func(models.Snapshot)) {
		calls++
		deliver(models.Snapshot{Version: uint64(calls)})
	})
	conn := newFakeConn()
	go h.Serve(conn)
	conn.next(t)

	conn.recv <- `{"action":"refresh"}`
	msg := conn.next(t)
	if msg.Payload.(map[string]any)["version"].(float64) != 2 {
		t.Fatalf("expected second snapshot, got %v", msg.Payload)
	}
	close(conn.recv)
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	h := New(1, nil)
	client := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(client)

	h.Broadcast([]byte("one"))
	h.Broadcast([]byte("two"))

	if got := string(<-client.Send); got != "one" {
		t.Fatalf("expected first message kept, got %s", got)
	}
	select {
	case msg := <-client.Send:
		t.Fatalf("expected second message dropped, got %s", msg)
	default:
	}
	h.Unregister(client)
	h.Unregister(client)
}
