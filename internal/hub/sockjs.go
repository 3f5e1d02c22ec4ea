package hub

import (
	"log"
	"net/http"

	"github.com/igm/sockjs-go/sockjs"
)

// Handler serves the push channel over SockJS under prefix.
func (h *Hub) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		log.Printf("realtime connect session=%s clients=%d", session.ID(), h.Count())
		h.Serve(session)
		log.Printf("realtime disconnect session=%s", session.ID())
	})
}
