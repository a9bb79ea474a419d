package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudflair/warden/internal/storage"
)

// EventHub fans audit entries out to connected operator websockets. It is
// the out-of-band notification channel for terminal change/task states;
// operators who miss events still have the polled audit endpoints.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan storage.AuditEntry]bool
}

// NewEventHub returns an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan storage.AuditEntry]bool)}
}

// Publish delivers an entry to every subscriber. A subscriber whose buffer
// is full misses the entry; publishing never blocks a status transition.
func (h *EventHub) Publish(e storage.AuditEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered event channel.
func (h *EventHub) Subscribe() chan storage.AuditEntry {
	ch := make(chan storage.AuditEntry, 64)
	h.mu.Lock()
	h.subs[ch] = true
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel registered with Subscribe.
func (h *EventHub) Unsubscribe(ch chan storage.AuditEntry) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const eventWriteTimeout = 10 * time.Second

// handleAdminEvents upgrades the connection and streams audit events until
// the client disconnects.
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe()
	defer s.events.Unsubscribe(ch)

	// Read loop only to observe the close; operators never send data.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e := <-ch:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[server] websocket write: %v", err)
				}
				return
			}
		}
	}
}
