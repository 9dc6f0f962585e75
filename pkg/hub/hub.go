// Package hub fans verification events out to long-lived WebSocket
// subscribers. A single event loop owns the subscriber set; broadcasts never
// block on a slow subscriber — a full buffer gets the subscriber evicted.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the deadline applied to every outbound frame.
	writeWait = 10 * time.Second

	// pongWait is how long a subscriber may stay silent before its read fails.
	pongWait = 60 * time.Second

	// pingPeriod is the keep-alive cadence.
	pingPeriod = 30 * time.Second

	// maxMessageSize caps inbound frames; subscribers have no real protocol
	// toward the hub, so anything large is garbage.
	maxMessageSize = 512 * 1024

	// sendBufferSize is the per-subscriber outbound buffer. A subscriber that
	// falls this far behind is shed.
	sendBufferSize = 256

	// broadcastBacklog bounds the hub's own input channels.
	broadcastBacklog = 100
)

// Envelope is the wire format every subscriber payload uses.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// AuditResult is the audit_result payload, in the shape monitoring
// dashboards consume.
type AuditResult struct {
	AuditID               string              `json:"audit_id"`
	RequestID             string              `json:"request_id"`
	UserQuery             string              `json:"user_query"`
	LLMResponse           string              `json:"llm_response"`
	FaithfulnessScore     float64             `json:"faithfulness_score"`
	RelevancyScore        float64             `json:"relevancy_score"`
	OverallScore          float64             `json:"overall_score"`
	HallucinationDetected bool                `json:"hallucination_detected"`
	Claims                []ClaimVerification `json:"claims"`
	ReasoningTrace        string              `json:"reasoning_trace"`
	ProcessingTimeMs      int64               `json:"processing_time_ms"`
	Timestamp             string              `json:"timestamp"`
	Provider              string              `json:"provider,omitempty"`
	Model                 string              `json:"model,omitempty"`
}

// ClaimVerification is one claim verdict inside an AuditResult.
type ClaimVerification struct {
	Claim      string   `json:"claim"`
	Status     string   `json:"status"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence"`
}

// Event is the typed broadcast input for non-result events (audit_error).
type Event struct {
	Type      string
	RequestID string
	Error     string
}

type errorPayload struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// welcome is the first message enqueued for a new subscriber.
type welcome struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// Conn is the subscriber transport. *websocket.Conn satisfies it; tests
// inject fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (int, []byte, error)
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)
	Close() error
}

type subscriber struct {
	hub  *Hub
	conn Conn
	send chan []byte
	id   string
}

// Hub owns the subscriber set. All membership changes happen on the Run loop.
type Hub struct {
	subscribers map[*subscriber]bool
	register    chan *subscriber
	unregister  chan *subscriber
	broadcast   chan *Event
	results     chan []byte
	done        chan struct{}

	// mu guards the subscriber map and counters: the Run loop writes, count
	// and stat readers take the shared side.
	mu               sync.RWMutex
	totalConnections int
	totalBroadcasts  int
}

// NewHub creates a hub; call Run to start the event loop.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]bool),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		broadcast:   make(chan *Event, broadcastBacklog),
		results:     make(chan []byte, broadcastBacklog),
		done:        make(chan struct{}),
	}
}

// Run is the hub event loop. It exits when ctx is cancelled, closing every
// subscriber buffer on the way out.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subscribers {
				close(s.send)
				delete(h.subscribers, s)
			}
			h.mu.Unlock()
			return

		case s := <-h.register:
			h.mu.Lock()
			h.subscribers[s] = true
			h.totalConnections++
			count := len(h.subscribers)
			h.mu.Unlock()
			log.Printf("subscriber connected (id: %s, total: %d)", s.id, count)

			if data, err := json.Marshal(welcome{Type: "connected", RequestID: s.id}); err == nil {
				select {
				case s.send <- data:
				default:
				}
			}

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subscribers[s]; ok {
				delete(h.subscribers, s)
				close(s.send)
			}
			count := len(h.subscribers)
			h.mu.Unlock()
			log.Printf("subscriber disconnected (id: %s, remaining: %d)", s.id, count)

		case e := <-h.broadcast:
			env := Envelope{
				Type:      e.Type,
				Timestamp: time.Now().Format(time.RFC3339),
				Data:      errorPayload{RequestID: e.RequestID, Error: e.Error},
			}
			data, err := json.Marshal(env)
			if err != nil {
				log.Printf("marshal broadcast event: %v", err)
				continue
			}
			h.fanOut(data)

		case data := <-h.results:
			h.fanOut(data)
		}
	}
}

// fanOut delivers one serialized payload to every subscriber, evicting any
// whose buffer is full. Runs on the event loop; takes the write side because
// eviction mutates the set.
func (h *Hub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalBroadcasts++
	for s := range h.subscribers {
		select {
		case s.send <- data:
		default:
			close(s.send)
			delete(h.subscribers, s)
			log.Printf("subscriber %s too slow, evicted", s.id)
		}
	}
}

// Broadcast enqueues a typed event without blocking; under backlog pressure
// the event is dropped.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.broadcast <- e:
	default:
		log.Printf("broadcast backlog full, dropping %s event", e.Type)
	}
}

// PublishJSON enqueues an already-serialized payload without blocking; under
// backlog pressure the payload is dropped.
func (h *Hub) PublishJSON(data []byte) {
	select {
	case h.results <- data:
	default:
		log.Printf("result backlog full, dropping payload")
	}
}

// SubscriberCount reports the current active-set size.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Stats reports lifetime connection and broadcast counts.
func (h *Hub) Stats() (connections, broadcasts int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalConnections, h.totalBroadcasts
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades an HTTP request into a subscriber connection. A client_id
// query parameter overrides the assigned id.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	id := r.URL.Query().Get("client_id")
	if id == "" {
		id = uuid.New().String()
	}

	h.attach(conn, id)
}

// attach registers a subscriber over an established transport and starts its
// pumps. Refuses the connection if the hub has already shut down.
func (h *Hub) attach(conn Conn, id string) *subscriber {
	s := &subscriber{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		id:   id,
	}

	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return nil
	}

	go s.writePump()
	go s.readPump()
	return s
}

// writePump drains the subscriber's buffer onto the wire. Queued messages
// are coalesced into one text frame separated by newlines. A keep-alive ping
// goes out every pingPeriod.
func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Coalesce whatever else is queued into the same frame. Join into
			// a fresh buffer: the queued slices are shared across subscribers.
			batch := [][]byte{message}
			for n := len(s.send); n > 0; n-- {
				batch = append(batch, <-s.send)
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, bytes.Join(batch, []byte{'\n'})); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes and discards inbound frames; there is no client-to-hub
// protocol. Its exit tears the subscriber down.
func (s *subscriber) readPump() {
	defer func() {
		select {
		case s.hub.unregister <- s:
		case <-s.hub.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("subscriber %s read error: %v", s.id, err)
			}
			break
		}
		log.Printf("ignoring inbound message from subscriber %s: %s", s.id, message)
	}
}
