// Package fabric is the topic-based publish/subscribe layer that carries
// lifecycle and location events to connected clients. Topics are
// connection-scoped: nothing survives a process restart, and an event
// published to a topic with no subscribers is dropped.
package fabric

import (
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/observability"
)

// Topic name helpers. One topic class per audience.
func RideTopic(rideID string) string           { return "ride:" + rideID }
func DriverTopic(driverID string) string       { return "driver:" + driverID }
func PassengerTopic(passengerID string) string { return "passenger:" + passengerID }

// Event is the envelope written to subscribers.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Conn is the write side of a subscriber connection. *websocket.Conn
// satisfies it; tests use fakes.
type Conn interface {
	WriteJSON(v any) error
}

// Session is one connected client. A session may be subscribed to any
// number of topics; the write mutex serializes concurrent publishes onto
// the same connection.
type Session struct {
	conn   Conn
	mu     sync.Mutex
	topics map[string]struct{} // guarded by the hub mutex
}

func (s *Session) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Hub owns all topics and sessions. Topics are created lazily on first
// join and removed once their last subscriber leaves.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Session]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{topics: make(map[string]map[*Session]struct{}), logger: logger}
}

// Register wraps a connection into a session. The session belongs to no
// topic until it joins one.
func (h *Hub) Register(conn Conn) *Session {
	return &Session{conn: conn, topics: make(map[string]struct{})}
}

// Join subscribes the session to a topic, creating the topic if needed.
func (h *Hub) Join(s *Session, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.join(s, topic)
}

func (h *Hub) join(s *Session, topic string) {
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Session]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	s.topics[topic] = struct{}{}
}

// Unregister removes the session from every topic it joined, dropping
// topics that become empty.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range s.topics {
		if subs, ok := h.topics[topic]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	s.topics = make(map[string]struct{})
}

// JoinMembers subscribes every current member of src to dst. This is how
// an accepting driver's open connections are pulled into the ride topic,
// and how a requesting passenger's connections join it at request time.
func (h *Hub) JoinMembers(src, dst string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.topics[src] {
		h.join(s, dst)
	}
}

// Publish delivers the event to every current subscriber of the topic.
// Fire-and-forget: write errors are logged and otherwise ignored, a
// missing topic is a no-op.
func (h *Hub) Publish(topic, event string, data any) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	observability.EventsPublished.WithLabelValues(event).Inc()
	ev := Event{Event: event, Data: data}
	for _, s := range sessions {
		if err := s.send(ev); err != nil && h.logger != nil {
			h.logger.Debug("event write failed", "topic", topic, "event", event, "error", err)
		}
	}
}

// Subscribers reports the current subscriber count of a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
