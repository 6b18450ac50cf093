package realtime

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

// Topic names. Every connected party lands in its user and role topic
// at connect time; order topics are joined on demand.
const TopicAvailableDrivers = "available-drivers"

func TopicUser(id string) string         { return "user:" + id }
func TopicRole(role, id string) string   { return role + ":" + id }
func TopicOrder(orderID string) string   { return "order:" + orderID }
func TopicStore(storeID string) string   { return "store:" + storeID }
func TopicDriver(driverID string) string { return TopicRole(RoleDriver, driverID) }

// ParseOrderTopic extracts the order id from an "order:<id>" topic.
func ParseOrderTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, "order:")
	return id, ok && id != ""
}

// Conn is the subset of a websocket connection the hub needs;
// *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Session is one authenticated connection. Writes are serialized by
// the mutex because gorilla allows a single concurrent writer.
type Session struct {
	Identity Identity
	conn     Conn
	mu       sync.Mutex
}

func (s *Session) send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Hub is the connection registry and topic fan-out. It owns no
// persistent state: a dropped session just loses its subscriptions,
// order and driver state are untouched.
type Hub struct {
	mu       sync.RWMutex
	topics   map[string]map[*Session]struct{}
	sessions map[*Session]map[string]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		topics:   make(map[string]map[*Session]struct{}),
		sessions: make(map[*Session]map[string]struct{}),
		logger:   logger,
	}
}

// Connect registers an authenticated connection and joins its own
// user and role topics. Authentication happens before this is called.
func (h *Hub) Connect(conn Conn, id Identity) *Session {
	s := &Session{Identity: id, conn: conn}
	h.mu.Lock()
	h.sessions[s] = make(map[string]struct{})
	h.mu.Unlock()
	h.Subscribe(s, TopicUser(id.UserID), TopicRole(id.Role, id.UserID))
	observability.RealtimeSessions.Inc()
	return s
}

func (h *Hub) Subscribe(s *Session, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[s]
	if !ok {
		return
	}
	for _, t := range topics {
		if h.topics[t] == nil {
			h.topics[t] = make(map[*Session]struct{})
		}
		h.topics[t][s] = struct{}{}
		subs[t] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(s *Session, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[s]
	if !ok {
		return
	}
	for _, t := range topics {
		delete(subs, t)
		if set := h.topics[t]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(h.topics, t)
			}
		}
	}
}

// Disconnect drops every subscription and closes the connection.
// It mutates nothing outside the hub: a driver socket drop does not
// mark the driver unavailable or cancel their delivery.
func (h *Hub) Disconnect(s *Session) {
	h.mu.Lock()
	subs, ok := h.sessions[s]
	if ok {
		for t := range subs {
			if set := h.topics[t]; set != nil {
				delete(set, s)
				if len(set) == 0 {
					delete(h.topics, t)
				}
			}
		}
		delete(h.sessions, s)
	}
	h.mu.Unlock()
	if ok {
		_ = s.conn.Close()
		observability.RealtimeSessions.Dec()
	}
}

// Publish delivers ev to every subscriber of topic, at most once,
// best effort. A failed write disconnects the session; the error is
// never surfaced to the caller.
func (h *Hub) Publish(topic string, ev models.Event) {
	h.mu.RLock()
	set := h.topics[topic]
	targets := make([]*Session, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.send(ev); err != nil {
			h.logger.Warn("realtime send failed, dropping session",
				"topic", topic, "user", s.Identity.UserID, "error", err)
			h.Disconnect(s)
			continue
		}
		observability.EventsPublished.WithLabelValues(ev.Name).Inc()
	}
}

// SubscriberCount is used by tests and the stats endpoint.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
