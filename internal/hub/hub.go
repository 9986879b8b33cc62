package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event types broadcast to session rooms.
const (
	EventAttendanceUpdate = "attendance_update"
	EventSessionEnded     = "session_ended"
	EventComplianceUpdate = "compliance_update"
	EventEngagementUpdate = "engagement_update"
)

// ErrRoomClosed is returned when publishing to a room that has ended.
var ErrRoomClosed = errors.New("session room closed")

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_hub_events_published_total",
		Help: "Events published to session rooms, by type.",
	}, []string{"type"})
	subscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_hub_subscribers_dropped_total",
		Help: "Subscribers dropped because their delivery queue was full.",
	})
)

// Event is a state change broadcast to every watcher of a session room.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
	At        time.Time   `json:"at"`
}

// Subscriber receives events for one room through a bounded channel.
// A subscriber that falls behind is dropped, never awaited.
type Subscriber struct {
	WatcherID string

	sessionID string
	ch        chan Event

	once sync.Once
}

// Events returns the delivery channel. It is closed when the subscriber
// is dropped, unsubscribed, or the room ends.
func (s *Subscriber) Events() <-chan Event { return s.ch }

func (s *Subscriber) closeOnce() {
	s.once.Do(func() { close(s.ch) })
}

type room struct {
	mu       sync.Mutex
	subs     map[*Subscriber]struct{}
	closed   bool
	terminal Event
}

// Hub is the per-session publish/subscribe fan-out. Delivery is
// best-effort and ordered within a room; nothing is ordered across rooms.
type Hub struct {
	queueSize int

	mu    sync.RWMutex
	rooms map[string]*room
}

// New creates a hub. queueSize bounds each subscriber's delivery queue.
func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{queueSize: queueSize, rooms: make(map[string]*room)}
}

func (h *Hub) room(sessionID string) *room {
	h.mu.RLock()
	rm, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if ok {
		return rm
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if rm, ok = h.rooms[sessionID]; ok {
		return rm
	}
	rm = &room{subs: make(map[*Subscriber]struct{})}
	h.rooms[sessionID] = rm
	return rm
}

// Subscribe joins a watcher to a session room. Joining a room whose
// session already ended yields the single terminal session_ended event
// followed by a closed channel; the caller should re-fetch a snapshot
// before relying on the stream.
func (h *Hub) Subscribe(sessionID, watcherID string) *Subscriber {
	rm := h.room(sessionID)
	sub := &Subscriber{
		WatcherID: watcherID,
		sessionID: sessionID,
		ch:        make(chan Event, h.queueSize),
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		sub.ch <- rm.terminal
		sub.closeOnce()
		return sub
	}
	rm.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe silently removes a watcher from its room.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.RLock()
	rm, ok := h.rooms[sub.sessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	rm.mu.Lock()
	if _, member := rm.subs[sub]; member {
		delete(rm.subs, sub)
		sub.closeOnce()
	}
	rm.mu.Unlock()
}

// Publish broadcasts an event to every subscriber of the session's room,
// in publish order. A subscriber whose queue is full is dropped.
func (h *Hub) Publish(sessionID string, evt Event) error {
	evt.SessionID = sessionID
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	rm := h.room(sessionID)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return ErrRoomClosed
	}
	rm.deliverLocked(evt)
	eventsPublished.WithLabelValues(evt.Type).Inc()
	return nil
}

// CloseRoom delivers the terminal session_ended event to every subscriber
// exactly once, closes their streams, and marks the room closed so later
// joins observe the terminal event. Idempotent.
func (h *Hub) CloseRoom(sessionID string, terminal Event) {
	terminal.SessionID = sessionID
	if terminal.At.IsZero() {
		terminal.At = time.Now().UTC()
	}
	rm := h.room(sessionID)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return
	}
	rm.deliverLocked(terminal)
	eventsPublished.WithLabelValues(terminal.Type).Inc()
	for sub := range rm.subs {
		delete(rm.subs, sub)
		sub.closeOnce()
	}
	rm.closed = true
	rm.terminal = terminal
}

// SubscriberCount returns the number of watchers in a room.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	rm, ok := h.rooms[sessionID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.subs)
}

// deliverLocked fans out one event under the room lock, which serializes
// publishes and so preserves per-room ordering on every channel.
func (rm *room) deliverLocked(evt Event) {
	for sub := range rm.subs {
		select {
		case sub.ch <- evt:
		default:
			// Slow watcher: drop it rather than block the room.
			delete(rm.subs, sub)
			sub.closeOnce()
			subscribersDropped.Inc()
		}
	}
}
