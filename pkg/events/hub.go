// Package events fans out what the agent observes to local subscribers such
// as the UI: change notifications, sync and drain reports, mode changes.
package events

import (
	"sync"
	"time"

	"github.com/clinicsync/clinicsync/pkg/logger"
	"github.com/google/uuid"
)

// Kind names an event type.
type Kind string

const (
	KindChange      Kind = "change"
	KindSyncReport  Kind = "sync_report"
	KindDrainReport Kind = "drain_report"
	KindMode        Kind = "mode"
)

// Event is one published item. Data is one of models.ChangeNotification,
// *models.SyncReport, *models.DrainReport or models.ConnectionStatus.
type Event struct {
	Type Kind      `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 100

type subscription struct {
	id    string
	ch    chan Event
	kinds map[Kind]bool
}

func (s *subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Hub delivers every published event to every interested subscriber.
//
// Publishing never blocks: a subscriber whose buffer is full misses the event
// and a warning is logged.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
	buffer int

	log logger.Logger
}

func NewHub(log logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		subs:   make(map[string]*subscription),
		buffer: DefaultBuffer,
		log:    log,
	}
}

// Subscribe returns a subscriber id and its channel. With no kinds the
// subscriber receives everything. The channel is closed by Unsubscribe or
// Close.
func (h *Hub) Subscribe(kinds ...Kind) (string, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &subscription{
		id:    uuid.NewString(),
		ch:    make(chan Event, h.buffer),
		kinds: make(map[Kind]bool, len(kinds)),
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}
	if h.closed {
		close(s.ch)
		return s.id, s.ch
	}

	h.subs[s.id] = s
	h.log.Debug("subscriber added", "subscriber_id", s.id)
	return s.id, s.ch
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.subs[id]; ok {
		close(s.ch)
		delete(h.subs, id)
		h.log.Debug("subscriber removed", "subscriber_id", id)
	}
}

// Publish sends data as an event of kind k.
func (h *Hub) Publish(k Kind, data any) {
	ev := Event{Type: k, At: time.Now().UTC(), Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		if !s.wants(k) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.log.Warn("dropping event for slow subscriber", "subscriber_id", s.id, "type", string(k))
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
	h.closed = true
}
