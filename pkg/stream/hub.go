package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one frame on the live investigation feed.
type Event struct {
	Type            string          `json:"type"`
	InvestigationID string          `json:"investigation_id,omitempty"`
	At              string          `json:"at"`
	Data            json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, investigationID string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{
		Type:            eventType,
		InvestigationID: investigationID,
		At:              time.Now().UTC().Format(time.RFC3339Nano),
		Data:            raw,
	}
}

type subscriber struct {
	ch     chan Event
	filter string
}

// Hub fans investigation events out to websocket subscribers. Slow
// subscribers drop frames rather than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]*subscriber
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]*subscriber{}}
}

// Subscribe registers a listener. An empty investigationID receives every
// event; otherwise only events for that investigation are delivered.
func (h *Hub) Subscribe(buffer int, investigationID string) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = &subscriber{ch: ch, filter: investigationID}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.filter != "" && sub.filter != evt.InvestigationID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
