package notify

import (
	"log/slog"
	"sync"
	"time"
)

const (
	EventDocumentProcessing = "document_processing"
	EventExpenseCreated     = "expense_created"
	EventSyncStatus         = "sync_status"
	EventError              = "error"
)

const DefaultBufferSize = 64

type Event struct {
	Type      string    `json:"type"`
	TenantID  string    `json:"tenantId"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the side of the hub the sync pipeline depends on.
type Publisher interface {
	Broadcast(tenantID, eventType string, payload any)
}

type Subscription struct {
	tenantID string
	events   chan Event
	done     chan struct{}
	once     sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed when the hub drops the subscription.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub fans events out to the live observers of each tenant. A subscriber
// whose buffer is full is dropped without affecting the others.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[*Subscription]struct{}
	bufferSize int
	logger     *slog.Logger
	now        func() time.Time
	closed     bool
}

func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       map[string]map[*Subscription]struct{}{},
		bufferSize: bufferSize,
		logger:     logger,
		now:        time.Now,
	}
}

func (h *Hub) Subscribe(tenantID string) *Subscription {
	sub := &Subscription{
		tenantID: tenantID,
		events:   make(chan Event, h.bufferSize),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub
	}
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = map[*Subscription]struct{}{}
	}
	h.subs[tenantID][sub] = struct{}{}
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
	sub.close()
}

func (h *Hub) Broadcast(tenantID, eventType string, payload any) {
	event := Event{
		Type:      eventType,
		TenantID:  tenantID,
		Payload:   payload,
		Timestamp: h.now().UTC(),
	}
	var dropped []*Subscription
	h.mu.RLock()
	for sub := range h.subs[tenantID] {
		select {
		case sub.events <- event:
		default:
			dropped = append(dropped, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range dropped {
		h.logger.Warn("dropping slow event subscriber", "tenant", tenantID, "event", eventType)
		h.Unsubscribe(sub)
	}
}

func (h *Hub) SubscriberCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}

func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.subs = map[string]map[*Subscription]struct{}{}
	h.mu.Unlock()
	for _, sub := range all {
		sub.close()
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	set := h.subs[sub.tenantID]
	if set == nil {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.tenantID)
	}
}
