package services

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/datalens/internal/core/domain"
)

type EventType string

const (
	EventTypeStatus EventType = "status"
	EventTypeTrace  EventType = "trace"
)

// Status values published while a query moves through a session.
const (
	StatusReceived        = "received"
	StatusThinking        = "thinking"
	StatusExecuting       = "executing"
	StatusChartReady      = "chart_ready"
	StatusExecutionFailed = "execution_failed"
	StatusDone            = "done"
)

type Event struct {
	SessionID domain.SessionID
	Type      EventType
	Data      string // JSON payload
	Timestamp int64
}

// EventBus fans events out to per-session subscribers. Publishing never
// blocks; a subscriber that falls behind loses events.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.SessionID][]chan Event
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.SessionID][]chan Event),
	}
}

// Subscribe returns a channel that receives events for one session and a
// function that cancels the subscription and closes the channel.
func (b *EventBus) Subscribe(sessionID domain.SessionID) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, 64)
	b.subs[sessionID] = append(b.subs[sessionID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[sessionID]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[sessionID] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[sessionID]) == 0 {
				delete(b.subs, sessionID)
			}
		})
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of its session.
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[e.SessionID] {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "session_id", e.SessionID, "type", e.Type)
		}
	}
}

// PublishStatus publishes a status event with optional extra fields.
// Safe to call on a nil bus.
func (b *EventBus) PublishStatus(sessionID domain.SessionID, status string, fields map[string]any) {
	if b == nil {
		return
	}
	payload := map[string]any{"status": status}
	for k, v := range fields {
		payload[k] = v
	}
	data, _ := json.Marshal(payload)
	b.Publish(Event{
		SessionID: sessionID,
		Type:      EventTypeStatus,
		Data:      string(data),
		Timestamp: time.Now().UnixMilli(),
	})
}
