package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/qcrbox/qcrbox/internal/model"
)

// sseEventCalculationStatus is the SSE event type of status changes.
const sseEventCalculationStatus = "calculation_status"

// Broker fans out calculation status changes to SSE subscribers. It
// implements coordinator.Notifier.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates an SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Notify formats change as an SSE event and sends it to every subscriber.
func (b *Broker) Notify(change model.CalculationStatusChange) {
	data, err := json.Marshal(change)
	if err != nil {
		b.logger.Error("broker: encode status change", "calculation_id", change.CalculationID, "error", err)
		return
	}
	b.broadcast(formatSSE(sseEventCalculationStatus, string(data)))
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Subscribers returns the number of open subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to all subscribers. A subscriber with a full
// buffer misses the event.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug("broker: subscriber buffer full, event dropped")
		}
	}
}

// formatSSE formats one Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
