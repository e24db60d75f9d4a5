// Package hub fans ingested events out to live subscribers (websocket
// clients, output writers) without ever blocking ingestion.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/slsolucije/astlog/internal/metrics"
	"github.com/slsolucije/astlog/internal/model"
)

const subscriberBuffer = 1024

// Hub broadcasts every ingested event to all subscribers. Slow
// subscribers lose events rather than stalling the pipeline.
type Hub struct {
	mu          sync.RWMutex
	log         zerolog.Logger
	subscribers []chan *model.Event
	dropped     atomic.Int64
	closed      bool
}

// New creates an empty Hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{log: log.With().Str("component", "hub").Logger()}
}

// Subscribe returns a buffered channel receiving every event ingested
// from now on. The channel closes when the hub shuts down.
func (h *Hub) Subscribe() <-chan *model.Event {
	ch := make(chan *model.Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		close(ch)
	} else {
		h.subscribers = append(h.subscribers, ch)
	}
	h.mu.Unlock()
	return ch
}

// Publish delivers an event to all subscribers, dropping per-subscriber
// when a buffer is full.
func (h *Hub) Publish(ev *model.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
			metrics.SubscriberDroppedTotal.Inc()
		}
	}
}

// Dropped returns the total events lost to slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close shuts all subscriber channels. Publish becomes a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, ch := range h.subscribers {
		close(ch)
	}
	h.subscribers = nil
}
