// Package events is the in-process publish/subscribe bus. Payloads are
// deep-scrubbed of secret-looking keys before any subscriber sees them,
// and publishers never block: a slow subscriber drops events instead of
// stalling a write path.
package events

import (
	"regexp"
	"sync"
	"sync/atomic"

	"opsplane/internal/metrics"
)

// Event topics.
const (
	TopicWorkerStatus        = "worker:status"
	TopicDispatchLifecycle   = "dispatch:lifecycle"
	TopicBreakerState        = "breaker:state"
	TopicNotificationCreated = "notification:created"
	TopicChatMessage         = "chat:message"
)

// forbiddenKey matches payload keys whose values must never leave the
// process: secrets, tokens, passwords, key material.
var forbiddenKey = regexp.MustCompile(`(?i)^(.*secret.*|.*token.*|.*password.*|.*_key|ssh_identity_file)$`)

// Event is one published message. Payload is already scrubbed.
type Event struct {
	Topic   string
	Payload map[string]any
}

// Bus fans events out to subscribers over buffered channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given channel buffer and
// returns the channel plus an unsubscribe function. Events that arrive
// while the buffer is full are dropped for that subscriber.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish scrubs the payload and delivers the event to every subscriber
// without blocking. The caller's payload is not modified.
func (b *Bus) Publish(topic string, payload map[string]any) {
	ev := Event{Topic: topic, Payload: scrubMap(payload)}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			metrics.EventsDroppedTotal.Inc()
		}
	}
}

// Dropped returns how many events were discarded on full subscriber
// buffers since the bus was created.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Scrub returns a deep copy of payload with every forbidden key's value
// replaced by "[redacted]". Exposed for callers that sanitize data bound
// for storage rather than the bus.
func Scrub(payload map[string]any) map[string]any {
	return scrubMap(payload)
}

func scrubMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if forbiddenKey.MatchString(k) {
			out[k] = "[redacted]"
			continue
		}
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return scrubMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = scrubValue(item)
		}
		return out
	default:
		return v
	}
}
