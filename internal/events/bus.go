package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Manikeshmk/Arm-challenge/internal/metrics"
	"github.com/Manikeshmk/Arm-challenge/internal/protocol"
)

// Event is a sequenced protocol message.
type Event struct {
	Seq       int64
	Timestamp time.Time
	RunID     string
	Message   protocol.Message
}

// MarshalJSON encodes the message in its wire form under "message".
func (e Event) MarshalJSON() ([]byte, error) {
	msg, err := protocol.Encode(e.Message)
	if err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		Seq       int64           `json:"seq"`
		Timestamp time.Time       `json:"timestamp"`
		RunID     string          `json:"run_id,omitempty"`
		Message   json.RawMessage `json:"message"`
	}{e.Seq, e.Timestamp, e.RunID, msg})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Seq       int64           `json:"seq"`
		Timestamp time.Time       `json:"timestamp"`
		RunID     string          `json:"run_id"`
		Message   json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	msg, err := protocol.Decode(raw.Message)
	if err != nil {
		return fmt.Errorf("event %d: %w", raw.Seq, err)
	}

	*e = Event{Seq: raw.Seq, Timestamp: raw.Timestamp, RunID: raw.RunID, Message: msg}
	return nil
}

// Bus stores recent events and delivers new ones to subscribers.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event

	subs    map[int]chan Event
	nextSub int

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewBus creates a bus keeping the last maxEvents events. m may be nil.
func NewBus(maxEvents int, logger *slog.Logger, m *metrics.Metrics) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Publish appends a message, assigning sequence and timestamp, and delivers
// it to every subscriber. A subscriber whose queue is full is disconnected.
func (b *Bus) Publish(runID string, msg protocol.Message) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event := Event{
		Seq:       b.nextSeq,
		Timestamp: b.now().UTC(),
		RunID:     runID,
		Message:   msg,
	}

	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("Dropping slow event subscriber",
				slog.Int("subscriber", id),
				slog.Int64("seq", event.Seq),
			)
			close(ch)
			delete(b.subs, id)
			b.metrics.RecordSubscriberDropped()
		}
	}

	b.metrics.RecordEventPublished()
	return event
}

// Since returns events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}

	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe returns a channel receiving every event published from now on,
// and a function that unsubscribes. The channel is closed on unsubscribe or
// when the subscriber falls more than buffer events behind.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subs[id]; ok {
				close(existing)
				delete(b.subs, id)
			}
		})
	}
	return ch, cancel
}

// LastSeq returns the sequence of the most recent event.
func (b *Bus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
