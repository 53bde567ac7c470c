package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"aegisbridge/core/types"
)

const streamHistoryLimit = 2048

// StreamEvent is a sequenced event as delivered to stream subscribers. The
// cursor is the string form of the sequence and can be handed back to
// Subscribe to resume after a disconnect.
type StreamEvent struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Timestamp  int64             `json:"timestamp"`
}

func cloneStreamEvent(evt StreamEvent) StreamEvent {
	cloned := evt
	if len(evt.Attributes) > 0 {
		attrs := make(map[string]string, len(evt.Attributes))
		for k, v := range evt.Attributes {
			attrs[k] = v
		}
		cloned.Attributes = attrs
	}
	return cloned
}

// Broker fans emitted events out to subscribers and keeps a bounded history
// so reconnecting clients can replay from a cursor. Slow subscribers are
// skipped rather than blocking emitters.
type Broker struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan StreamEvent
	history []StreamEvent
	nowFn   func() time.Time
}

func NewBroker() *Broker {
	return &Broker{
		subs:  make(map[uint64]chan StreamEvent),
		nowFn: time.Now,
	}
}

// SetNowFunc overrides the timestamp source. Intended for tests.
func (b *Broker) SetNowFunc(now func() time.Time) {
	if b == nil || now == nil {
		return
	}
	b.mu.Lock()
	b.nowFn = now
	b.mu.Unlock()
}

// Emit implements the Emitter interface.
func (b *Broker) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	payload := &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	if provider, ok := evt.(interface{ Event() *types.Event }); ok {
		if converted := provider.Event(); converted != nil {
			payload = converted
		}
	}

	b.mu.Lock()
	b.seq++
	stored := StreamEvent{
		Sequence:  b.seq,
		Cursor:    strconv.FormatUint(b.seq, 10),
		Type:      payload.Type,
		Timestamp: b.nowFn().Unix(),
	}
	if len(payload.Attributes) > 0 {
		stored.Attributes = make(map[string]string, len(payload.Attributes))
		for k, v := range payload.Attributes {
			stored.Attributes[k] = v
		}
	}
	b.history = append(b.history, stored)
	if len(b.history) > streamHistoryLimit {
		excess := len(b.history) - streamHistoryLimit
		trimmed := make([]StreamEvent, streamHistoryLimit)
		copy(trimmed, b.history[excess:])
		b.history = trimmed
	}
	subscribers := make([]chan StreamEvent, 0, len(b.subs))
	for _, ch := range b.subs {
		subscribers = append(subscribers, ch)
	}
	b.mu.Unlock()

	broadcast := cloneStreamEvent(stored)
	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
		}
	}
}

// Subscribe registers a subscriber for events emitted after the supplied
// cursor. The returned backlog holds the retained history past the cursor;
// cancel releases the subscription and may be called more than once.
func (b *Broker) Subscribe(ctx context.Context, cursor string) (<-chan StreamEvent, func(), []StreamEvent, error) {
	if b == nil {
		return nil, nil, nil, fmt.Errorf("events: broker not initialised")
	}
	updates := make(chan StreamEvent, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("events: invalid cursor %q", cursor)
		}
		since = parsed
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = updates
	history := make([]StreamEvent, len(b.history))
	copy(history, b.history)
	b.mu.Unlock()

	backlog := make([]StreamEvent, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneStreamEvent(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			sub, ok := b.subs[id]
			if ok {
				delete(b.subs, id)
				close(sub)
			}
			b.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}

// Tee builds an Emitter that forwards every event to all the supplied
// emitters in order. Nil entries are skipped.
func Tee(emitters ...Emitter) Emitter {
	filtered := make([]Emitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	return teeEmitter{emitters: filtered}
}

type teeEmitter struct {
	emitters []Emitter
}

func (t teeEmitter) Emit(evt Event) {
	for _, e := range t.emitters {
		e.Emit(evt)
	}
}
