package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a structured ledger state change emitted by an engine.
type Event interface {
	EventType() string
	Attributes() map[string]string
}

// Emitter broadcasts events to downstream subscribers (stream endpoints,
// indexers, audit tooling).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding everything. Engines use
// it when no subscriber is wired.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Payload is the wire form of an event handed to stream and index
// consumers: a stable identifier, the emission time and the flattened
// attribute map.
type Payload struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Time       time.Time         `json:"time"`
	Attributes map[string]string `json:"attributes"`
}

// Recorder buffers emitted events and fans them out to subscribers. The
// backlog keeps late subscribers from missing recent activity. Sends
// never block: a full subscriber drops the payload instead of stalling
// the engine.
type Recorder struct {
	mu       sync.Mutex
	backlog  []Payload
	capacity int
	subs     map[int]chan Payload
	nextSub  int
	now      func() time.Time
	onDrop   func()
}

// NewRecorder builds a recorder retaining the given number of payloads.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = 256
	}
	return &Recorder{
		capacity: capacity,
		subs:     make(map[int]chan Payload),
		now:      time.Now,
	}
}

// SetClock overrides the timestamp source. Tests use it to pin payload
// times.
func (r *Recorder) SetClock(now func() time.Time) {
	if r == nil || now == nil {
		return
	}
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Emit implements Emitter.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	payload := Payload{
		ID:         uuid.NewString(),
		Type:       evt.EventType(),
		Attributes: evt.Attributes(),
	}
	r.mu.Lock()
	payload.Time = r.now().UTC()
	r.backlog = append(r.backlog, payload)
	if overflow := len(r.backlog) - r.capacity; overflow > 0 {
		r.backlog = append([]Payload(nil), r.backlog[overflow:]...)
	}
	for _, ch := range r.subs {
		select {
		case ch <- payload:
		default:
			if r.onDrop != nil {
				r.onDrop()
			}
		}
	}
	r.mu.Unlock()
}

// SetDropHook installs a callback invoked each time a slow subscriber
// forces a payload drop.
func (r *Recorder) SetDropHook(hook func()) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.onDrop = hook
	r.mu.Unlock()
}

// Backlog returns a copy of the retained payloads, oldest first.
func (r *Recorder) Backlog() []Payload {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payload(nil), r.backlog...)
}

// Subscribe registers a consumer channel. The returned cancel function
// must be called when the consumer goes away.
func (r *Recorder) Subscribe(buffer int) (<-chan Payload, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Payload, buffer)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()
	cancel := func() {
		r.mu.Lock()
		if existing, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(existing)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}
