package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind classifies an [Event].
type EventKind string

// Event kinds.
const (
	EventInfo  EventKind = "info"
	EventWarn  EventKind = "warn"
	EventError EventKind = "error"
)

// Event is one timestamped entry of the session's event log.
type Event struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	Kind       EventKind `json:"kind"`
	Generation uint64    `json:"generation"`
	Model      string    `json:"model,omitempty"`
	// ErrorKind is the fault kind for error entries.
	ErrorKind string `json:"error_kind,omitempty"`
	Message   string `json:"message"`
}

// EventLog is a bounded ring of events with subscribers.
//
// EventLog is safe for concurrent use. Subscribers are called synchronously
// by Append and must not block.
type EventLog struct {
	mu      sync.Mutex
	entries []Event
	next    int
	full    bool
	subs    map[int]func(Event)
	subSeq  int
}

// NewEventLog returns a log keeping the last size events.
func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = 200
	}
	return &EventLog{entries: make([]Event, size), subs: make(map[int]func(Event))}
}

// Append records e. A missing ID is filled with a random UUID.
func (l *EventLog) Append(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	l.mu.Lock()
	l.entries[l.next] = e
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
	subs := make([]func(Event), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
	return e
}

// Entries returns the retained events, oldest first.
func (l *EventLog) Entries() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	if l.full {
		out = append(out, l.entries[l.next:]...)
	}
	return append(out, l.entries[:l.next]...)
}

// Subscribe registers fn for every future event. The returned function
// removes the subscription.
func (l *EventLog) Subscribe(fn func(Event)) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.subSeq
	l.subSeq++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}
