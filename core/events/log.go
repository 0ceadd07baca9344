package events

import (
	"sync"
	"time"
)

const defaultLogCapacity = 1024

// Sequenced pairs an event with its position in the append-only log.
// Sequences start at 1 and increase by one per emitted event, so downstream
// consumers can detect gaps after reconnecting.
type Sequenced struct {
	Sequence  int64     `json:"sequence"`
	Event     Event     `json:"event"`
	EmittedAt time.Time `json:"emittedAt"`
}

// Log is an append-only, in-memory emitter that retains a bounded history and
// fans events out to subscribers in emission order. Ordering among events
// follows the order their triggering operations committed, because the engine
// emits only after a successful state mutation.
type Log struct {
	mu      sync.Mutex
	nextSeq int64
	history []Sequenced
	cap     int
	subs    map[int]chan Sequenced
	subSeq  int
	nowFn   func() time.Time
}

// NewLog constructs a log retaining at most capacity events.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &Log{
		cap:   capacity,
		subs:  make(map[int]chan Sequenced),
		nowFn: time.Now,
	}
}

// Emit implements the Emitter interface. Slow subscribers never block the
// emitting operation; a subscriber whose buffer is full misses the event and
// recovers the gap from Recent or the persisted event table.
func (l *Log) Emit(evt Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSeq++
	entry := Sequenced{Sequence: l.nextSeq, Event: evt, EmittedAt: l.nowFn().UTC()}
	l.history = append(l.history, entry)
	if len(l.history) > l.cap {
		l.history = l.history[len(l.history)-l.cap:]
	}
	for _, ch := range l.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Subscribe registers a new consumer. The returned cancel function must be
// called when the consumer is done; the channel is closed on cancel.
func (l *Log) Subscribe(buffer int) (<-chan Sequenced, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subSeq++
	id := l.subSeq
	ch := make(chan Sequenced, buffer)
	l.subs[id] = ch
	cancel := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if existing, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Recent returns up to limit of the most recent events, oldest first.
func (l *Log) Recent(limit int) []Sequenced {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	out := make([]Sequenced, limit)
	copy(out, l.history[len(l.history)-limit:])
	return out
}
